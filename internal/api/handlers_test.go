package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kamvdi/vdi-control-plane/internal/auth"
	"github.com/kamvdi/vdi-control-plane/internal/broker"
	"github.com/kamvdi/vdi-control-plane/internal/config"
	"github.com/kamvdi/vdi-control-plane/internal/model"
	"github.com/kamvdi/vdi-control-plane/internal/provider"
	"github.com/kamvdi/vdi-control-plane/internal/store"
)

type mockStore struct {
	getDesktopFn            func(context.Context, string) (*model.Desktop, error)
	listDesktopsForUserFn   func(context.Context, string) ([]*model.Desktop, error)
	listDesktopsForTenantFn func(context.Context, string) ([]*model.Desktop, error)
	createDesktopFn         func(context.Context, store.CreateDesktopInput) (*model.Desktop, error)
	assignDesktopFn         func(context.Context, string, *string) error
	setDesktopActiveFn      func(context.Context, string, bool) error
	resyncDesktopStateFn    func(context.Context, string, model.DesktopState, time.Time) error
	transitionFn            func(context.Context, string, model.DesktopState, model.DesktopState, time.Time) (bool, error)
	listOpenSessionsFn      func(context.Context) ([]*model.Session, error)
	getTenantPolicyFn       func(context.Context, string) (model.TenantPolicy, error)
	upsertTenantPolicyFn    func(context.Context, model.TenantPolicy) error
}

func (m *mockStore) GetDesktop(ctx context.Context, id string) (*model.Desktop, error) {
	if m.getDesktopFn != nil {
		return m.getDesktopFn(ctx, id)
	}
	return nil, store.ErrNotFound
}

func (m *mockStore) ListDesktopsForUser(ctx context.Context, userID string) ([]*model.Desktop, error) {
	if m.listDesktopsForUserFn != nil {
		return m.listDesktopsForUserFn(ctx, userID)
	}
	return nil, nil
}

func (m *mockStore) ListDesktopsForTenant(ctx context.Context, tenantID string) ([]*model.Desktop, error) {
	if m.listDesktopsForTenantFn != nil {
		return m.listDesktopsForTenantFn(ctx, tenantID)
	}
	return nil, nil
}

func (m *mockStore) CreateDesktop(ctx context.Context, in store.CreateDesktopInput) (*model.Desktop, error) {
	if m.createDesktopFn != nil {
		return m.createDesktopFn(ctx, in)
	}
	return nil, store.ErrNotFound
}

func (m *mockStore) AssignDesktop(ctx context.Context, id string, userID *string) error {
	if m.assignDesktopFn != nil {
		return m.assignDesktopFn(ctx, id, userID)
	}
	return nil
}

func (m *mockStore) SetDesktopActive(ctx context.Context, id string, active bool) error {
	if m.setDesktopActiveFn != nil {
		return m.setDesktopActiveFn(ctx, id, active)
	}
	return nil
}

func (m *mockStore) ResyncDesktopState(ctx context.Context, id string, to model.DesktopState, at time.Time) error {
	if m.resyncDesktopStateFn != nil {
		return m.resyncDesktopStateFn(ctx, id, to, at)
	}
	return nil
}

func (m *mockStore) TransitionDesktopState(ctx context.Context, id string, from, to model.DesktopState, at time.Time) (bool, error) {
	if m.transitionFn != nil {
		return m.transitionFn(ctx, id, from, to, at)
	}
	return true, nil
}

func (m *mockStore) ListOpenSessions(ctx context.Context) ([]*model.Session, error) {
	if m.listOpenSessionsFn != nil {
		return m.listOpenSessionsFn(ctx)
	}
	return nil, nil
}

func (m *mockStore) GetTenantPolicy(ctx context.Context, tenantID string) (model.TenantPolicy, error) {
	if m.getTenantPolicyFn != nil {
		return m.getTenantPolicyFn(ctx, tenantID)
	}
	return model.DefaultTenantPolicy(tenantID), nil
}

func (m *mockStore) UpsertTenantPolicy(ctx context.Context, p model.TenantPolicy) error {
	if m.upsertTenantPolicyFn != nil {
		return m.upsertTenantPolicyFn(ctx, p)
	}
	return nil
}

type mockBroker struct {
	connectFn           func(context.Context, broker.ConnectInput) (*broker.ConnectResult, error)
	disconnectUserFn    func(context.Context, string, string) (int, error)
	disconnectDesktopFn func(context.Context, string, string) (int, error)
	endSessionFn        func(context.Context, string, string) (*model.Session, error)
}

func (m *mockBroker) Connect(ctx context.Context, in broker.ConnectInput) (*broker.ConnectResult, error) {
	if m.connectFn != nil {
		return m.connectFn(ctx, in)
	}
	return nil, store.ErrNotFound
}

func (m *mockBroker) DisconnectUser(ctx context.Context, desktopID, userID string) (int, error) {
	if m.disconnectUserFn != nil {
		return m.disconnectUserFn(ctx, desktopID, userID)
	}
	return 0, nil
}

func (m *mockBroker) DisconnectDesktop(ctx context.Context, desktopID, reason string) (int, error) {
	if m.disconnectDesktopFn != nil {
		return m.disconnectDesktopFn(ctx, desktopID, reason)
	}
	return 0, nil
}

func (m *mockBroker) EndSession(ctx context.Context, sessionID, reason string) (*model.Session, error) {
	if m.endSessionFn != nil {
		return m.endSessionFn(ctx, sessionID, reason)
	}
	return nil, store.ErrNotFound
}

type mockHeartbeats struct {
	recordFn func(context.Context, string, string, bool) error
}

func (m *mockHeartbeats) Record(ctx context.Context, sessionID, userID string, isAdmin bool) error {
	if m.recordFn != nil {
		return m.recordFn(ctx, sessionID, userID, isAdmin)
	}
	return nil
}

type mockRefresher struct {
	refreshFn func(context.Context, *model.Desktop) error
}

func (m *mockRefresher) RefreshOne(ctx context.Context, d *model.Desktop) error {
	if m.refreshFn != nil {
		return m.refreshFn(ctx, d)
	}
	return nil
}

type mockRevoker struct {
	revoked map[string]time.Duration
}

func (m *mockRevoker) IsRevoked(context.Context, string) (bool, error) { return false, nil }

func (m *mockRevoker) Revoke(_ context.Context, tokenID string, ttl time.Duration) error {
	if m.revoked == nil {
		m.revoked = make(map[string]time.Duration)
	}
	m.revoked[tokenID] = ttl
	return nil
}

func testConfig() config.Config {
	return config.Config{
		JWTSecret:         "test-secret",
		StartTimeout:      time.Second,
		ReconcileInterval: time.Minute,
	}
}

func testDeps(ms *mockStore, mb *mockBroker) Deps {
	return Deps{
		Store:      ms,
		Broker:     mb,
		Heartbeats: &mockHeartbeats{},
		Refresher:  &mockRefresher{},
		Provider:   provider.NewFakeClient(),
		MFA:        &auth.StaticVerifier{ValidProof: "123456"},
		Revoker:    &mockRevoker{},
	}
}

func testJWT(t *testing.T, secret, userID, role string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"uid":  userID,
		"tid":  "tnt_1",
		"role": role,
		"jti":  "tok_" + userID,
		"exp":  time.Now().Add(1 * time.Hour).Unix(),
		"iat":  time.Now().Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign jwt: %v", err)
	}
	return signed
}

func jsonBody(v any) *bytes.Reader {
	b, _ := json.Marshal(v)
	return bytes.NewReader(b)
}

func doRequest(router http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestConnect_ReturnsGrantDescriptor(t *testing.T) {
	grantURL := "https://gateway.local/tunnel/grt_1"
	grantToken := "tok_abc"
	port := 14001
	mb := &mockBroker{
		connectFn: func(_ context.Context, in broker.ConnectInput) (*broker.ConnectResult, error) {
			if in.DesktopID != "dsk_1" || in.UserID != "usr_1" {
				t.Fatalf("unexpected connect input %+v", in)
			}
			return &broker.ConnectResult{
				Session: &model.Session{
					ID:             "ses_1",
					DesktopID:      "dsk_1",
					UserID:         "usr_1",
					ConnectionType: model.ConnectionBrowser,
					StartedAt:      time.Now().UTC(),
					GrantURL:       &grantURL,
					GrantToken:     &grantToken,
					LocalPort:      &port,
				},
				Desktop: &model.Desktop{ID: "dsk_1", DisplayName: "Dev Box"},
			}, nil
		},
	}
	router := NewRouter(testConfig(), testDeps(&mockStore{}, mb))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/desktops/dsk_1/connect", jsonBody(map[string]any{
		"connection_type": "browser",
	}))
	req.Header.Set("Authorization", "Bearer "+testJWT(t, "test-secret", "usr_1", "user"))
	rr := doRequest(router, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	var out struct {
		Session struct {
			ID    string `json:"session_id"`
			Grant struct {
				URL   string `json:"url"`
				Token string `json:"token"`
				Port  int    `json:"port"`
			} `json:"grant"`
		} `json:"session"`
		DesktopName string `json:"desktop_name"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.Session.ID != "ses_1" || out.Session.Grant.Token != "tok_abc" || out.Session.Grant.Port != 14001 {
		t.Fatalf("unexpected descriptor: %+v", out)
	}
	if out.DesktopName != "Dev Box" {
		t.Fatalf("expected desktop name, got %q", out.DesktopName)
	}
}

func TestConnect_ReusedSessionReturns200(t *testing.T) {
	mb := &mockBroker{
		connectFn: func(context.Context, broker.ConnectInput) (*broker.ConnectResult, error) {
			return &broker.ConnectResult{
				Session: &model.Session{ID: "ses_1", StartedAt: time.Now().UTC()},
				Desktop: &model.Desktop{ID: "dsk_1"},
				Reused:  true,
			}, nil
		},
	}
	router := NewRouter(testConfig(), testDeps(&mockStore{}, mb))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/desktops/dsk_1/connect", jsonBody(map[string]any{
		"connection_type": "native",
	}))
	req.Header.Set("Authorization", "Bearer "+testJWT(t, "test-secret", "usr_1", "user"))
	rr := doRequest(router, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for reused session, got %d", rr.Code)
	}
}

func TestConnect_ErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"not_found", store.ErrNotFound, http.StatusNotFound, "not_found"},
		{"forbidden_collapses_to_not_found", broker.ErrForbidden, http.StatusNotFound, "not_found"},
		{"mfa_required", broker.ErrMFARequired, http.StatusForbidden, "mfa_required"},
		{"mfa_invalid", broker.ErrMFAInvalid, http.StatusForbidden, "mfa_invalid"},
		{"start_timeout", broker.ErrStartTimeout, http.StatusServiceUnavailable, "start_timeout"},
		{"provider_unavailable", provider.ErrUnavailable, http.StatusServiceUnavailable, "provider_unavailable"},
		{"provider_rejected", provider.ErrRejected, http.StatusUnprocessableEntity, "provider_rejected"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mb := &mockBroker{
				connectFn: func(context.Context, broker.ConnectInput) (*broker.ConnectResult, error) {
					return nil, tc.err
				},
			}
			router := NewRouter(testConfig(), testDeps(&mockStore{}, mb))
			req := httptest.NewRequest(http.MethodPost, "/api/v1/desktops/dsk_1/connect", jsonBody(map[string]any{
				"connection_type": "browser",
			}))
			req.Header.Set("Authorization", "Bearer "+testJWT(t, "test-secret", "usr_1", "user"))
			rr := doRequest(router, req)

			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d body=%s", tc.status, rr.Code, rr.Body.String())
			}
			var payload apiError
			if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
				t.Fatalf("decode error payload: %v", err)
			}
			if payload.Error.Code != tc.code {
				t.Fatalf("expected code %q, got %q", tc.code, payload.Error.Code)
			}
		})
	}
}

func TestConnect_InvalidConnectionTypeRejected(t *testing.T) {
	router := NewRouter(testConfig(), testDeps(&mockStore{}, &mockBroker{}))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/desktops/dsk_1/connect", jsonBody(map[string]any{
		"connection_type": "vnc",
	}))
	req.Header.Set("Authorization", "Bearer "+testJWT(t, "test-secret", "usr_1", "user"))
	rr := doRequest(router, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestDisconnect_Returns204(t *testing.T) {
	calls := 0
	mb := &mockBroker{
		disconnectUserFn: func(_ context.Context, desktopID, userID string) (int, error) {
			calls++
			if desktopID != "dsk_1" || userID != "usr_1" {
				t.Fatalf("unexpected disconnect target %s %s", desktopID, userID)
			}
			return 1, nil
		},
	}
	router := NewRouter(testConfig(), testDeps(&mockStore{}, mb))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/desktops/dsk_1/disconnect", nil)
	req.Header.Set("Authorization", "Bearer "+testJWT(t, "test-secret", "usr_1", "user"))
	rr := doRequest(router, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if calls != 1 {
		t.Fatalf("expected one disconnect call, got %d", calls)
	}
}

func TestHeartbeat_UnknownSessionIs404(t *testing.T) {
	deps := testDeps(&mockStore{}, &mockBroker{})
	deps.Heartbeats = &mockHeartbeats{
		recordFn: func(context.Context, string, string, bool) error { return store.ErrNotFound },
	}
	router := NewRouter(testConfig(), deps)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/heartbeat", jsonBody(map[string]any{
		"session_id": "ses_gone",
	}))
	req.Header.Set("Authorization", "Bearer "+testJWT(t, "test-secret", "usr_1", "user"))
	rr := doRequest(router, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestLogout_RevokesTokenForRemainingLifetime(t *testing.T) {
	revoker := &mockRevoker{}
	deps := testDeps(&mockStore{}, &mockBroker{})
	deps.Revoker = revoker
	router := NewRouter(testConfig(), deps)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/logout", nil)
	req.Header.Set("Authorization", "Bearer "+testJWT(t, "test-secret", "usr_1", "user"))
	rr := doRequest(router, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d body=%s", rr.Code, rr.Body.String())
	}
	ttl, ok := revoker.revoked["tok_usr_1"]
	if !ok {
		t.Fatal("expected token id to be revoked")
	}
	if ttl <= 0 || ttl > time.Hour {
		t.Fatalf("expected ttl within token lifetime, got %s", ttl)
	}
}

func TestAdminRoutes_RequireAdminRole(t *testing.T) {
	router := NewRouter(testConfig(), testDeps(&mockStore{}, &mockBroker{}))
	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/desktops", nil)
	req.Header.Set("Authorization", "Bearer "+testJWT(t, "test-secret", "usr_1", "user"))
	rr := doRequest(router, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin, got %d", rr.Code)
	}
}

func TestAdminPower_InvalidActionRejected(t *testing.T) {
	router := NewRouter(testConfig(), testDeps(&mockStore{}, &mockBroker{}))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/desktops/dsk_1/power", jsonBody(map[string]any{
		"action": "explode",
	}))
	req.Header.Set("Authorization", "Bearer "+testJWT(t, "test-secret", "adm_1", "admin"))
	rr := doRequest(router, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestAdminPower_SuspendTransitionsState(t *testing.T) {
	transitioned := false
	ms := &mockStore{
		getDesktopFn: func(_ context.Context, id string) (*model.Desktop, error) {
			return &model.Desktop{ID: id, ProviderVMID: "i-1", CurrentState: model.StateOn, IsActive: true}, nil
		},
		transitionFn: func(_ context.Context, id string, from, to model.DesktopState, _ time.Time) (bool, error) {
			transitioned = true
			if from != model.StateOn || to != model.StateSuspending {
				t.Fatalf("unexpected transition %s->%s", from, to)
			}
			return true, nil
		},
	}
	router := NewRouter(testConfig(), testDeps(ms, &mockBroker{}))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/desktops/dsk_1/power", jsonBody(map[string]any{
		"action": "suspend",
	}))
	req.Header.Set("Authorization", "Bearer "+testJWT(t, "test-secret", "adm_1", "admin"))
	rr := doRequest(router, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if !transitioned {
		t.Fatal("expected a state transition write")
	}
}

func TestAdminTerminate_RequiresSecondFactor(t *testing.T) {
	getCalls := 0
	ms := &mockStore{
		getDesktopFn: func(_ context.Context, id string) (*model.Desktop, error) {
			getCalls++
			return &model.Desktop{ID: id, ProviderVMID: "i-1", CurrentState: model.StateOn, IsActive: true}, nil
		},
	}
	deps := testDeps(ms, &mockBroker{})
	router := NewRouter(testConfig(), deps)

	// Missing code: rejected before anything is touched.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/desktops/dsk_1/terminate", jsonBody(map[string]any{}))
	req.Header.Set("Authorization", "Bearer "+testJWT(t, "test-secret", "adm_1", "admin"))
	rr := doRequest(router, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without mfa code, got %d", rr.Code)
	}

	// Wrong code.
	req = httptest.NewRequest(http.MethodPost, "/api/v1/admin/desktops/dsk_1/terminate", jsonBody(map[string]any{
		"mfa_code": "000000",
	}))
	req.Header.Set("Authorization", "Bearer "+testJWT(t, "test-secret", "adm_1", "admin"))
	rr = doRequest(router, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 with wrong mfa code, got %d", rr.Code)
	}
	if getCalls != 0 {
		t.Fatalf("expected mfa gate to run before any lookup, got %d lookups", getCalls)
	}
}

func TestAdminPutPolicy_RoundTrips(t *testing.T) {
	var saved model.TenantPolicy
	ms := &mockStore{
		upsertTenantPolicyFn: func(_ context.Context, p model.TenantPolicy) error {
			saved = p
			return nil
		},
	}
	router := NewRouter(testConfig(), testDeps(ms, &mockBroker{}))
	req := httptest.NewRequest(http.MethodPut, "/api/v1/admin/policy", jsonBody(map[string]any{
		"suspend_threshold_minutes": 15,
		"max_session_hours":         4,
	}))
	req.Header.Set("Authorization", "Bearer "+testJWT(t, "test-secret", "adm_1", "admin"))
	rr := doRequest(router, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if saved.TenantID != "tnt_1" || saved.SuspendThresholdMinutes != 15 || saved.MaxSessionHours != 4 {
		t.Fatalf("unexpected saved policy %+v", saved)
	}
}

func TestHealthz_NoAuthRequired(t *testing.T) {
	router := NewRouter(testConfig(), testDeps(&mockStore{}, &mockBroker{}))
	rr := doRequest(router, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestAPI_RejectsMissingToken(t *testing.T) {
	router := NewRouter(testConfig(), testDeps(&mockStore{}, &mockBroker{}))
	rr := doRequest(router, httptest.NewRequest(http.MethodGet, "/api/v1/desktops", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}
