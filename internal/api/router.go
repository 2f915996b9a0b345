// Package api exposes the control plane over HTTP: desktop listing and
// connect/disconnect for users, lifecycle and policy management for admins.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kamvdi/vdi-control-plane/internal/auth"
	"github.com/kamvdi/vdi-control-plane/internal/broker"
	"github.com/kamvdi/vdi-control-plane/internal/config"
	"github.com/kamvdi/vdi-control-plane/internal/metrics"
	"github.com/kamvdi/vdi-control-plane/internal/model"
	"github.com/kamvdi/vdi-control-plane/internal/provider"
	"github.com/kamvdi/vdi-control-plane/internal/store"
)

type Store interface {
	GetDesktop(ctx context.Context, id string) (*model.Desktop, error)
	ListDesktopsForUser(ctx context.Context, userID string) ([]*model.Desktop, error)
	ListDesktopsForTenant(ctx context.Context, tenantID string) ([]*model.Desktop, error)
	CreateDesktop(ctx context.Context, in store.CreateDesktopInput) (*model.Desktop, error)
	AssignDesktop(ctx context.Context, id string, userID *string) error
	SetDesktopActive(ctx context.Context, id string, active bool) error
	ResyncDesktopState(ctx context.Context, id string, to model.DesktopState, checkedAt time.Time) error
	TransitionDesktopState(ctx context.Context, id string, from, to model.DesktopState, checkedAt time.Time) (bool, error)
	ListOpenSessions(ctx context.Context) ([]*model.Session, error)
	GetTenantPolicy(ctx context.Context, tenantID string) (model.TenantPolicy, error)
	UpsertTenantPolicy(ctx context.Context, p model.TenantPolicy) error
}

type Broker interface {
	Connect(ctx context.Context, in broker.ConnectInput) (*broker.ConnectResult, error)
	DisconnectUser(ctx context.Context, desktopID, userID string) (int, error)
	DisconnectDesktop(ctx context.Context, desktopID, reason string) (int, error)
	EndSession(ctx context.Context, sessionID, reason string) (*model.Session, error)
}

type Heartbeats interface {
	Record(ctx context.Context, sessionID, userID string, isAdmin bool) error
}

type Refresher interface {
	RefreshOne(ctx context.Context, d *model.Desktop) error
}

// TokenRevoker records a logged-out token until it expires on its own.
type TokenRevoker interface {
	auth.Blacklist
	Revoke(ctx context.Context, tokenID string, ttl time.Duration) error
}

type Server struct {
	cfg        config.Config
	store      Store
	broker     Broker
	heartbeats Heartbeats
	refresher  Refresher
	provider   provider.Client
	mfa        auth.MFAVerifier
	revoker    TokenRevoker
}

type Deps struct {
	Store      Store
	Broker     Broker
	Heartbeats Heartbeats
	Refresher  Refresher
	Provider   provider.Client
	MFA        auth.MFAVerifier
	// Revoker may be nil; logout then reports the blacklist as disabled.
	Revoker TokenRevoker
}

func NewRouter(cfg config.Config, deps Deps) http.Handler {
	s := &Server{
		cfg:        cfg,
		store:      deps.Store,
		broker:     deps.Broker,
		heartbeats: deps.Heartbeats,
		refresher:  deps.Refresher,
		provider:   deps.Provider,
		mfa:        deps.MFA,
		revoker:    deps.Revoker,
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	// Connect waits synchronously for a cold VM to boot.
	r.Use(middleware.Timeout(cfg.StartTimeout + 30*time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	r.Get("/metrics", metrics.Default().Handler().ServeHTTP)

	var blacklist auth.Blacklist
	if deps.Revoker != nil {
		blacklist = deps.Revoker
	}

	r.Route("/api/v1", func(v1 chi.Router) {
		v1.Use(auth.Middleware(cfg.JWTSecret, blacklist))

		v1.Get("/desktops", s.handleListDesktops)
		v1.Post("/desktops/{desktopID}/connect", s.handleConnect)
		v1.Post("/desktops/{desktopID}/disconnect", s.handleDisconnect)
		v1.Post("/sessions/heartbeat", s.handleHeartbeat)
		v1.Post("/auth/logout", s.handleLogout)

		v1.Route("/admin", func(admin chi.Router) {
			admin.Use(auth.RequireAdmin)
			admin.Get("/desktops", s.handleAdminListDesktops)
			admin.Post("/desktops", s.handleAdminCreateDesktop)
			admin.Post("/desktops/{desktopID}/power", s.handleAdminPower)
			admin.Post("/desktops/{desktopID}/terminate", s.handleAdminTerminate)
			admin.Post("/desktops/{desktopID}/activate", s.handleAdminActivate)
			admin.Post("/desktops/{desktopID}/resync", s.handleAdminResync)
			admin.Delete("/desktops/{desktopID}", s.handleAdminUnregister)
			admin.Post("/desktops/{desktopID}/assign", s.handleAdminAssign)
			admin.Get("/sessions", s.handleAdminListSessions)
			admin.Delete("/sessions/{sessionID}", s.handleAdminEndSession)
			admin.Get("/images", s.handleAdminListImages)
			admin.Get("/networks", s.handleAdminListNetworks)
			admin.Put("/policy", s.handleAdminPutPolicy)
		})
	})

	return r
}

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	var payload apiError
	payload.Error.Code = code
	payload.Error.Message = message
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
