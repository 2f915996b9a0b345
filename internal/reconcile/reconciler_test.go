package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kamvdi/vdi-control-plane/internal/model"
	"github.com/kamvdi/vdi-control-plane/internal/provider"
)

type memStore struct {
	desktops    map[string]*model.Desktop
	transitions [][3]string // desktop, from, to
	touched     map[string]time.Time
	ips         map[string]string
	ipWrites    int
	listErr     error
}

func newMemStore(desktops ...*model.Desktop) *memStore {
	m := &memStore{
		desktops: make(map[string]*model.Desktop),
		touched:  make(map[string]time.Time),
		ips:      make(map[string]string),
	}
	for _, d := range desktops {
		m.desktops[d.ID] = d
	}
	return m
}

func (m *memStore) ListActiveDesktops(context.Context) ([]*model.Desktop, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	out := make([]*model.Desktop, 0, len(m.desktops))
	for _, d := range m.desktops {
		out = append(out, d)
	}
	return out, nil
}

func (m *memStore) GetDesktop(_ context.Context, id string) (*model.Desktop, error) {
	d, ok := m.desktops[id]
	if !ok {
		return nil, errors.New("not found")
	}
	cp := *d
	return &cp, nil
}

func (m *memStore) TransitionDesktopState(_ context.Context, id string, from, to model.DesktopState, checkedAt time.Time) (bool, error) {
	d, ok := m.desktops[id]
	if !ok || d.CurrentState != from {
		return false, nil
	}
	d.CurrentState = to
	d.LastStateCheck = &checkedAt
	m.transitions = append(m.transitions, [3]string{id, string(from), string(to)})
	return true, nil
}

func (m *memStore) TouchStateCheck(_ context.Context, id string, checkedAt time.Time) error {
	m.touched[id] = checkedAt
	if d, ok := m.desktops[id]; ok {
		d.LastStateCheck = &checkedAt
	}
	return nil
}

func (m *memStore) UpdateDesktopIP(_ context.Context, id, ip string) error {
	m.ipWrites++
	m.ips[id] = ip
	if d, ok := m.desktops[id]; ok {
		d.PrivateIP = &ip
	}
	return nil
}

type scriptedProvider struct {
	states map[string]string
	ips    map[string]string
	errs   map[string]error
	calls  int
}

func (p *scriptedProvider) GetState(_ context.Context, providerID string) (provider.VMState, error) {
	p.calls++
	if err, ok := p.errs[providerID]; ok {
		return provider.VMState{}, err
	}
	return provider.VMState{State: p.states[providerID], PrivateIP: p.ips[providerID]}, nil
}

func desktop(id, vmID string, state model.DesktopState) *model.Desktop {
	return &model.Desktop{
		ID:           id,
		TenantID:     "tnt_1",
		ProviderVMID: vmID,
		CurrentState: state,
		IsActive:     true,
		CreatedAt:    time.Now().UTC().Add(-time.Minute),
	}
}

func testConfig() Config {
	return Config{
		CheckTimeout:        time.Second,
		ProvisioningTimeout: 10 * time.Minute,
		PollInterval:        time.Millisecond,
	}
}

func TestRefreshOne_TransitionsAlongLegalEdge(t *testing.T) {
	d := desktop("dsk_1", "i-1", model.StateStarting)
	st := newMemStore(d)
	r := New(st, &scriptedProvider{states: map[string]string{"i-1": "running"}}, testConfig())

	require.NoError(t, r.RefreshOne(context.Background(), d))
	assert.Equal(t, model.StateOn, d.CurrentState)
	require.Len(t, st.transitions, 1)
	assert.Equal(t, [3]string{"dsk_1", "starting", "on"}, st.transitions[0])
}

func TestRefreshOne_ProviderFailureLeavesRecordUntouched(t *testing.T) {
	checked := time.Now().UTC().Add(-time.Hour)
	d := desktop("dsk_1", "i-1", model.StateOn)
	d.LastStateCheck = &checked
	st := newMemStore(d)
	p := &scriptedProvider{errs: map[string]error{"i-1": errors.New("connection refused")}}
	r := New(st, p, testConfig())

	// Three consecutive failures: state and last check stay exactly as
	// they were, and each failure surfaces for logging only.
	for i := 0; i < 3; i++ {
		err := r.RefreshOne(context.Background(), d)
		require.Error(t, err)
	}
	assert.Equal(t, model.StateOn, d.CurrentState)
	assert.Equal(t, checked, *d.LastStateCheck)
	assert.Empty(t, st.transitions)
	assert.Empty(t, st.touched)
}

func TestRefreshAll_OneFailureDoesNotAbortBatch(t *testing.T) {
	d1 := desktop("dsk_1", "i-1", model.StateStarting)
	d2 := desktop("dsk_2", "i-2", model.StateOn)
	st := newMemStore(d1, d2)
	p := &scriptedProvider{
		states: map[string]string{"i-1": "running"},
		errs:   map[string]error{"i-2": errors.New("boom")},
	}
	r := New(st, p, testConfig())

	require.NoError(t, r.RefreshAll(context.Background()))
	assert.Equal(t, model.StateOn, st.desktops["dsk_1"].CurrentState)
	assert.Equal(t, model.StateOn, st.desktops["dsk_2"].CurrentState)
	assert.Equal(t, 2, p.calls)
}

func TestRefreshOne_UnrecognizedStateKeepsLastKnown(t *testing.T) {
	d := desktop("dsk_1", "i-1", model.StateOn)
	st := newMemStore(d)
	r := New(st, &scriptedProvider{states: map[string]string{"i-1": "rebalancing"}}, testConfig())

	require.NoError(t, r.RefreshOne(context.Background(), d))
	assert.Equal(t, model.StateOn, d.CurrentState)
	assert.Empty(t, st.transitions)
	assert.Contains(t, st.touched, "dsk_1")
}

func TestRefreshOne_UndefinedEdgeSkipped(t *testing.T) {
	// Desktop believed off, provider says stopped (maps to suspended):
	// off→suspended is not a defined edge, so the record is kept.
	d := desktop("dsk_1", "i-1", model.StateOff)
	st := newMemStore(d)
	r := New(st, &scriptedProvider{states: map[string]string{"i-1": "stopped"}}, testConfig())

	require.NoError(t, r.RefreshOne(context.Background(), d))
	assert.Equal(t, model.StateOff, d.CurrentState)
	assert.Empty(t, st.transitions)
}

func TestRefreshOne_ProvisioningTimeoutMovesToError(t *testing.T) {
	d := desktop("dsk_1", "i-1", model.StateProvisioning)
	d.CreatedAt = time.Now().UTC().Add(-time.Hour)
	st := newMemStore(d)
	p := &scriptedProvider{errs: map[string]error{"i-1": errors.New("instance not visible yet")}}
	r := New(st, p, testConfig())

	require.NoError(t, r.RefreshOne(context.Background(), d))
	assert.Equal(t, model.StateError, d.CurrentState)
}

func TestWaitUntilOn_ReachesOn(t *testing.T) {
	d := desktop("dsk_1", "i-1", model.StateStarting)
	st := newMemStore(d)
	r := New(st, &scriptedProvider{states: map[string]string{"i-1": "running"}}, testConfig())

	got, err := r.WaitUntilOn(context.Background(), "dsk_1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, model.StateOn, got.CurrentState)
}

func TestRefreshOne_RecordsPrivateIP(t *testing.T) {
	d := desktop("dsk_1", "i-1", model.StateStarting)
	st := newMemStore(d)
	p := &scriptedProvider{
		states: map[string]string{"i-1": "running"},
		ips:    map[string]string{"i-1": "10.0.1.40"},
	}
	r := New(st, p, testConfig())

	require.NoError(t, r.RefreshOne(context.Background(), d))
	require.NotNil(t, d.PrivateIP)
	assert.Equal(t, "10.0.1.40", *d.PrivateIP)
	assert.Equal(t, "10.0.1.40", st.ips["dsk_1"])

	// A second refresh with the same address writes nothing.
	require.NoError(t, r.RefreshOne(context.Background(), d))
	assert.Equal(t, 1, st.ipWrites)
}

func TestWaitUntilOn_ReturnsEarlyWhenDesktopSettlesSuspended(t *testing.T) {
	// A sweep can land the desktop back in suspended while a connect is
	// waiting; the wait hands the settled state back instead of burning
	// the whole deadline.
	d := desktop("dsk_1", "i-1", model.StateSuspended)
	st := newMemStore(d)
	r := New(st, &scriptedProvider{states: map[string]string{"i-1": "stopped"}}, testConfig())

	got, err := r.WaitUntilOn(context.Background(), "dsk_1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, model.StateSuspended, got.CurrentState)
}

func TestWaitUntilOn_TimesOut(t *testing.T) {
	d := desktop("dsk_1", "i-1", model.StateStarting)
	st := newMemStore(d)
	r := New(st, &scriptedProvider{states: map[string]string{"i-1": "pending"}}, testConfig())

	got, err := r.WaitUntilOn(context.Background(), "dsk_1", 20*time.Millisecond)
	require.ErrorIs(t, err, ErrWaitTimeout)
	// Last observed state is preserved, not reset.
	assert.Equal(t, model.StateStarting, got.CurrentState)
}

func TestMapProviderState(t *testing.T) {
	cases := map[string]model.DesktopState{
		"running":       model.StateOn,
		"pending":       model.StateStarting,
		"stopping":      model.StateSuspending,
		"stopped":       model.StateSuspended,
		"terminated":    model.StateError,
		"shutting-down": model.StateError,
		"hibernating":   model.StateUnknown,
		"":              model.StateUnknown,
	}
	for raw, want := range cases {
		assert.Equal(t, want, MapProviderState(raw), "raw=%q", raw)
	}
}
