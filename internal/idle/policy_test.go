package idle

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

var sweepNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type memStore struct {
	desktops    []*model.Desktop
	sessions    map[string][]*model.Session
	transitions [][3]string
}

func (m *memStore) ListActiveDesktops(context.Context) ([]*model.Desktop, error) {
	return m.desktops, nil
}

func (m *memStore) ListOpenSessionsForDesktop(_ context.Context, desktopID string) ([]*model.Session, error) {
	var out []*model.Session
	for _, s := range m.sessions[desktopID] {
		if s.Open() {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memStore) GetTenantPolicy(_ context.Context, tenantID string) (model.TenantPolicy, error) {
	return model.DefaultTenantPolicy(tenantID), nil
}

func (m *memStore) TransitionDesktopState(_ context.Context, id string, from, to model.DesktopState, _ time.Time) (bool, error) {
	for _, d := range m.desktops {
		if d.ID == id && d.CurrentState == from {
			d.CurrentState = to
			m.transitions = append(m.transitions, [3]string{id, string(from), string(to)})
			return true, nil
		}
	}
	return false, nil
}

type fakeEnder struct {
	ended map[string]string // session id -> reason
	errOn string
	store *memStore
}

func (f *fakeEnder) EndSession(_ context.Context, sessionID, reason string) (*model.Session, error) {
	if sessionID == f.errOn {
		return nil, errors.New("close failed")
	}
	for _, list := range f.store.sessions {
		for _, s := range list {
			if s.ID == sessionID {
				ended := sweepNow
				s.EndedAt = &ended
				s.EndReason = &reason
				f.ended[sessionID] = reason
				return s, nil
			}
		}
	}
	return nil, errors.New("not found")
}

type fakePower struct {
	actions []string
	err     error
}

func (p *fakePower) Power(_ context.Context, providerID string, action provider.PowerAction) error {
	if p.err != nil {
		return p.err
	}
	p.actions = append(p.actions, providerID+" "+string(action))
	return nil
}

func onDesktop(id string, sinceTransition time.Duration) *model.Desktop {
	return &model.Desktop{
		ID:           id,
		TenantID:     "tnt_1",
		ProviderVMID: "i-" + id,
		CurrentState: model.StateOn,
		IsActive:     true,
		UpdatedAt:    sweepNow.Add(-sinceTransition),
	}
}

func openSession(id, desktopID string, age time.Duration, lastPing *time.Duration) *model.Session {
	s := &model.Session{ID: id, DesktopID: desktopID, UserID: "usr_1", StartedAt: sweepNow.Add(-age)}
	if lastPing != nil {
		t := sweepNow.Add(-*lastPing)
		s.LastHeartbeat = &t
	}
	return s
}

func newSweepFixture(st *memStore) (*Sweeper, *fakeEnder, *fakePower) {
	ender := &fakeEnder{ended: make(map[string]string), store: st}
	power := &fakePower{}
	sw := NewSweeper(st, ender, power).WithClock(func() time.Time { return sweepNow })
	return sw, ender, power
}

func TestSweep_EndsSessionPastMaxDuration(t *testing.T) {
	ping := time.Minute // still fresh, but the session is too old
	st := &memStore{
		desktops: []*model.Desktop{onDesktop("dsk_1", time.Minute)},
		sessions: map[string][]*model.Session{"dsk_1": {openSession("ses_old", "dsk_1", 9*time.Hour, &ping)}},
	}
	sw, ender, power := newSweepFixture(st)

	require.NoError(t, sw.Sweep(context.Background()))
	assert.Equal(t, model.EndReasonMaxDuration, ender.ended["ses_old"])
	// Desktop transitioned recently, so it is not suspended this pass.
	assert.Empty(t, power.actions)
}

func TestSweep_EndsStaleSession(t *testing.T) {
	ping := 45 * time.Minute // past the 30 minute default threshold
	st := &memStore{
		desktops: []*model.Desktop{onDesktop("dsk_1", time.Minute)},
		sessions: map[string][]*model.Session{"dsk_1": {openSession("ses_idle", "dsk_1", time.Hour, &ping)}},
	}
	sw, ender, _ := newSweepFixture(st)

	require.NoError(t, sw.Sweep(context.Background()))
	assert.Equal(t, model.EndReasonIdleTimeout, ender.ended["ses_idle"])
}

func TestSweep_SessionWithoutHeartbeatMeasuredFromStart(t *testing.T) {
	st := &memStore{
		desktops: []*model.Desktop{onDesktop("dsk_1", time.Minute)},
		sessions: map[string][]*model.Session{"dsk_1": {openSession("ses_silent", "dsk_1", time.Hour, nil)}},
	}
	sw, ender, _ := newSweepFixture(st)

	require.NoError(t, sw.Sweep(context.Background()))
	assert.Equal(t, model.EndReasonIdleTimeout, ender.ended["ses_silent"])
}

func TestSweep_SuspendsIdleDesktop(t *testing.T) {
	st := &memStore{
		desktops: []*model.Desktop{onDesktop("dsk_1", 2 * time.Hour)},
		sessions: map[string][]*model.Session{},
	}
	sw, _, power := newSweepFixture(st)

	require.NoError(t, sw.Sweep(context.Background()))
	assert.Equal(t, []string{"i-dsk_1 suspend"}, power.actions)
	require.Len(t, st.transitions, 1)
	assert.Equal(t, [3]string{"dsk_1", "on", "suspending"}, st.transitions[0])
}

func TestSweep_FreshDesktopGetsGracePeriod(t *testing.T) {
	st := &memStore{
		desktops: []*model.Desktop{onDesktop("dsk_1", 5 * time.Minute)},
		sessions: map[string][]*model.Session{},
	}
	sw, _, power := newSweepFixture(st)

	require.NoError(t, sw.Sweep(context.Background()))
	assert.Empty(t, power.actions)
	assert.Empty(t, st.transitions)
}

func TestSweep_LiveSessionBlocksSuspend(t *testing.T) {
	ping := time.Minute
	st := &memStore{
		desktops: []*model.Desktop{onDesktop("dsk_1", 2 * time.Hour)},
		sessions: map[string][]*model.Session{"dsk_1": {openSession("ses_live", "dsk_1", time.Hour, &ping)}},
	}
	sw, ender, power := newSweepFixture(st)

	require.NoError(t, sw.Sweep(context.Background()))
	assert.Empty(t, ender.ended)
	assert.Empty(t, power.actions)
}

func TestSweep_OnlySuspendsOnDesktops(t *testing.T) {
	d := onDesktop("dsk_1", 2*time.Hour)
	d.CurrentState = model.StateSuspended
	st := &memStore{desktops: []*model.Desktop{d}, sessions: map[string][]*model.Session{}}
	sw, _, power := newSweepFixture(st)

	require.NoError(t, sw.Sweep(context.Background()))
	assert.Empty(t, power.actions)
}

func TestSweep_OneFailureDoesNotAbortOthers(t *testing.T) {
	ping := 45 * time.Minute
	st := &memStore{
		desktops: []*model.Desktop{onDesktop("dsk_1", time.Minute), onDesktop("dsk_2", time.Minute)},
		sessions: map[string][]*model.Session{
			"dsk_1": {openSession("ses_bad", "dsk_1", time.Hour, &ping)},
			"dsk_2": {openSession("ses_ok", "dsk_2", time.Hour, &ping)},
		},
	}
	sw, ender, _ := newSweepFixture(st)
	ender.errOn = "ses_bad"

	require.NoError(t, sw.Sweep(context.Background()))
	assert.NotContains(t, ender.ended, "ses_bad")
	assert.Equal(t, model.EndReasonIdleTimeout, ender.ended["ses_ok"])
}
