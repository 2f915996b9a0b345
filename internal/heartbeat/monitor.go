// Package heartbeat records client liveness pings against open sessions
// and answers the staleness question the idle sweeper asks.
package heartbeat

import (
	"context"
	"time"

	"github.com/kamvdi/vdi-control-plane/internal/broker"
	"github.com/kamvdi/vdi-control-plane/internal/model"
)

type Store interface {
	GetSession(ctx context.Context, id string) (*model.Session, error)
	Heartbeat(ctx context.Context, id string, at time.Time) error
}

type Monitor struct {
	store Store
	now   func() time.Time
}

func NewMonitor(st Store) *Monitor {
	return &Monitor{store: st, now: time.Now}
}

// WithClock overrides the time source, for tests.
func (m *Monitor) WithClock(now func() time.Time) *Monitor {
	m.now = now
	return m
}

// Record stamps a heartbeat on the caller's open session. A heartbeat on
// a closed or missing session returns store.ErrNotFound; the client is
// expected to reconnect rather than keep pinging a dead session.
func (m *Monitor) Record(ctx context.Context, sessionID, userID string, isAdmin bool) error {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if !isAdmin && sess.UserID != userID {
		return broker.ErrForbidden
	}
	return m.store.Heartbeat(ctx, sessionID, m.now().UTC())
}

// Stale reports whether a session's last observed activity is older than
// the threshold. A session that never sent a heartbeat is measured from
// its start, so an abandoned client can not stay fresh forever.
func Stale(s *model.Session, threshold time.Duration, now time.Time) bool {
	return now.Sub(s.IdleSince()) > threshold
}
