// Package idle enforces per-tenant session limits in the background: it
// force-ends sessions that outlived the maximum duration, ends sessions
// whose clients went silent, and suspends desktops nobody is using.
package idle

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/kamvdi/vdi-control-plane/internal/heartbeat"
	"github.com/kamvdi/vdi-control-plane/internal/metrics"
	"github.com/kamvdi/vdi-control-plane/internal/model"
	"github.com/kamvdi/vdi-control-plane/internal/provider"
)

type Store interface {
	ListActiveDesktops(ctx context.Context) ([]*model.Desktop, error)
	ListOpenSessionsForDesktop(ctx context.Context, desktopID string) ([]*model.Session, error)
	GetTenantPolicy(ctx context.Context, tenantID string) (model.TenantPolicy, error)
	TransitionDesktopState(ctx context.Context, id string, from, to model.DesktopState, checkedAt time.Time) (bool, error)
}

// SessionEnder closes a session and revokes its grant; *broker.Broker
// satisfies it.
type SessionEnder interface {
	EndSession(ctx context.Context, sessionID, reason string) (*model.Session, error)
}

type PowerClient interface {
	Power(ctx context.Context, providerID string, action provider.PowerAction) error
}

type Sweeper struct {
	store Store
	ender SessionEnder
	power PowerClient
	now   func() time.Time
}

func NewSweeper(st Store, ender SessionEnder, power PowerClient) *Sweeper {
	return &Sweeper{store: st, ender: ender, power: power, now: time.Now}
}

// WithClock overrides the time source, for tests.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Sweep applies the tenant policy to every active desktop. Each desktop is
// handled independently: a failure is logged and the sweep moves on, so
// one broken record never starves the rest of the fleet.
func (s *Sweeper) Sweep(ctx context.Context) error {
	desktops, err := s.store.ListActiveDesktops(ctx)
	if err != nil {
		return fmt.Errorf("list desktops: %w", err)
	}
	for _, d := range desktops {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.sweepDesktop(ctx, d); err != nil {
			log.Printf("event=sweep_failed desktop_id=%s err=%q", d.ID, err.Error())
		}
	}
	return nil
}

func (s *Sweeper) sweepDesktop(ctx context.Context, d *model.Desktop) error {
	policy, err := s.store.GetTenantPolicy(ctx, d.TenantID)
	if err != nil {
		return fmt.Errorf("tenant policy: %w", err)
	}
	sessions, err := s.store.ListOpenSessionsForDesktop(ctx, d.ID)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}

	now := s.now().UTC()
	remaining := 0
	for _, sess := range sessions {
		switch {
		case now.Sub(sess.StartedAt) > policy.MaxSessionDuration():
			s.endSession(ctx, sess, model.EndReasonMaxDuration)
		case heartbeat.Stale(sess, policy.SuspendThreshold(), now):
			s.endSession(ctx, sess, model.EndReasonIdleTimeout)
		default:
			remaining++
		}
	}

	// Suspend an on desktop once it has sat without live sessions past the
	// idle threshold. UpdatedAt moves on every state transition, so a
	// freshly powered-on desktop gets its full grace period before the
	// sweeper reaches for it.
	if d.CurrentState != model.StateOn || remaining > 0 {
		return nil
	}
	if now.Sub(d.UpdatedAt) <= policy.SuspendThreshold() {
		return nil
	}
	if err := s.power.Power(ctx, d.ProviderVMID, provider.PowerSuspend); err != nil {
		return fmt.Errorf("suspend: %w", err)
	}
	ok, err := s.store.TransitionDesktopState(ctx, d.ID, model.StateOn, model.StateSuspending, now)
	if err != nil {
		return err
	}
	if ok {
		log.Printf("event=idle_suspend desktop_id=%s idle_for=%s", d.ID, now.Sub(d.UpdatedAt))
		metrics.Default().IncCounter("vdi_idle_sweep_actions_total", map[string]string{"action": "suspend"})
		metrics.Default().IncCounter("vdi_state_transitions_total", map[string]string{"from": string(model.StateOn), "to": string(model.StateSuspending)})
	}
	return nil
}

func (s *Sweeper) endSession(ctx context.Context, sess *model.Session, reason string) {
	if _, err := s.ender.EndSession(ctx, sess.ID, reason); err != nil {
		log.Printf("event=sweep_end_failed session_id=%s reason=%s err=%q", sess.ID, reason, err.Error())
		return
	}
	metrics.Default().IncCounter("vdi_idle_sweep_actions_total", map[string]string{"action": reason})
}
