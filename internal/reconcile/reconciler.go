// Package reconcile keeps locally tracked desktop state consistent with
// provider reality without assuming the provider is always reachable.
// Stale-but-present beats absent: a failed check never clears what we knew.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/kamvdi/vdi-control-plane/internal/metrics"
	"github.com/kamvdi/vdi-control-plane/internal/model"
	"github.com/kamvdi/vdi-control-plane/internal/provider"
)

// ErrWaitTimeout is returned by WaitUntilOn when the desktop did not reach
// the on state before the deadline.
var ErrWaitTimeout = errors.New("timed out waiting for desktop to power on")

// stateMapping is the closed set of recognized provider state strings.
// Anything else maps to unknown, never an error: an unrecognized value
// must not make a refresh fatal. The vocabulary is EC2's.
var stateMapping = map[string]model.DesktopState{
	"pending":       model.StateStarting,
	"running":       model.StateOn,
	"stopping":      model.StateSuspending,
	"stopped":       model.StateSuspended,
	"shutting-down": model.StateError,
	"terminated":    model.StateError,
}

// MapProviderState folds a raw provider string onto the local enum.
func MapProviderState(raw string) model.DesktopState {
	if mapped, ok := stateMapping[raw]; ok {
		return mapped
	}
	return model.StateUnknown
}

type Store interface {
	ListActiveDesktops(ctx context.Context) ([]*model.Desktop, error)
	GetDesktop(ctx context.Context, id string) (*model.Desktop, error)
	TransitionDesktopState(ctx context.Context, id string, from, to model.DesktopState, checkedAt time.Time) (bool, error)
	TouchStateCheck(ctx context.Context, id string, checkedAt time.Time) error
	UpdateDesktopIP(ctx context.Context, id, ip string) error
}

type StateReader interface {
	GetState(ctx context.Context, providerID string) (provider.VMState, error)
}

type Config struct {
	// CheckTimeout bounds one provider state call so a slow provider
	// cannot block a refresh (or a connect attempt) indefinitely.
	CheckTimeout time.Duration
	// ProvisioningTimeout is how long a desktop may sit in provisioning
	// before it is declared failed.
	ProvisioningTimeout time.Duration
	// PollInterval paces the WaitUntilOn loop.
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.CheckTimeout <= 0 {
		c.CheckTimeout = 10 * time.Second
	}
	if c.ProvisioningTimeout <= 0 {
		c.ProvisioningTimeout = 10 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	return c
}

type Reconciler struct {
	store    Store
	provider StateReader
	cfg      Config
	now      func() time.Time
}

func New(st Store, p StateReader, cfg Config) *Reconciler {
	return &Reconciler{store: st, provider: p, cfg: cfg.withDefaults(), now: time.Now}
}

// WithClock overrides the time source, for tests.
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// RefreshOne pulls the provider-reported state for one desktop and folds
// it into the local record. On provider failure the stored state and
// last_state_check are left untouched and the error is returned for the
// caller to log; it is never fatal to a batch.
func (r *Reconciler) RefreshOne(ctx context.Context, d *model.Desktop) error {
	checkCtx, cancel := context.WithTimeout(ctx, r.cfg.CheckTimeout)
	defer cancel()

	vm, err := r.provider.GetState(checkCtx, d.ProviderVMID)
	if err != nil {
		metrics.Default().IncCounter("vdi_reconcile_refreshes_total", map[string]string{"result": "provider_error"})
		if d.CurrentState == model.StateProvisioning {
			return r.checkProvisioningDeadline(ctx, d, err)
		}
		return fmt.Errorf("refresh desktop %s: %w", d.ID, err)
	}

	// The provider is the source of truth for the guest's private address;
	// record it as soon as it is reported so connects can build an endpoint.
	if vm.PrivateIP != "" && (d.PrivateIP == nil || *d.PrivateIP != vm.PrivateIP) {
		if err := r.store.UpdateDesktopIP(ctx, d.ID, vm.PrivateIP); err != nil {
			return fmt.Errorf("record desktop %s address: %w", d.ID, err)
		}
		ip := vm.PrivateIP
		d.PrivateIP = &ip
		log.Printf("event=desktop_ip_recorded desktop_id=%s ip=%s", d.ID, ip)
	}

	now := r.now().UTC()
	mapped := MapProviderState(vm.State)

	// A successful check that resolves to unknown (unrecognized provider
	// string) keeps the last known state; unknown never overwrites.
	if mapped == model.StateUnknown && d.CurrentState != model.StateUnknown {
		log.Printf("event=state_unrecognized desktop_id=%s provider_state=%q kept=%s", d.ID, vm.State, d.CurrentState)
		metrics.Default().IncCounter("vdi_reconcile_refreshes_total", map[string]string{"result": "unrecognized"})
		return r.store.TouchStateCheck(ctx, d.ID, now)
	}

	if mapped == d.CurrentState {
		metrics.Default().IncCounter("vdi_reconcile_refreshes_total", map[string]string{"result": "unchanged"})
		if err := r.store.TouchStateCheck(ctx, d.ID, now); err != nil {
			return err
		}
		if d.CurrentState == model.StateProvisioning {
			return r.checkProvisioningDeadline(ctx, d, nil)
		}
		return nil
	}

	if !model.CanTransition(d.CurrentState, mapped) {
		// Observed state disagrees along an undefined edge; keep the
		// record and let a later refresh walk a defined path.
		log.Printf("event=state_transition_skipped desktop_id=%s from=%s to=%s provider_state=%q", d.ID, d.CurrentState, mapped, vm.State)
		metrics.Default().IncCounter("vdi_reconcile_refreshes_total", map[string]string{"result": "skipped"})
		return r.store.TouchStateCheck(ctx, d.ID, now)
	}

	ok, err := r.store.TransitionDesktopState(ctx, d.ID, d.CurrentState, mapped, now)
	if err != nil {
		return err
	}
	if !ok {
		// Another writer moved the row first; their write wins.
		metrics.Default().IncCounter("vdi_reconcile_refreshes_total", map[string]string{"result": "cas_lost"})
		return nil
	}
	log.Printf("event=state_transition desktop_id=%s from=%s to=%s", d.ID, d.CurrentState, mapped)
	metrics.Default().IncCounter("vdi_state_transitions_total", map[string]string{"from": string(d.CurrentState), "to": string(mapped)})
	metrics.Default().IncCounter("vdi_reconcile_refreshes_total", map[string]string{"result": "transitioned"})
	d.CurrentState = mapped
	d.LastStateCheck = &now
	return nil
}

// checkProvisioningDeadline moves a desktop stuck in provisioning past the
// configured bound into error. The triggering provider error (if any) is
// surfaced when the deadline has not yet passed.
func (r *Reconciler) checkProvisioningDeadline(ctx context.Context, d *model.Desktop, cause error) error {
	if r.now().Sub(d.CreatedAt) <= r.cfg.ProvisioningTimeout {
		if cause != nil {
			return fmt.Errorf("refresh desktop %s: %w", d.ID, cause)
		}
		return nil
	}
	now := r.now().UTC()
	ok, err := r.store.TransitionDesktopState(ctx, d.ID, model.StateProvisioning, model.StateError, now)
	if err != nil {
		return err
	}
	if ok {
		log.Printf("event=provisioning_timeout desktop_id=%s age=%s", d.ID, r.now().Sub(d.CreatedAt))
		metrics.Default().IncCounter("vdi_state_transitions_total", map[string]string{"from": string(model.StateProvisioning), "to": string(model.StateError)})
		d.CurrentState = model.StateError
	}
	return nil
}

// RefreshAll refreshes every active desktop. Each refresh is independent:
// a failure is logged and the loop continues.
func (r *Reconciler) RefreshAll(ctx context.Context) error {
	desktops, err := r.store.ListActiveDesktops(ctx)
	if err != nil {
		return fmt.Errorf("list desktops: %w", err)
	}
	for _, d := range desktops {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := r.RefreshOne(ctx, d); err != nil {
			log.Printf("event=refresh_failed desktop_id=%s err=%q", d.ID, err.Error())
		}
	}
	return nil
}

// WaitUntilOn polls the desktop until it reports on, bounded by timeout.
// Used synchronously during connect after a power-on was issued. The poll
// also ends early, without error, when the desktop settles at rest short
// of on (suspended, off, or error): those states never progress on their
// own, and the caller decides whether another power command is warranted.
// The desktop's last observed state is preserved on timeout.
func (r *Reconciler) WaitUntilOn(ctx context.Context, desktopID string, timeout time.Duration) (*model.Desktop, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		d, err := r.store.GetDesktop(waitCtx, desktopID)
		if err != nil {
			return nil, err
		}
		if refreshErr := r.RefreshOne(waitCtx, d); refreshErr != nil {
			log.Printf("event=wait_refresh_failed desktop_id=%s err=%q", desktopID, refreshErr.Error())
		}
		switch d.CurrentState {
		case model.StateOn, model.StateSuspended, model.StateOff, model.StateError:
			return d, nil
		}
		select {
		case <-waitCtx.Done():
			return d, fmt.Errorf("%w: desktop %s last observed %s", ErrWaitTimeout, desktopID, d.CurrentState)
		case <-ticker.C:
		}
	}
}
