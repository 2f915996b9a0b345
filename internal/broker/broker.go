// Package broker mediates between users and their desktops: it owns the
// connect/disconnect flows, enforcing ownership and the MFA gate, powering
// the VM when needed, and pairing a transport grant with a session record.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/kamvdi/vdi-control-plane/internal/metrics"
	"github.com/kamvdi/vdi-control-plane/internal/model"
	"github.com/kamvdi/vdi-control-plane/internal/provider"
	"github.com/kamvdi/vdi-control-plane/internal/reconcile"
	"github.com/kamvdi/vdi-control-plane/internal/store"
	"github.com/kamvdi/vdi-control-plane/internal/transport"
)

var (
	// ErrForbidden means the caller does not own the desktop or session.
	// The HTTP layer folds it into not-found so existence is not leaked.
	ErrForbidden = errors.New("caller does not own this resource")
	// ErrMFARequired means the connect needs a second factor and none was
	// supplied. No side effects have happened when it is returned.
	ErrMFARequired = errors.New("second factor required")
	// ErrMFAInvalid means the supplied second-factor proof was wrong.
	ErrMFAInvalid = errors.New("second factor invalid")
	// ErrStartTimeout means the desktop did not reach the on state within
	// the configured bound after a power command was issued.
	ErrStartTimeout = errors.New("desktop did not power on in time")
	// ErrDesktopError means the desktop sits in the error state and will
	// not accept connects until an admin re-syncs or replaces it.
	ErrDesktopError = errors.New("desktop is in error state")
)

// rdpPort is where the Windows guest listens; grants always target it.
const rdpPort = "3389"

type Store interface {
	GetDesktop(ctx context.Context, id string) (*model.Desktop, error)
	TransitionDesktopState(ctx context.Context, id string, from, to model.DesktopState, checkedAt time.Time) (bool, error)
	CreateSessionIfAbsent(ctx context.Context, in store.CreateSessionInput) (*model.Session, bool, error)
	GetSession(ctx context.Context, id string) (*model.Session, error)
	GetOpenSessionByKey(ctx context.Context, desktopID, userID string, connType model.ConnectionType) (*model.Session, error)
	CloseSession(ctx context.Context, id, reason string, endedAt time.Time) (*model.Session, error)
	ListOpenSessionsForDesktop(ctx context.Context, desktopID string) ([]*model.Session, error)
	ListOpenSessionsForUserDesktop(ctx context.Context, desktopID, userID string) ([]*model.Session, error)
	GetTenantPolicy(ctx context.Context, tenantID string) (model.TenantPolicy, error)
}

// PowerClient is the slice of the provider the broker needs.
type PowerClient interface {
	Power(ctx context.Context, providerID string, action provider.PowerAction) error
}

// Waiter refreshes and waits on desktop state; *reconcile.Reconciler
// satisfies it.
type Waiter interface {
	RefreshOne(ctx context.Context, d *model.Desktop) error
	WaitUntilOn(ctx context.Context, desktopID string, timeout time.Duration) (*model.Desktop, error)
}

// MFAVerifier gates connects behind a second factor when the tenant
// policy demands one.
type MFAVerifier interface {
	Required(ctx context.Context, userID string) (bool, error)
	Verify(ctx context.Context, userID, proof string) (bool, error)
}

type Config struct {
	// StartTimeout bounds the synchronous wait for a desktop to power on
	// during connect.
	StartTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.StartTimeout <= 0 {
		c.StartTimeout = 2 * time.Minute
	}
	return c
}

type Broker struct {
	store  Store
	power  PowerClient
	waiter Waiter
	issuer transport.Issuer
	mfa    MFAVerifier
	cfg    Config
	now    func() time.Time
}

func New(st Store, power PowerClient, waiter Waiter, issuer transport.Issuer, mfa MFAVerifier, cfg Config) *Broker {
	return &Broker{
		store:  st,
		power:  power,
		waiter: waiter,
		issuer: issuer,
		mfa:    mfa,
		cfg:    cfg.withDefaults(),
		now:    time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (b *Broker) WithClock(now func() time.Time) *Broker {
	b.now = now
	return b
}

type ConnectInput struct {
	DesktopID      string
	UserID         string
	IsAdmin        bool
	ConnectionType model.ConnectionType
	ClientIP       string
	MFAProof       string
}

type ConnectResult struct {
	Session *model.Session
	Desktop *model.Desktop
	// Reused is true when an open session for the same (desktop, user,
	// connection type) key already existed and was returned instead of a
	// new one.
	Reused bool
}

// Connect brings the caller's desktop to the on state and returns an open
// session carrying a transport grant. The order of checks matters: cheap
// validations (existence, ownership, the MFA gate) run before any side
// effect, so a rejected connect leaves nothing behind.
func (b *Broker) Connect(ctx context.Context, in ConnectInput) (*ConnectResult, error) {
	start := time.Now()
	res, err := b.connect(ctx, in)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.Default().ObserveHistogram("vdi_connect_latency_ms",
		float64(time.Since(start).Milliseconds()), map[string]string{"status": status})
	return res, err
}

func (b *Broker) connect(ctx context.Context, in ConnectInput) (*ConnectResult, error) {
	d, err := b.store.GetDesktop(ctx, in.DesktopID)
	if err != nil {
		return nil, err
	}
	if !d.IsActive {
		return nil, store.ErrNotFound
	}
	if !in.IsAdmin && (d.UserID == nil || *d.UserID != in.UserID) {
		return nil, ErrForbidden
	}

	required, err := b.mfa.Required(ctx, in.UserID)
	if err != nil {
		return nil, fmt.Errorf("mfa policy check: %w", err)
	}
	if required {
		if in.MFAProof == "" {
			return nil, ErrMFARequired
		}
		ok, err := b.mfa.Verify(ctx, in.UserID, in.MFAProof)
		if err != nil {
			return nil, fmt.Errorf("mfa verify: %w", err)
		}
		if !ok {
			metrics.Default().IncCounter("vdi_connects_total", map[string]string{"result": "mfa_invalid"})
			return nil, ErrMFAInvalid
		}
	}

	// An open session for the same key is returned as-is; the client gets
	// the same grant it was already holding.
	existing, err := b.store.GetOpenSessionByKey(ctx, in.DesktopID, in.UserID, in.ConnectionType)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if existing != nil && existing.Open() {
		metrics.Default().IncCounter("vdi_connects_total", map[string]string{"result": "reused"})
		return &ConnectResult{Session: existing, Desktop: d, Reused: true}, nil
	}

	d, err = b.ensureOn(ctx, d)
	if err != nil {
		metrics.Default().IncCounter("vdi_connects_total", map[string]string{"result": connectFailureLabel(err)})
		return nil, err
	}

	addr, err := desktopAddr(d)
	if err != nil {
		return nil, err
	}

	policy, err := b.store.GetTenantPolicy(ctx, d.TenantID)
	if err != nil {
		return nil, fmt.Errorf("tenant policy: %w", err)
	}

	grant, err := b.issuer.IssueGrant(ctx, addr, transport.SessionMeta{
		DesktopID:      d.ID,
		UserID:         in.UserID,
		ConnectionType: string(in.ConnectionType),
		ClientIP:       in.ClientIP,
		TTL:            policy.MaxSessionDuration(),
	})
	if err != nil {
		metrics.Default().IncCounter("vdi_connects_total", map[string]string{"result": "grant_failed"})
		return nil, err
	}

	sessIn := store.CreateSessionInput{
		DesktopID:      d.ID,
		UserID:         in.UserID,
		ConnectionType: in.ConnectionType,
		StartedAt:      b.now().UTC(),
		GrantID:        &grant.ID,
		GrantToken:     &grant.Token,
	}
	if in.ClientIP != "" {
		sessIn.ClientIP = &in.ClientIP
	}
	if grant.URL != "" {
		sessIn.GrantURL = &grant.URL
	}
	if grant.Port != 0 {
		sessIn.LocalPort = &grant.Port
	}

	sess, created, err := b.store.CreateSessionIfAbsent(ctx, sessIn)
	if err != nil {
		b.revokeQuietly(ctx, grant.ID, d.ID)
		return nil, err
	}
	if !created {
		// A concurrent connect for the same key won the insert. Keep the
		// winner's grant and give ours back to the gateway.
		b.revokeQuietly(ctx, grant.ID, d.ID)
		metrics.Default().IncCounter("vdi_connects_total", map[string]string{"result": "reused"})
		return &ConnectResult{Session: sess, Desktop: d, Reused: true}, nil
	}

	log.Printf("event=session_started session_id=%s desktop_id=%s user_id=%s type=%s", sess.ID, d.ID, in.UserID, in.ConnectionType)
	metrics.Default().IncCounter("vdi_connects_total", map[string]string{"result": "created"})
	return &ConnectResult{Session: sess, Desktop: d, Reused: false}, nil
}

// maxPowerAttempts bounds how many power commands one connect may issue.
// A desktop that keeps settling back into suspended or off (a sweep racing
// the connect, or a guest that refuses to stay up) gives up with a start
// timeout instead of commanding the provider forever.
const maxPowerAttempts = 3

// ensureOn issues the power command the current state calls for and waits
// until the desktop reports on. An already-on desktop returns immediately.
// The wait can end with the desktop at rest short of on when a concurrent
// sweep suspended it mid-start; the loop then reissues the power command
// rather than waiting out the deadline.
func (b *Broker) ensureOn(ctx context.Context, d *model.Desktop) (*model.Desktop, error) {
	// Fold in the provider's view first so a stale local record does not
	// trigger a redundant (and possibly rejected) power command.
	if err := b.waiter.RefreshOne(ctx, d); err != nil {
		log.Printf("event=connect_refresh_failed desktop_id=%s err=%q", d.ID, err.Error())
	}

	deadline := b.now().Add(b.cfg.StartTimeout)
	powered := 0
	for {
		switch d.CurrentState {
		case model.StateOn:
			return d, nil
		case model.StateError:
			return nil, ErrDesktopError
		case model.StateSuspended, model.StateOff:
			if powered == maxPowerAttempts {
				return nil, fmt.Errorf("%w: desktop %s keeps settling %s", ErrStartTimeout, d.ID, d.CurrentState)
			}
			from := d.CurrentState
			action := provider.PowerOn
			if from == model.StateSuspended {
				action = provider.PowerResume
			}
			if err := b.power.Power(ctx, d.ProviderVMID, action); err != nil {
				return nil, err
			}
			b.markStarting(ctx, d, from)
			powered++
		default:
			// provisioning, starting, suspending, unknown: the VM is already
			// in motion (or its state is unclear); wait for it to settle.
		}

		remaining := deadline.Sub(b.now())
		if remaining <= 0 {
			return nil, fmt.Errorf("%w: desktop %s last observed %s", ErrStartTimeout, d.ID, d.CurrentState)
		}
		out, err := b.waiter.WaitUntilOn(ctx, d.ID, remaining)
		if err != nil {
			if errors.Is(err, reconcile.ErrWaitTimeout) {
				return nil, fmt.Errorf("%w: %v", ErrStartTimeout, err)
			}
			return nil, err
		}
		d = out
	}
}

// markStarting records that a power-on command went out. A CAS miss means
// the reconciler or another connect already moved the row; their write is
// just as good.
func (b *Broker) markStarting(ctx context.Context, d *model.Desktop, from model.DesktopState) {
	ok, err := b.store.TransitionDesktopState(ctx, d.ID, from, model.StateStarting, b.now().UTC())
	if err != nil {
		log.Printf("event=mark_starting_failed desktop_id=%s err=%q", d.ID, err.Error())
		return
	}
	if ok {
		metrics.Default().IncCounter("vdi_state_transitions_total", map[string]string{"from": string(from), "to": string(model.StateStarting)})
		d.CurrentState = model.StateStarting
	}
}

// Disconnect closes the caller's session. Disconnect is idempotent end to
// end: an already-closed session returns the record with its original end
// reason, and an unknown session id closes nothing and succeeds.
func (b *Broker) Disconnect(ctx context.Context, sessionID, userID string, isAdmin bool) (*model.Session, error) {
	sess, err := b.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if !isAdmin && sess.UserID != userID {
		return nil, ErrForbidden
	}
	if !sess.Open() {
		return sess, nil
	}
	return b.endSession(ctx, sess, model.EndReasonUserDisconnect)
}

// EndSession force-closes a session with the given reason. Used by the
// idle sweeper and admin termination; no ownership check is applied.
func (b *Broker) EndSession(ctx context.Context, sessionID, reason string) (*model.Session, error) {
	sess, err := b.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.Open() {
		return sess, nil
	}
	return b.endSession(ctx, sess, reason)
}

// DisconnectUser closes the caller's open sessions on one desktop with
// reason user_disconnect. A desktop with nothing open (or one that does
// not exist) closes zero sessions and succeeds; disconnect is idempotent.
func (b *Broker) DisconnectUser(ctx context.Context, desktopID, userID string) (int, error) {
	sessions, err := b.store.ListOpenSessionsForUserDesktop(ctx, desktopID, userID)
	if err != nil {
		return 0, err
	}
	closed := 0
	for _, sess := range sessions {
		if _, err := b.endSession(ctx, sess, model.EndReasonUserDisconnect); err != nil {
			log.Printf("event=disconnect_failed session_id=%s err=%q", sess.ID, err.Error())
			continue
		}
		closed++
	}
	return closed, nil
}

// DisconnectDesktop closes every open session on a desktop, revoking each
// grant. Failures are per-session: one bad close does not stop the rest.
func (b *Broker) DisconnectDesktop(ctx context.Context, desktopID, reason string) (int, error) {
	sessions, err := b.store.ListOpenSessionsForDesktop(ctx, desktopID)
	if err != nil {
		return 0, err
	}
	closed := 0
	for _, sess := range sessions {
		if _, err := b.endSession(ctx, sess, reason); err != nil {
			log.Printf("event=force_disconnect_failed session_id=%s err=%q", sess.ID, err.Error())
			continue
		}
		closed++
	}
	return closed, nil
}

func (b *Broker) endSession(ctx context.Context, sess *model.Session, reason string) (*model.Session, error) {
	out, err := b.store.CloseSession(ctx, sess.ID, reason, b.now().UTC())
	if err != nil {
		return nil, err
	}
	if sess.GrantID != nil {
		b.revokeQuietly(ctx, *sess.GrantID, sess.DesktopID)
	}
	log.Printf("event=session_ended session_id=%s desktop_id=%s reason=%s", sess.ID, sess.DesktopID, reason)
	metrics.Default().IncCounter("vdi_disconnects_total", map[string]string{"reason": reason})
	return out, nil
}

// revokeQuietly revokes a grant and only logs on failure: the gateway
// expires grants on its own, so a missed revoke is an annoyance, not a
// correctness problem.
func (b *Broker) revokeQuietly(ctx context.Context, grantID, desktopID string) {
	if grantID == "" {
		return
	}
	if err := b.issuer.RevokeGrant(ctx, grantID); err != nil {
		log.Printf("event=grant_revoke_failed grant_id=%s desktop_id=%s err=%q", grantID, desktopID, err.Error())
	}
}

func desktopAddr(d *model.Desktop) (string, error) {
	if d.PrivateIP == nil || *d.PrivateIP == "" {
		return "", fmt.Errorf("desktop %s has no private address yet", d.ID)
	}
	return net.JoinHostPort(*d.PrivateIP, rdpPort), nil
}

func connectFailureLabel(err error) string {
	switch {
	case errors.Is(err, ErrStartTimeout):
		return "start_timeout"
	case errors.Is(err, ErrDesktopError):
		return "desktop_error"
	case errors.Is(err, provider.ErrUnavailable):
		return "provider_unavailable"
	case errors.Is(err, provider.ErrRejected):
		return "provider_rejected"
	default:
		return "error"
	}
}
