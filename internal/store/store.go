package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/kamvdi/vdi-control-plane/internal/model"
)

var ErrNotFound = errors.New("not found")

// DB is satisfied by *pgxpool.Pool and by pgxmock in tests.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

type Store struct {
	db DB
}

func New(db DB) *Store {
	return &Store{db: db}
}

const desktopColumns = `id, tenant_id, user_id, provider_vm_id, display_name, vm_cpu, vm_ram_mb, vm_disk_gb, network_name, vm_private_ip, current_state, last_state_check, is_active, created_at, updated_at`

func scanDesktop(row pgx.Row) (*model.Desktop, error) {
	var d model.Desktop
	if err := row.Scan(
		&d.ID, &d.TenantID, &d.UserID, &d.ProviderVMID, &d.DisplayName,
		&d.VMCpu, &d.VMRamMB, &d.VMDiskGB, &d.NetworkName, &d.PrivateIP,
		&d.CurrentState, &d.LastStateCheck, &d.IsActive, &d.CreatedAt, &d.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

func (s *Store) GetDesktop(ctx context.Context, id string) (*model.Desktop, error) {
	const q = `select ` + desktopColumns + ` from desktops where id = $1`
	return scanDesktop(s.db.QueryRow(ctx, q, id))
}

func (s *Store) ListDesktopsForUser(ctx context.Context, userID string) ([]*model.Desktop, error) {
	const q = `select ` + desktopColumns + ` from desktops where user_id = $1 and is_active order by created_at asc`
	return s.queryDesktops(ctx, q, userID)
}

func (s *Store) ListActiveDesktops(ctx context.Context) ([]*model.Desktop, error) {
	const q = `select ` + desktopColumns + ` from desktops where is_active order by created_at asc`
	return s.queryDesktops(ctx, q)
}

func (s *Store) ListDesktopsForTenant(ctx context.Context, tenantID string) ([]*model.Desktop, error) {
	const q = `select ` + desktopColumns + ` from desktops where tenant_id = $1 order by created_at asc`
	return s.queryDesktops(ctx, q, tenantID)
}

func (s *Store) queryDesktops(ctx context.Context, q string, args ...any) ([]*model.Desktop, error) {
	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*model.Desktop, 0)
	for rows.Next() {
		d, err := scanDesktop(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

type CreateDesktopInput struct {
	TenantID     string
	UserID       *string
	ProviderVMID string
	DisplayName  string
	VMCpu        int
	VMRamMB      int
	VMDiskGB     int
	NetworkName  string
	PrivateIP    *string
	InitialState model.DesktopState
}

func (s *Store) CreateDesktop(ctx context.Context, in CreateDesktopInput) (*model.Desktop, error) {
	id := "dsk_" + uuid.NewString()
	const q = `
insert into desktops
  (id, tenant_id, user_id, provider_vm_id, display_name, vm_cpu, vm_ram_mb, vm_disk_gb, network_name, vm_private_ip, current_state, is_active, created_at, updated_at)
values
  ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, true, now(), now())
returning ` + desktopColumns
	return scanDesktop(s.db.QueryRow(ctx, q,
		id, in.TenantID, in.UserID, in.ProviderVMID, in.DisplayName,
		in.VMCpu, in.VMRamMB, in.VMDiskGB, in.NetworkName, in.PrivateIP, in.InitialState,
	))
}

// TransitionDesktopState performs a compare-and-set state change: the row
// is updated only if it is still in the expected state. Concurrent sweeps
// and request handlers race on this row; the CAS, not an in-process lock,
// is the consistency boundary. Returns false when another writer won.
func (s *Store) TransitionDesktopState(ctx context.Context, id string, from, to model.DesktopState, checkedAt time.Time) (bool, error) {
	const q = `
update desktops
set current_state = $3, last_state_check = $4, updated_at = now()
where id = $1 and current_state = $2`
	tag, err := s.db.Exec(ctx, q, id, from, to, checkedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// TouchStateCheck records a successful state check that observed no change.
func (s *Store) TouchStateCheck(ctx context.Context, id string, checkedAt time.Time) error {
	const q = `update desktops set last_state_check = $2, updated_at = now() where id = $1`
	_, err := s.db.Exec(ctx, q, id, checkedAt)
	return err
}

// UpdateDesktopIP records the instance's private address once the provider
// reports it. Addresses are stable for the life of the VM, so this fires
// once per desktop in practice.
func (s *Store) UpdateDesktopIP(ctx context.Context, id, ip string) error {
	const q = `update desktops set vm_private_ip = $2, updated_at = now() where id = $1`
	tag, err := s.db.Exec(ctx, q, id, ip)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ResyncDesktopState force-sets the state outside the transition table.
// Admin-only escape hatch for desktops stuck in error.
func (s *Store) ResyncDesktopState(ctx context.Context, id string, to model.DesktopState, checkedAt time.Time) error {
	const q = `update desktops set current_state = $2, last_state_check = $3, updated_at = now() where id = $1`
	tag, err := s.db.Exec(ctx, q, id, to, checkedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) AssignDesktop(ctx context.Context, id string, userID *string) error {
	const q = `update desktops set user_id = $2, updated_at = now() where id = $1`
	tag, err := s.db.Exec(ctx, q, id, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetDesktopActive flips the soft-delete flag. Desktops are never hard
// deleted while session rows reference them.
func (s *Store) SetDesktopActive(ctx context.Context, id string, active bool) error {
	const q = `update desktops set is_active = $2, updated_at = now() where id = $1`
	tag, err := s.db.Exec(ctx, q, id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const sessionColumns = `id, desktop_id, user_id, connection_type, started_at, last_heartbeat, client_ip, local_port, grant_id, grant_token, grant_url, ended_at, end_reason`

func scanSession(row pgx.Row) (*model.Session, error) {
	var sess model.Session
	if err := row.Scan(
		&sess.ID, &sess.DesktopID, &sess.UserID, &sess.ConnectionType,
		&sess.StartedAt, &sess.LastHeartbeat, &sess.ClientIP, &sess.LocalPort,
		&sess.GrantID, &sess.GrantToken, &sess.GrantURL, &sess.EndedAt, &sess.EndReason,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &sess, nil
}

type CreateSessionInput struct {
	DesktopID      string
	UserID         string
	ConnectionType model.ConnectionType
	StartedAt      time.Time
	ClientIP       *string
	LocalPort      *int
	GrantID        *string
	GrantToken     *string
	GrantURL       *string
}

// CreateSessionIfAbsent inserts an open session unless one already exists
// for the (desktop, user, connection type) key. The partial unique index
// uq_sessions_open makes concurrent inserts race-safe: the loser's insert
// affects zero rows and the winner's row is returned with created=false.
func (s *Store) CreateSessionIfAbsent(ctx context.Context, in CreateSessionInput) (*model.Session, bool, error) {
	id := "ses_" + uuid.NewString()
	const insertQ = `
insert into sessions
  (id, desktop_id, user_id, connection_type, started_at, last_heartbeat, client_ip, local_port, grant_id, grant_token, grant_url, created_at, updated_at)
values
  ($1, $2, $3, $4, $5, null, $6, $7, $8, $9, $10, now(), now())
on conflict (desktop_id, user_id, connection_type) where ended_at is null
do nothing`
	tag, err := s.db.Exec(ctx, insertQ,
		id, in.DesktopID, in.UserID, in.ConnectionType, in.StartedAt,
		in.ClientIP, in.LocalPort, in.GrantID, in.GrantToken, in.GrantURL,
	)
	if err != nil {
		return nil, false, err
	}
	if tag.RowsAffected() > 0 {
		sess, err := s.GetSession(ctx, id)
		if err != nil {
			return nil, false, err
		}
		return sess, true, nil
	}
	existing, err := s.GetOpenSessionByKey(ctx, in.DesktopID, in.UserID, in.ConnectionType)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*model.Session, error) {
	const q = `select ` + sessionColumns + ` from sessions where id = $1`
	return scanSession(s.db.QueryRow(ctx, q, id))
}

func (s *Store) GetOpenSessionByKey(ctx context.Context, desktopID, userID string, connType model.ConnectionType) (*model.Session, error) {
	const q = `select ` + sessionColumns + ` from sessions
where desktop_id = $1 and user_id = $2 and connection_type = $3 and ended_at is null
limit 1`
	return scanSession(s.db.QueryRow(ctx, q, desktopID, userID, connType))
}

// CloseSession marks the session ended. Closing an already-closed session
// is a no-op: the guard `ended_at is null` keeps the first end_reason.
// Only a missing session id is an error.
func (s *Store) CloseSession(ctx context.Context, id, reason string, endedAt time.Time) (*model.Session, error) {
	const q = `
update sessions
set ended_at = $2, end_reason = $3, updated_at = now()
where id = $1 and ended_at is null`
	if _, err := s.db.Exec(ctx, q, id, endedAt, reason); err != nil {
		return nil, err
	}
	return s.GetSession(ctx, id)
}

// Heartbeat bumps last_heartbeat on an open session. A closed or missing
// session returns ErrNotFound and is never resurrected.
func (s *Store) Heartbeat(ctx context.Context, id string, at time.Time) error {
	const q = `
update sessions
set last_heartbeat = $2, updated_at = now()
where id = $1 and ended_at is null`
	tag, err := s.db.Exec(ctx, q, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ListOpenSessions(ctx context.Context) ([]*model.Session, error) {
	const q = `select ` + sessionColumns + ` from sessions where ended_at is null order by started_at asc`
	return s.querySessions(ctx, q)
}

func (s *Store) ListOpenSessionsForDesktop(ctx context.Context, desktopID string) ([]*model.Session, error) {
	const q = `select ` + sessionColumns + ` from sessions where desktop_id = $1 and ended_at is null order by started_at asc`
	return s.querySessions(ctx, q, desktopID)
}

func (s *Store) ListOpenSessionsForUserDesktop(ctx context.Context, desktopID, userID string) ([]*model.Session, error) {
	const q = `select ` + sessionColumns + ` from sessions where desktop_id = $1 and user_id = $2 and ended_at is null order by started_at asc`
	return s.querySessions(ctx, q, desktopID, userID)
}

func (s *Store) querySessions(ctx context.Context, q string, args ...any) ([]*model.Session, error) {
	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*model.Session, 0)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// GetTenantPolicy returns the stored policy or the defaults when the
// tenant never saved one.
func (s *Store) GetTenantPolicy(ctx context.Context, tenantID string) (model.TenantPolicy, error) {
	const q = `select tenant_id, suspend_threshold_minutes, max_session_hours, updated_at from tenant_policies where tenant_id = $1`
	var p model.TenantPolicy
	if err := s.db.QueryRow(ctx, q, tenantID).Scan(
		&p.TenantID, &p.SuspendThresholdMinutes, &p.MaxSessionHours, &p.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.DefaultTenantPolicy(tenantID), nil
		}
		return model.TenantPolicy{}, err
	}
	return p, nil
}

func (s *Store) UpsertTenantPolicy(ctx context.Context, p model.TenantPolicy) error {
	const q = `
insert into tenant_policies (tenant_id, suspend_threshold_minutes, max_session_hours, updated_at)
values ($1, $2, $3, now())
on conflict (tenant_id)
do update set
  suspend_threshold_minutes = excluded.suspend_threshold_minutes,
  max_session_hours = excluded.max_session_hours,
  updated_at = now()`
	_, err := s.db.Exec(ctx, q, p.TenantID, p.SuspendThresholdMinutes, p.MaxSessionHours)
	return err
}
