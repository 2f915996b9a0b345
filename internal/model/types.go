package model

import "time"

// DesktopState is the lifecycle state of a managed desktop VM as tracked
// locally. It follows provider-reported power state via reconciliation and
// explicit power commands; raw provider strings never land here directly.
type DesktopState string

const (
	StateUnknown      DesktopState = "unknown"
	StateProvisioning DesktopState = "provisioning"
	StateStarting     DesktopState = "starting"
	StateOn           DesktopState = "on"
	StateSuspending   DesktopState = "suspending"
	StateSuspended    DesktopState = "suspended"
	StateOff          DesktopState = "off"
	StateError        DesktopState = "error"
)

// legalTransitions is the single authoritative edge set of the desktop
// state machine. StateUnknown may move to any state (the first successful
// state check), and StateError is terminal until an admin re-syncs.
var legalTransitions = map[DesktopState][]DesktopState{
	StateProvisioning: {StateOn, StateError},
	StateOn:           {StateSuspending, StateOff, StateError},
	StateSuspending:   {StateSuspended, StateError},
	StateSuspended:    {StateStarting, StateError},
	StateStarting:     {StateOn, StateError},
	StateOff:          {StateStarting},
	StateError:        {},
}

// CanTransition reports whether from→to is a defined edge. A self
// transition is always allowed (a no-op write).
func CanTransition(from, to DesktopState) bool {
	if from == to {
		return true
	}
	if from == StateUnknown {
		return to != StateUnknown
	}
	if to == StateUnknown {
		return false
	}
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type ConnectionType string

const (
	ConnectionBrowser ConnectionType = "browser"
	ConnectionNative  ConnectionType = "native"
)

func ValidConnectionType(v string) bool {
	return v == string(ConnectionBrowser) || v == string(ConnectionNative)
}

// End reasons recorded when a session is closed. Closing is idempotent;
// the first writer's reason wins.
const (
	EndReasonUserDisconnect = "user_disconnect"
	EndReasonIdleTimeout    = "idle_timeout"
	EndReasonMaxDuration    = "max_duration"
	EndReasonAdminTerminate = "admin_terminate"
	EndReasonError          = "error"
)

type Desktop struct {
	ID             string
	TenantID       string
	UserID         *string
	ProviderVMID   string
	DisplayName    string
	VMCpu          int
	VMRamMB        int
	VMDiskGB       int
	NetworkName    string
	PrivateIP      *string
	CurrentState   DesktopState
	LastStateCheck *time.Time
	IsActive       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Session struct {
	ID             string
	DesktopID      string
	UserID         string
	ConnectionType ConnectionType
	StartedAt      time.Time
	LastHeartbeat  *time.Time
	ClientIP       *string
	LocalPort      *int
	GrantID        *string
	GrantToken     *string
	GrantURL       *string
	EndedAt        *time.Time
	EndReason      *string
}

// Open reports whether the session has not been closed yet.
func (s *Session) Open() bool {
	return s.EndedAt == nil
}

// IdleSince returns the instant session activity was last observed:
// the latest heartbeat, or the session start when no ping has arrived.
func (s *Session) IdleSince() time.Time {
	if s.LastHeartbeat != nil {
		return *s.LastHeartbeat
	}
	return s.StartedAt
}

type TenantPolicy struct {
	TenantID                string
	SuspendThresholdMinutes int
	MaxSessionHours         int
	UpdatedAt               time.Time
}

const (
	DefaultSuspendThresholdMinutes = 30
	DefaultMaxSessionHours         = 8
)

// DefaultTenantPolicy is returned for tenants that never saved a policy.
func DefaultTenantPolicy(tenantID string) TenantPolicy {
	return TenantPolicy{
		TenantID:                tenantID,
		SuspendThresholdMinutes: DefaultSuspendThresholdMinutes,
		MaxSessionHours:         DefaultMaxSessionHours,
	}
}

func (p TenantPolicy) SuspendThreshold() time.Duration {
	return time.Duration(p.SuspendThresholdMinutes) * time.Minute
}

func (p TenantPolicy) MaxSessionDuration() time.Duration {
	return time.Duration(p.MaxSessionHours) * time.Hour
}
