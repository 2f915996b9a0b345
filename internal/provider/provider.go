package provider

import (
	"context"
	"errors"
)

// Sentinel errors separating "try again later" from "fix the request".
// Client implementations retry transient failures internally; ErrUnavailable
// means those retries were exhausted, ErrRejected means the provider
// refused the request permanently (quota, bad spec, auth).
var (
	ErrUnavailable = errors.New("provider unavailable")
	ErrRejected    = errors.New("provider rejected request")
)

type PowerAction string

const (
	PowerOn      PowerAction = "on"
	PowerOff     PowerAction = "off"
	PowerSuspend PowerAction = "suspend"
	PowerResume  PowerAction = "resume"
	PowerRestart PowerAction = "restart"
)

func ValidPowerAction(v string) bool {
	switch PowerAction(v) {
	case PowerOn, PowerOff, PowerSuspend, PowerResume, PowerRestart:
		return true
	}
	return false
}

// VMSpec describes the VM to create. Image and network are provider ids
// from ListImages/ListNetworks.
type VMSpec struct {
	Name      string
	ImageID   string
	NetworkID string
	CPUCores  int
	RamMB     int
	DiskGB    int
	TenantID  string
	DesktopID string
}

// Item is a generic provider catalog entry (image, network).
type Item struct {
	ID          string
	Description string
}

// VMState is the provider's view of one instance: the raw lifecycle
// string and the private address the guest listens on. PrivateIP may be
// empty while the provider has not assigned one yet.
type VMState struct {
	State     string
	PrivateIP string
}

// Client is the uniform contract against the cloud VM API. All calls are
// network I/O: implementations apply bounded timeouts and retry transient
// failures before surfacing ErrUnavailable.
//
// GetState returns the provider's raw state string; mapping onto the local
// desktop state machine belongs to the reconciler.
type Client interface {
	CreateVM(ctx context.Context, spec VMSpec) (string, error)
	DeleteVM(ctx context.Context, providerID string) error
	Power(ctx context.Context, providerID string, action PowerAction) error
	GetState(ctx context.Context, providerID string) (VMState, error)
	ListImages(ctx context.Context) ([]Item, error)
	ListNetworks(ctx context.Context) ([]Item, error)
}
