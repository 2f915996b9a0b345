package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// FakeClient is an in-memory provider used in `fake` mode and in tests.
// State strings follow the EC2 vocabulary so the reconciler mapping table
// can be exercised against it.
type FakeClient struct {
	mu     sync.Mutex
	states map[string]string
	ips    map[string]string
	nextIP int
}

func NewFakeClient() *FakeClient {
	return &FakeClient{states: make(map[string]string), ips: make(map[string]string)}
}

func (f *FakeClient) CreateVM(_ context.Context, _ VMSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := "i-fake-" + uuid.NewString()[:8]
	f.states[id] = "pending"
	f.assignIPLocked(id)
	return id, nil
}

func (f *FakeClient) DeleteVM(_ context.Context, providerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.states, providerID)
	delete(f.ips, providerID)
	return nil
}

func (f *FakeClient) Power(_ context.Context, providerID string, action PowerAction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.states[providerID]; !ok {
		return fmt.Errorf("%w: unknown instance %s", ErrRejected, providerID)
	}
	switch action {
	case PowerOn, PowerResume, PowerRestart:
		f.states[providerID] = "running"
	case PowerOff, PowerSuspend:
		f.states[providerID] = "stopped"
	default:
		return fmt.Errorf("%w: unsupported power action %q", ErrRejected, action)
	}
	return nil
}

func (f *FakeClient) GetState(_ context.Context, providerID string) (VMState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.states[providerID]
	if !ok {
		return VMState{}, fmt.Errorf("%w: unknown instance %s", ErrRejected, providerID)
	}
	// Pending instances become running on the next observation.
	if state == "pending" {
		f.states[providerID] = "running"
	}
	return VMState{State: state, PrivateIP: f.ips[providerID]}, nil
}

// SetState seeds a raw provider state, for tests and local development.
// Instances seeded this way get a private address too, so connect flows
// against the fake resolve an endpoint.
func (f *FakeClient) SetState(providerID, state string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[providerID] = state
	if _, ok := f.ips[providerID]; !ok {
		f.assignIPLocked(providerID)
	}
}

func (f *FakeClient) assignIPLocked(providerID string) {
	f.nextIP++
	f.ips[providerID] = fmt.Sprintf("10.0.0.%d", f.nextIP)
}

func (f *FakeClient) ListImages(context.Context) ([]Item, error) {
	return []Item{
		{ID: "ami-fake-win2022", Description: "Windows Server 2022 Datacenter"},
		{ID: "ami-fake-win11", Description: "Windows 11 Enterprise multi-session"},
	}, nil
}

func (f *FakeClient) ListNetworks(context.Context) ([]Item, error) {
	return []Item{
		{ID: "subnet-fake-a", Description: "10.0.1.0/24"},
		{ID: "subnet-fake-b", Description: "10.0.2.0/24"},
	}, nil
}
