package transport

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
)

// FakeIssuer hands out grants without a gateway, for `fake` mode and tests.
type FakeIssuer struct {
	mu       sync.Mutex
	revoked  map[string]bool
	nextPort int
}

func NewFakeIssuer() *FakeIssuer {
	return &FakeIssuer{revoked: make(map[string]bool), nextPort: 14000}
}

func (f *FakeIssuer) IssueGrant(_ context.Context, desktopAddr string, meta SessionMeta) (Grant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextPort++
	token, err := randomToken()
	if err != nil {
		return Grant{}, err
	}
	id := "grt_" + token[:10]
	return Grant{
		ID:    id,
		Token: token,
		URL:   fmt.Sprintf("https://gateway.local/tunnel/%s?target=%s&conn=%s", id, desktopAddr, meta.ConnectionType),
		Port:  f.nextPort,
	}, nil
}

func (f *FakeIssuer) RevokeGrant(_ context.Context, grantID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked[grantID] = true
	return nil
}

// Revoked reports whether a grant id was revoked, for tests.
func (f *FakeIssuer) Revoked(grantID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revoked[grantID]
}

func randomToken() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
