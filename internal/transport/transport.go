// Package transport is the boundary to the remote-desktop gateway. The
// gateway owns the data plane: it accepts a grant request for a reachable
// desktop address and returns a token the client presents to open the
// tunnel. Nothing here speaks RDP.
package transport

import (
	"context"
	"errors"
	"time"
)

// ErrFailure wraps any grant issuance or revocation failure.
var ErrFailure = errors.New("transport grant failure")

// SessionMeta scopes a grant to one desktop+user+connection pairing.
type SessionMeta struct {
	DesktopID      string
	UserID         string
	ConnectionType string
	ClientIP       string
	TTL            time.Duration
}

// Grant is what the client needs to open its tunnel: a token plus either a
// URL (browser) or a host:port pairing (native client).
type Grant struct {
	ID    string
	Token string
	URL   string
	Port  int
}

type Issuer interface {
	IssueGrant(ctx context.Context, desktopAddr string, meta SessionMeta) (Grant, error)
	RevokeGrant(ctx context.Context, grantID string) error
}
