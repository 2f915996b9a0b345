package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/kamvdi/vdi-control-plane/internal/metrics"
)

// GatewayClient issues tunnel grants against the gateway controller's
// HTTP API, authenticated with a shared key.
type GatewayClient struct {
	baseURL   string
	sharedKey string
	http      *http.Client
}

type GatewayOptions struct {
	BaseURL     string
	SharedKey   string
	CallTimeout time.Duration
}

func NewGatewayClient(opts GatewayOptions) (*GatewayClient, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("gateway base url is required")
	}
	timeout := opts.CallTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &GatewayClient{
		baseURL:   base,
		sharedKey: opts.SharedKey,
		http:      &http.Client{Timeout: timeout},
	}, nil
}

type issueGrantRequest struct {
	TargetAddress  string `json:"target_address"`
	DesktopID      string `json:"desktop_id"`
	UserID         string `json:"user_id"`
	ConnectionType string `json:"connection_type"`
	ClientIP       string `json:"client_ip,omitempty"`
	TTLSeconds     int    `json:"ttl_seconds"`
}

type issueGrantResponse struct {
	GrantID string `json:"grant_id"`
	Token   string `json:"token"`
	URL     string `json:"url"`
	Port    int    `json:"port"`
}

func (c *GatewayClient) IssueGrant(ctx context.Context, desktopAddr string, meta SessionMeta) (Grant, error) {
	payload := issueGrantRequest{
		TargetAddress:  desktopAddr,
		DesktopID:      meta.DesktopID,
		UserID:         meta.UserID,
		ConnectionType: meta.ConnectionType,
		ClientIP:       meta.ClientIP,
		TTLSeconds:     int(meta.TTL.Seconds()),
	}
	var resp issueGrantResponse
	if err := c.do(ctx, http.MethodPost, "/v1/grants", payload, &resp); err != nil {
		metrics.Default().IncCounter("vdi_grants_total", map[string]string{"op": "issue", "status": "error"})
		return Grant{}, err
	}
	if resp.GrantID == "" || resp.Token == "" {
		metrics.Default().IncCounter("vdi_grants_total", map[string]string{"op": "issue", "status": "error"})
		return Grant{}, fmt.Errorf("%w: gateway returned incomplete grant", ErrFailure)
	}
	metrics.Default().IncCounter("vdi_grants_total", map[string]string{"op": "issue", "status": "ok"})
	return Grant{ID: resp.GrantID, Token: resp.Token, URL: resp.URL, Port: resp.Port}, nil
}

func (c *GatewayClient) RevokeGrant(ctx context.Context, grantID string) error {
	if strings.TrimSpace(grantID) == "" {
		return nil
	}
	err := c.do(ctx, http.MethodDelete, "/v1/grants/"+grantID, nil, nil)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.Default().IncCounter("vdi_grants_total", map[string]string{"op": "revoke", "status": status})
	return err
}

func (c *GatewayClient) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("%w: encode request: %v", ErrFailure, err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFailure, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Gateway-Auth", c.sharedKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFailure, err)
	}
	defer resp.Body.Close()

	// Revoking a grant the gateway already dropped is fine.
	if method == http.MethodDelete && resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		log.Printf("event=gateway_error method=%s path=%s status=%d body=%q", method, path, resp.StatusCode, string(raw))
		return fmt.Errorf("%w: gateway returned %d", ErrFailure, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: decode response: %v", ErrFailure, err)
		}
	}
	return nil
}
