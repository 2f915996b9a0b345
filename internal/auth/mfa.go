package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// MFAVerifier is the boundary to the second-factor service. The broker
// only enforces the pass/fail gate; code delivery, enrollment, and drift
// windows are the collaborator's problem.
type MFAVerifier interface {
	// Required reports whether the user's tenant policy demands a second
	// factor for connecting.
	Required(ctx context.Context, userID string) (bool, error)
	// Verify checks a proof for the user. False means the proof is wrong,
	// not that the service failed.
	Verify(ctx context.Context, userID, proof string) (bool, error)
}

// HTTPVerifier talks to the MFA service over its JSON API.
type HTTPVerifier struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewHTTPVerifier(baseURL, apiKey string, timeout time.Duration) (*HTTPVerifier, error) {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("mfa base url is required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPVerifier{baseURL: base, apiKey: apiKey, http: &http.Client{Timeout: timeout}}, nil
}

func (v *HTTPVerifier) Required(ctx context.Context, userID string) (bool, error) {
	var out struct {
		Required bool `json:"required"`
	}
	if err := v.post(ctx, "/v1/mfa/policy", map[string]string{"user_id": userID}, &out); err != nil {
		return false, err
	}
	return out.Required, nil
}

func (v *HTTPVerifier) Verify(ctx context.Context, userID, proof string) (bool, error) {
	var out struct {
		Valid bool `json:"valid"`
	}
	if err := v.post(ctx, "/v1/mfa/verify", map[string]string{"user_id": userID, "code": proof}, &out); err != nil {
		return false, err
	}
	return out.Valid, nil
}

func (v *HTTPVerifier) post(ctx context.Context, path string, payload any, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", v.apiKey)
	resp, err := v.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("mfa service returned %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// StaticVerifier is a fixed-policy verifier for `fake` mode and tests.
type StaticVerifier struct {
	RequireMFA bool
	ValidProof string
}

func (s *StaticVerifier) Required(context.Context, string) (bool, error) {
	return s.RequireMFA, nil
}

func (s *StaticVerifier) Verify(_ context.Context, _ string, proof string) (bool, error) {
	return proof != "" && proof == s.ValidProof, nil
}
