package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/kamvdi/vdi-control-plane/internal/auth"
	"github.com/kamvdi/vdi-control-plane/internal/broker"
	"github.com/kamvdi/vdi-control-plane/internal/model"
	"github.com/kamvdi/vdi-control-plane/internal/provider"
	"github.com/kamvdi/vdi-control-plane/internal/store"
	"github.com/kamvdi/vdi-control-plane/internal/transport"

	"github.com/go-chi/chi/v5"
)

type connectRequest struct {
	ConnectionType string `json:"connection_type"`
	MFACode        string `json:"mfa_code"`
}

type heartbeatRequest struct {
	SessionID string `json:"session_id"`
}

// writeDomainError maps the error taxonomy onto HTTP. Forbidden collapses
// into not_found so a probing caller cannot distinguish "exists but not
// yours" from "does not exist".
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, broker.ErrForbidden):
		writeAPIError(w, http.StatusNotFound, "not_found", "desktop or session not found")
	case errors.Is(err, broker.ErrMFARequired):
		writeAPIError(w, http.StatusForbidden, "mfa_required", "second factor required")
	case errors.Is(err, broker.ErrMFAInvalid):
		writeAPIError(w, http.StatusForbidden, "mfa_invalid", "second factor invalid")
	case errors.Is(err, broker.ErrStartTimeout):
		writeAPIError(w, http.StatusServiceUnavailable, "start_timeout", "desktop did not power on in time")
	case errors.Is(err, broker.ErrDesktopError):
		writeAPIError(w, http.StatusUnprocessableEntity, "desktop_error", "desktop needs administrator attention")
	case errors.Is(err, provider.ErrUnavailable):
		writeAPIError(w, http.StatusServiceUnavailable, "provider_unavailable", "cloud provider unavailable")
	case errors.Is(err, provider.ErrRejected):
		writeAPIError(w, http.StatusUnprocessableEntity, "provider_rejected", "cloud provider rejected the request")
	case errors.Is(err, transport.ErrFailure):
		writeAPIError(w, http.StatusBadGateway, "transport_failure", "tunnel gateway failure")
	default:
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func (s *Server) handleListDesktops(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing user identity")
		return
	}
	desktops, err := s.store.ListDesktopsForUser(r.Context(), userID)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to list desktops")
		return
	}
	// Refresh records the reconciler has not touched recently so the list
	// reflects reality; a failed refresh falls back to the stored state.
	staleBefore := time.Now().UTC().Add(-s.cfg.ReconcileInterval)
	for _, d := range desktops {
		if d.LastStateCheck != nil && d.LastStateCheck.After(staleBefore) {
			continue
		}
		if err := s.refresher.RefreshOne(r.Context(), d); err != nil {
			log.Printf("event=list_refresh_failed desktop_id=%s err=%q", d.ID, err.Error())
		}
	}
	out := make([]map[string]any, 0, len(desktops))
	for _, d := range desktops {
		out = append(out, toDesktopResponse(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"desktops": out})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing user identity")
		return
	}
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}
	if !model.ValidConnectionType(req.ConnectionType) {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "connection_type must be browser or native")
		return
	}

	res, err := s.broker.Connect(r.Context(), broker.ConnectInput{
		DesktopID:      chi.URLParam(r, "desktopID"),
		UserID:         userID,
		IsAdmin:        auth.IsAdmin(r.Context()),
		ConnectionType: model.ConnectionType(req.ConnectionType),
		ClientIP:       r.RemoteAddr,
		MFAProof:       req.MFACode,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	status := http.StatusCreated
	if res.Reused {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{
		"session":      toSessionResponse(res.Session),
		"desktop_name": res.Desktop.DisplayName,
	})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing user identity")
		return
	}
	if _, err := s.broker.DisconnectUser(r.Context(), chi.URLParam(r, "desktopID"), userID); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing user identity")
		return
	}
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "session_id is required")
		return
	}
	if err := s.heartbeats.Record(r.Context(), req.SessionID, userID, auth.IsAdmin(r.Context())); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if s.revoker == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "blacklist_unavailable", "token revocation is not configured")
		return
	}
	tokenID, ok := auth.TokenIDFromContext(r.Context())
	if !ok {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "token has no id claim")
		return
	}
	ttl := 24 * time.Hour
	if exp, ok := auth.TokenExpiryFromContext(r.Context()); ok {
		ttl = time.Until(exp)
	}
	if err := s.revoker.Revoke(r.Context(), tokenID, ttl); err != nil {
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to revoke token")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func toDesktopResponse(d *model.Desktop) map[string]any {
	resp := map[string]any{
		"id":           d.ID,
		"display_name": d.DisplayName,
		"state":        string(d.CurrentState),
		"is_active":    d.IsActive,
		"network_name": d.NetworkName,
		"vm": map[string]any{
			"cpu":     d.VMCpu,
			"ram_mb":  d.VMRamMB,
			"disk_gb": d.VMDiskGB,
		},
		"created_at": d.CreatedAt.UTC().Format(time.RFC3339),
	}
	if d.UserID != nil {
		resp["user_id"] = *d.UserID
	}
	if d.LastStateCheck != nil {
		resp["last_state_check"] = d.LastStateCheck.UTC().Format(time.RFC3339)
	}
	return resp
}

func toSessionResponse(sess *model.Session) map[string]any {
	resp := map[string]any{
		"session_id":      sess.ID,
		"desktop_id":      sess.DesktopID,
		"connection_type": string(sess.ConnectionType),
		"started_at":      sess.StartedAt.UTC().Format(time.RFC3339),
	}
	grant := map[string]any{}
	if sess.GrantToken != nil {
		grant["token"] = *sess.GrantToken
	}
	if sess.GrantURL != nil {
		grant["url"] = *sess.GrantURL
	}
	if sess.LocalPort != nil {
		grant["port"] = *sess.LocalPort
	}
	if len(grant) > 0 {
		resp["grant"] = grant
	}
	if sess.LastHeartbeat != nil {
		resp["last_heartbeat"] = sess.LastHeartbeat.UTC().Format(time.RFC3339)
	}
	if sess.EndedAt != nil {
		resp["ended_at"] = sess.EndedAt.UTC().Format(time.RFC3339)
	}
	if sess.EndReason != nil {
		resp["end_reason"] = *sess.EndReason
	}
	return resp
}
