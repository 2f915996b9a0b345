package api

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/kamvdi/vdi-control-plane/internal/auth"
	"github.com/kamvdi/vdi-control-plane/internal/model"
	"github.com/kamvdi/vdi-control-plane/internal/provider"
	"github.com/kamvdi/vdi-control-plane/internal/store"

	"github.com/go-chi/chi/v5"
)

type createDesktopRequest struct {
	DisplayName string  `json:"display_name"`
	UserID      *string `json:"user_id"`
	ImageID     string  `json:"image_id"`
	NetworkID   string  `json:"network_id"`
	NetworkName string  `json:"network_name"`
	CPU         int     `json:"cpu"`
	RamMB       int     `json:"ram_mb"`
	DiskGB      int     `json:"disk_gb"`
}

type powerRequest struct {
	Action string `json:"action"`
}

type terminateRequest struct {
	MFACode string `json:"mfa_code"`
}

type assignRequest struct {
	UserID *string `json:"user_id"`
}

type policyRequest struct {
	SuspendThresholdMinutes int `json:"suspend_threshold_minutes"`
	MaxSessionHours         int `json:"max_session_hours"`
}

// powerTransitions is the local-state write matching each admin power
// action. Actions without an entry (restart) leave the record alone and
// let the reconciler observe the outcome.
var powerTransitions = map[provider.PowerAction][2]model.DesktopState{
	provider.PowerOn:      {model.StateOff, model.StateStarting},
	provider.PowerResume:  {model.StateSuspended, model.StateStarting},
	provider.PowerOff:     {model.StateOn, model.StateOff},
	provider.PowerSuspend: {model.StateOn, model.StateSuspending},
}

func (s *Server) handleAdminListDesktops(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := auth.TenantIDFromContext(r.Context())
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing tenant identity")
		return
	}
	desktops, err := s.store.ListDesktopsForTenant(r.Context(), tenantID)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to list desktops")
		return
	}
	out := make([]map[string]any, 0, len(desktops))
	for _, d := range desktops {
		resp := toDesktopResponse(d)
		resp["provider_vm_id"] = d.ProviderVMID
		if d.PrivateIP != nil {
			resp["private_ip"] = *d.PrivateIP
		}
		out = append(out, resp)
	}
	writeJSON(w, http.StatusOK, map[string]any{"desktops": out})
}

func (s *Server) handleAdminCreateDesktop(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := auth.TenantIDFromContext(r.Context())
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing tenant identity")
		return
	}
	var req createDesktopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}
	if req.DisplayName == "" || req.ImageID == "" || req.NetworkID == "" {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "display_name, image_id and network_id are required")
		return
	}
	if req.CPU <= 0 || req.RamMB <= 0 || req.DiskGB <= 0 {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "cpu, ram_mb and disk_gb must be positive")
		return
	}

	vmID, err := s.provider.CreateVM(r.Context(), provider.VMSpec{
		Name:      req.DisplayName,
		ImageID:   req.ImageID,
		NetworkID: req.NetworkID,
		CPUCores:  req.CPU,
		RamMB:     req.RamMB,
		DiskGB:    req.DiskGB,
		TenantID:  tenantID,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	networkName := req.NetworkName
	if networkName == "" {
		networkName = req.NetworkID
	}
	d, err := s.store.CreateDesktop(r.Context(), store.CreateDesktopInput{
		TenantID:     tenantID,
		UserID:       req.UserID,
		ProviderVMID: vmID,
		DisplayName:  req.DisplayName,
		VMCpu:        req.CPU,
		VMRamMB:      req.RamMB,
		VMDiskGB:     req.DiskGB,
		NetworkName:  networkName,
		InitialState: model.StateProvisioning,
	})
	if err != nil {
		// The VM exists but the record does not; reap it so nothing leaks.
		if delErr := s.provider.DeleteVM(r.Context(), vmID); delErr != nil {
			log.Printf("event=create_compensation_failed vm_id=%s err=%q", vmID, delErr.Error())
		}
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to register desktop")
		return
	}
	log.Printf("event=desktop_created desktop_id=%s vm_id=%s tenant_id=%s", d.ID, vmID, tenantID)
	writeJSON(w, http.StatusCreated, map[string]any{"desktop": toDesktopResponse(d)})
}

func (s *Server) handleAdminPower(w http.ResponseWriter, r *http.Request) {
	var req powerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !provider.ValidPowerAction(req.Action) {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "action must be one of on|off|suspend|resume|restart")
		return
	}
	d, err := s.store.GetDesktop(r.Context(), chi.URLParam(r, "desktopID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	action := provider.PowerAction(req.Action)
	if err := s.provider.Power(r.Context(), d.ProviderVMID, action); err != nil {
		writeDomainError(w, err)
		return
	}
	if edge, ok := powerTransitions[action]; ok {
		moved, err := s.store.TransitionDesktopState(r.Context(), d.ID, edge[0], edge[1], time.Now().UTC())
		if err != nil {
			log.Printf("event=power_transition_failed desktop_id=%s err=%q", d.ID, err.Error())
		} else if moved {
			d.CurrentState = edge[1]
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"desktop_id": d.ID, "state": string(d.CurrentState)})
}

func (s *Server) handleAdminTerminate(w http.ResponseWriter, r *http.Request) {
	adminID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing user identity")
		return
	}
	var req terminateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}
	// Termination destroys the VM; it always demands a fresh second factor
	// even when the tenant policy does not require one for connects.
	if req.MFACode == "" {
		writeAPIError(w, http.StatusForbidden, "mfa_required", "second factor required")
		return
	}
	valid, err := s.mfa.Verify(r.Context(), adminID, req.MFACode)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "second factor check failed")
		return
	}
	if !valid {
		writeAPIError(w, http.StatusForbidden, "mfa_invalid", "second factor invalid")
		return
	}

	d, err := s.store.GetDesktop(r.Context(), chi.URLParam(r, "desktopID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	closed, err := s.broker.DisconnectDesktop(r.Context(), d.ID, model.EndReasonAdminTerminate)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := s.provider.DeleteVM(r.Context(), d.ProviderVMID); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := s.store.ResyncDesktopState(r.Context(), d.ID, model.StateError, time.Now().UTC()); err != nil {
		log.Printf("event=terminate_state_write_failed desktop_id=%s err=%q", d.ID, err.Error())
	}
	if err := s.store.SetDesktopActive(r.Context(), d.ID, false); err != nil {
		writeDomainError(w, err)
		return
	}
	log.Printf("event=desktop_terminated desktop_id=%s vm_id=%s sessions_closed=%d by=%s", d.ID, d.ProviderVMID, closed, adminID)
	writeJSON(w, http.StatusOK, map[string]any{"desktop_id": d.ID, "sessions_closed": closed})
}

func (s *Server) handleAdminActivate(w http.ResponseWriter, r *http.Request) {
	if err := s.store.SetDesktopActive(r.Context(), chi.URLParam(r, "desktopID"), true); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAdminResync drops a desktop back to unknown so the next refresh
// re-derives its state from the provider. This is the way out of error.
func (s *Server) handleAdminResync(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "desktopID")
	if err := s.store.ResyncDesktopState(r.Context(), id, model.StateUnknown, time.Now().UTC()); err != nil {
		writeDomainError(w, err)
		return
	}
	log.Printf("event=desktop_resynced desktop_id=%s", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAdminUnregister(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "desktopID")
	if _, err := s.broker.DisconnectDesktop(r.Context(), id, model.EndReasonAdminTerminate); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := s.store.SetDesktopActive(r.Context(), id, false); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAdminAssign(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}
	if err := s.store.AssignDesktop(r.Context(), chi.URLParam(r, "desktopID"), req.UserID); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAdminListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListOpenSessions(r.Context())
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to list sessions")
		return
	}
	out := make([]map[string]any, 0, len(sessions))
	for _, sess := range sessions {
		resp := toSessionResponse(sess)
		resp["user_id"] = sess.UserID
		delete(resp, "grant") // tokens are for session owners, not listings
		out = append(out, resp)
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (s *Server) handleAdminEndSession(w http.ResponseWriter, r *http.Request) {
	if _, err := s.broker.EndSession(r.Context(), chi.URLParam(r, "sessionID"), model.EndReasonAdminTerminate); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAdminListImages(w http.ResponseWriter, r *http.Request) {
	items, err := s.provider.ListImages(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"images": toItemResponses(items)})
}

func (s *Server) handleAdminListNetworks(w http.ResponseWriter, r *http.Request) {
	items, err := s.provider.ListNetworks(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"networks": toItemResponses(items)})
}

func (s *Server) handleAdminPutPolicy(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := auth.TenantIDFromContext(r.Context())
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing tenant identity")
		return
	}
	var req policyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}
	if req.SuspendThresholdMinutes <= 0 || req.MaxSessionHours <= 0 {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "thresholds must be positive")
		return
	}
	p := model.TenantPolicy{
		TenantID:                tenantID,
		SuspendThresholdMinutes: req.SuspendThresholdMinutes,
		MaxSessionHours:         req.MaxSessionHours,
	}
	if err := s.store.UpsertTenantPolicy(r.Context(), p); err != nil {
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to save policy")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id":                 tenantID,
		"suspend_threshold_minutes": p.SuspendThresholdMinutes,
		"max_session_hours":         p.MaxSessionHours,
	})
}

func toItemResponses(items []provider.Item) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, it := range items {
		out = append(out, map[string]any{"id": it.ID, "description": it.Description})
	}
	return out
}
