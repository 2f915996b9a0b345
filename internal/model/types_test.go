package model

import (
	"testing"
	"time"
)

func TestCanTransition_LegalEdges(t *testing.T) {
	legal := [][2]DesktopState{
		{StateProvisioning, StateOn},
		{StateProvisioning, StateError},
		{StateOn, StateSuspending},
		{StateOn, StateOff},
		{StateOn, StateError},
		{StateSuspending, StateSuspended},
		{StateSuspending, StateError},
		{StateSuspended, StateStarting},
		{StateSuspended, StateError},
		{StateStarting, StateOn},
		{StateStarting, StateError},
		{StateOff, StateStarting},
		{StateUnknown, StateOn},
		{StateUnknown, StateOff},
		{StateUnknown, StateError},
		{StateOn, StateOn},
	}
	for _, edge := range legal {
		if !CanTransition(edge[0], edge[1]) {
			t.Errorf("expected %s -> %s to be legal", edge[0], edge[1])
		}
	}
}

func TestCanTransition_IllegalEdges(t *testing.T) {
	illegal := [][2]DesktopState{
		{StateOff, StateSuspended},
		{StateOff, StateOn},
		{StateOn, StateStarting},
		{StateSuspended, StateOn},
		{StateError, StateOn},
		{StateError, StateStarting},
		{StateOn, StateUnknown},
		{StateSuspending, StateOn},
		{StateProvisioning, StateOff},
	}
	for _, edge := range illegal {
		if CanTransition(edge[0], edge[1]) {
			t.Errorf("expected %s -> %s to be rejected", edge[0], edge[1])
		}
	}
}

func TestSessionIdleSince(t *testing.T) {
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s := Session{StartedAt: started}
	if got := s.IdleSince(); !got.Equal(started) {
		t.Fatalf("expected started_at fallback, got %v", got)
	}
	hb := started.Add(5 * time.Minute)
	s.LastHeartbeat = &hb
	if got := s.IdleSince(); !got.Equal(hb) {
		t.Fatalf("expected last heartbeat, got %v", got)
	}
}

func TestDefaultTenantPolicy(t *testing.T) {
	p := DefaultTenantPolicy("tnt_1")
	if p.SuspendThreshold() != 30*time.Minute {
		t.Fatalf("unexpected suspend threshold %v", p.SuspendThreshold())
	}
	if p.MaxSessionDuration() != 8*time.Hour {
		t.Fatalf("unexpected max session duration %v", p.MaxSessionDuration())
	}
}
