package common

import (
	"errors"
	"testing"
)

func TestGuardHonoursPauseSet(t *testing.T) {
	pauses := NewPauseSet("Leverage")
	if err := Guard(pauses, "leverage"); !errors.Is(err, ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	if err := Guard(pauses, "lending"); err != nil {
		t.Fatalf("unexpected error for unpaused module: %v", err)
	}
	pauses.Resume("leverage")
	if err := Guard(pauses, "leverage"); err != nil {
		t.Fatalf("expected resume to clear pause, got %v", err)
	}
	if err := Guard(nil, "leverage"); err != nil {
		t.Fatalf("nil pause view must not block: %v", err)
	}
}

func TestCallGuardRejectsNestedEntry(t *testing.T) {
	var guard CallGuard
	if err := guard.Enter(); err != nil {
		t.Fatalf("first enter: %v", err)
	}
	if !guard.Active() {
		t.Fatalf("expected guard to be active")
	}
	if err := guard.Enter(); !errors.Is(err, ErrReentrantCall) {
		t.Fatalf("expected ErrReentrantCall, got %v", err)
	}
	guard.Exit()
	if err := guard.Enter(); err != nil {
		t.Fatalf("enter after exit: %v", err)
	}
	guard.Exit()
}
