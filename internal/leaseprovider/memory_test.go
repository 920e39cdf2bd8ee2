package leaseprovider

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryAcquireConflictsWhenHeld(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	def := Definition{Name: "locks/host-a/host", LeaseID: "one"}

	id, err := m.Acquire(ctx, def)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if id != "one" {
		t.Fatalf("expected lease id %q, got %q", "one", id)
	}

	_, err = m.Acquire(ctx, Definition{Name: def.Name, LeaseID: "two"})
	if KindOf(err) != KindConflict {
		t.Fatalf("expected KindConflict, got %v", err)
	}
}

func TestMemoryScriptedAcquireFailureIsConsumedOnce(t *testing.T) {
	m := NewMemory()
	m.ScriptAcquire("", errors.New("boom"))
	ctx := context.Background()
	def := Definition{Name: "locks/host-b/host", LeaseID: "one"}

	if _, err := m.Acquire(ctx, def); err == nil {
		t.Fatal("expected scripted failure on first call")
	}
	if _, err := m.Acquire(ctx, def); err != nil {
		t.Fatalf("expected fallback bookkeeping to succeed on second call, got: %v", err)
	}
}

func TestMemoryRenewRejectsMismatchedLeaseID(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	def := Definition{Name: "locks/host-c/host", LeaseID: "one"}
	if _, err := m.Acquire(ctx, def); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	err := m.Renew(ctx, Definition{Name: def.Name, LeaseID: "wrong"})
	if KindOf(err) != KindConflict {
		t.Fatalf("expected KindConflict, got %v", err)
	}
}

func TestMemoryReleaseThenAcquireAgain(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	def := Definition{Name: "locks/host-d/host", LeaseID: "one"}
	if _, err := m.Acquire(ctx, def); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := m.Release(ctx, def); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := m.Acquire(ctx, Definition{Name: def.Name, LeaseID: "two"}); err != nil {
		t.Fatalf("re-acquire after release: %v", err)
	}
	if got := m.CallCount("acquire"); got != 3 {
		t.Fatalf("expected 3 acquire calls, got %d", got)
	}
}
