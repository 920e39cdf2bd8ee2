package main

import (
	"os"
	"path/filepath"
	"testing"

	"pkt.systems/hostlease/internal/tracewriter"
)

func TestLoadSinkPolicyMissingPathReturnsNil(t *testing.T) {
	policy, err := loadSinkPolicy("")
	if err != nil {
		t.Fatalf("loadSinkPolicy: %v", err)
	}
	if policy != nil {
		t.Fatalf("expected nil policy for empty path, got %v", policy)
	}
}

func TestLoadSinkPolicyParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(path, []byte("leasemgr: never\nheartbeat: debug-only\n"), 0o600); err != nil {
		t.Fatalf("write policy file: %v", err)
	}

	policy, err := loadSinkPolicy(path)
	if err != nil {
		t.Fatalf("loadSinkPolicy: %v", err)
	}
	if policy["leasemgr"] != "never" {
		t.Fatalf("expected leasemgr=never, got %q", policy["leasemgr"])
	}
	if policy["heartbeat"] != "debug-only" {
		t.Fatalf("expected heartbeat=debug-only, got %q", policy["heartbeat"])
	}
}

func TestSinkPolicyResolveOverridesFileLoggingMode(t *testing.T) {
	policy := sinkPolicy{"leasemgr": "never"}
	base := tracewriter.HostConfig{FileLoggingMode: tracewriter.FileLoggingAlways}

	got := policy.resolve("leasemgr", base)
	if got.FileLoggingMode != tracewriter.FileLoggingNever {
		t.Fatalf("expected override to Never, got %v", got.FileLoggingMode)
	}

	unaffected := policy.resolve("other-function", base)
	if unaffected.FileLoggingMode != tracewriter.FileLoggingAlways {
		t.Fatalf("expected unaffected function to keep base mode, got %v", unaffected.FileLoggingMode)
	}
}

func TestSinkPolicyResolveWithNilPolicyIsNoop(t *testing.T) {
	var policy sinkPolicy
	base := tracewriter.HostConfig{FileLoggingMode: tracewriter.FileLoggingDebugOnly}
	if got := policy.resolve("leasemgr", base); got.FileLoggingMode != tracewriter.FileLoggingDebugOnly {
		t.Fatalf("expected nil policy to leave base untouched, got %v", got.FileLoggingMode)
	}
}
