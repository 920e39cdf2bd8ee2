package leasemgr

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"pkt.systems/hostlease/internal/clock"
	"pkt.systems/hostlease/internal/leaseprovider"
	"pkt.systems/hostlease/internal/tracewriter"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %s", timeout)
	}
}

func newTestManager(t *testing.T, provider leaseprovider.Provider, c *clock.Manual) *Manager {
	t.Helper()
	m, err := New(Config{
		Provider:        provider,
		AccountName:     "acct",
		HostID:          "host-a",
		InstanceID:      "instance-1",
		LeaseTimeout:    30 * time.Second,
		RenewalInterval: 10 * time.Second,
		RetryInterval:   2 * time.Second,
		Clock:           c,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

// Scenario 1: manager acquires the lease promptly after starting.
func TestManagerAcquiresLeaseOnStart(t *testing.T) {
	c := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	provider := leaseprovider.NewMemory()
	m := newTestManager(t, provider, c)
	defer m.Dispose(context.Background())

	waitFor(t, time.Second, m.HasLease)
	if id, ok := m.LeaseID(); !ok || id != "instance-1" {
		t.Fatalf("expected instance-1 to hold the lease, got %q (%v)", id, ok)
	}
}

// Scenario 2: a conflicting renew produces the exact documented message and
// drops the manager back to Seeking.
func TestManagerLeaseStolenProducesDocumentedMessage(t *testing.T) {
	c := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	provider := leaseprovider.NewMemory()
	var mu sync.Mutex
	var messages []string
	m, err := New(Config{
		Provider:        provider,
		AccountName:     "acct",
		HostID:          "host-b",
		InstanceID:      "instance-1",
		LeaseTimeout:    30 * time.Second,
		RenewalInterval: 10 * time.Second,
		RetryInterval:   2 * time.Second,
		Clock:           c,
		TraceWriter:     &captureWriter{record: func(msg string) { mu.Lock(); messages = append(messages, msg); mu.Unlock() }},
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	defer m.Dispose(context.Background())

	waitFor(t, time.Second, m.HasLease)

	provider.ScriptRenew(leaseprovider.NewError(leaseprovider.KindConflict, errors.New("stolen")))
	c.Advance(10 * time.Second)

	waitFor(t, time.Second, func() bool { return !m.HasLease() })

	pattern := regexp.MustCompile(`^Failed to renew host lock lease: Another host has acquired the lease\. The last successful renewal completed at .+ \(\d+ milliseconds ago\) with a duration of \d+ milliseconds\.$`)
	mu.Lock()
	defer mu.Unlock()
	found := false
	for _, msg := range messages {
		if pattern.MatchString(msg) {
			found = true
			break
		}
	}
	if !found {
		t.Fatalf("expected a message matching the documented template, got: %v", messages)
	}
}

// Scenario 3: a transient acquire failure is retried and eventually succeeds.
func TestManagerRecoversFromTransientAcquireFailure(t *testing.T) {
	c := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	provider := leaseprovider.NewMemory()
	provider.ScriptAcquire("", leaseprovider.NewError(leaseprovider.KindTransient, errors.New("temporary outage")))
	m := newTestManager(t, provider, c)
	defer m.Dispose(context.Background())

	waitFor(t, time.Second, func() bool { return provider.CallCount("acquire") >= 1 })
	if m.HasLease() {
		t.Fatal("should not hold the lease after the first scripted failure")
	}

	waitFor(t, time.Second, func() bool { _, ok := c.NextDeadline(); return ok })
	d, ok := c.NextDeadline()
	if !ok {
		t.Fatal("expected a scheduled retry tick after the first failed acquire")
	}
	c.Advance(d)
	waitFor(t, time.Second, m.HasLease)
}

// Scenario 4: Dispose releases the held lease exactly once and is idempotent.
func TestManagerDisposeReleasesLeaseOnce(t *testing.T) {
	c := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	provider := leaseprovider.NewMemory()
	m := newTestManager(t, provider, c)

	waitFor(t, time.Second, m.HasLease)

	if err := m.Dispose(context.Background()); err != nil {
		t.Fatalf("dispose: %v", err)
	}
	if provider.CallCount("release") != 1 {
		t.Fatalf("expected exactly one release call, got %d", provider.CallCount("release"))
	}
	if m.CurrentState() != Disposed {
		t.Fatalf("expected Disposed state, got %v", m.CurrentState())
	}

	if err := m.Dispose(context.Background()); err != nil {
		t.Fatalf("second dispose should be a no-op, got: %v", err)
	}
	if provider.CallCount("release") != 1 {
		t.Fatalf("second dispose must not release again, got %d calls", provider.CallCount("release"))
	}
}

// I2: a lease transition fires exactly one change event per transition.
func TestManagerFiresExactlyOneChangeEventPerTransition(t *testing.T) {
	c := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	provider := leaseprovider.NewMemory()
	m := newTestManager(t, provider, c)
	defer m.Dispose(context.Background())

	var count int32
	var mu sync.Mutex
	m.OnLeaseChanged(func() {
		mu.Lock()
		count++
		mu.Unlock()
	})

	waitFor(t, time.Second, m.HasLease)
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	})

	mu.Lock()
	got := count
	mu.Unlock()
	if got != 1 {
		t.Fatalf("expected exactly one change event for the initial acquisition, got %d", got)
	}
}

// I4: after dispose, no further renewal or state mutation occurs.
func TestManagerStopsMutatingStateAfterDispose(t *testing.T) {
	c := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	provider := leaseprovider.NewMemory()
	m := newTestManager(t, provider, c)
	waitFor(t, time.Second, m.HasLease)

	if err := m.Dispose(context.Background()); err != nil {
		t.Fatalf("dispose: %v", err)
	}

	acquiresBefore := provider.CallCount("acquire")
	renewsBefore := provider.CallCount("renew")
	c.Advance(time.Hour)
	time.Sleep(20 * time.Millisecond)

	if got := provider.CallCount("acquire"); got != acquiresBefore {
		t.Fatalf("acquire call count changed after dispose: %d -> %d", acquiresBefore, got)
	}
	if got := provider.CallCount("renew"); got != renewsBefore {
		t.Fatalf("renew call count changed after dispose: %d -> %d", renewsBefore, got)
	}
	if m.HasLease() {
		t.Fatal("must not hold a lease after dispose")
	}
}

func TestNewRejectsLeaseTimeoutOutOfRange(t *testing.T) {
	_, err := New(Config{
		Provider:     leaseprovider.NewMemory(),
		HostID:       "host",
		InstanceID:   "instance",
		LeaseTimeout: 5 * time.Second,
	})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestNewRejectsBlankHostID(t *testing.T) {
	_, err := New(Config{
		Provider:     leaseprovider.NewMemory(),
		HostID:       "",
		InstanceID:   "instance",
		LeaseTimeout: 30 * time.Second,
	})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

type captureWriter struct {
	record func(msg string)
}

func (c *captureWriter) Trace(event tracewriter.Event) error {
	c.record(event.Message)
	return nil
}

func (c *captureWriter) Flush(ctx context.Context) error   { return nil }
func (c *captureWriter) Dispose(ctx context.Context) error { return nil }
