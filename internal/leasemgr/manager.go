// Package leasemgr drives a single named lease against a leaseprovider.Provider,
// keeping exactly one of many competing host instances marked as the current
// holder at any time.
package leasemgr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/hostlease/internal/clock"
	"pkt.systems/hostlease/internal/leaseprovider"
	"pkt.systems/hostlease/internal/loggingutil"
	"pkt.systems/hostlease/internal/obs"
	"pkt.systems/hostlease/internal/tracewriter"
	"pkt.systems/pslog"
)

// ErrInvalidArgument tags construction-time contract violations.
var ErrInvalidArgument = errors.New("leasemgr: invalid argument")

const (
	// MinLeaseTimeout is the smallest accepted lease timeout.
	MinLeaseTimeout = 15 * time.Second
	// MaxLeaseTimeout is the largest accepted lease timeout.
	MaxLeaseTimeout = 60 * time.Second

	defaultRenewalMargin = 3 * time.Second
	defaultRetryInterval = 5 * time.Second

	timestampLayout = "2006-01-02T15:04:05.000Z"
)

// Config carries everything Manager needs to drive one named lease.
type Config struct {
	Provider    leaseprovider.Provider
	AccountName string
	// HostID names the logical lease that competing instances race for.
	HostID string
	// InstanceID identifies this particular process among its competitors.
	InstanceID string
	// LeaseTimeout must fall within [MinLeaseTimeout, MaxLeaseTimeout].
	LeaseTimeout time.Duration
	// RenewalInterval defaults to LeaseTimeout - 3s when zero.
	RenewalInterval time.Duration
	// RetryInterval defaults to 5s when zero.
	RetryInterval time.Duration
	TraceWriter   tracewriter.Writer
	Clock         clock.Clock
	Metrics       *obs.LeaseMetrics
	Logger        pslog.Logger
}

// Manager races one named lease against however many other instances run
// the same HostID, renewing on a timer while held and retrying on a
// shorter timer while not.
type Manager struct {
	provider        leaseprovider.Provider
	accountName     string
	hostID          string
	instanceID      string
	leaseTimeout    time.Duration
	renewalInterval time.Duration
	retryInterval   time.Duration
	traceWriter     tracewriter.Writer
	clock           clock.Clock
	metrics         *obs.LeaseMetrics
	logger          pslog.Logger

	mu                 sync.RWMutex
	heldLeaseID        string
	state              State
	lastRenewalAt      time.Time
	lastRenewalLatency time.Duration
	inFlight           bool
	stopped            bool

	subscribers atomic.Pointer[[]subscription]
	nextSubID   atomic.Uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

type subscription struct {
	id uint64
	fn func()
}

// New validates cfg, constructs a Manager, and starts its tick loop. The
// first tick fires immediately.
func New(cfg Config) (*Manager, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("%w: provider is required", ErrInvalidArgument)
	}
	if strings.TrimSpace(cfg.HostID) == "" {
		return nil, fmt.Errorf("%w: host id is required", ErrInvalidArgument)
	}
	if strings.TrimSpace(cfg.InstanceID) == "" {
		return nil, fmt.Errorf("%w: instance id is required", ErrInvalidArgument)
	}
	if cfg.LeaseTimeout < MinLeaseTimeout || cfg.LeaseTimeout > MaxLeaseTimeout {
		return nil, fmt.Errorf("%w: lease timeout %s outside [%s, %s]", ErrInvalidArgument, cfg.LeaseTimeout, MinLeaseTimeout, MaxLeaseTimeout)
	}

	renewalInterval := cfg.RenewalInterval
	if renewalInterval <= 0 {
		renewalInterval = cfg.LeaseTimeout - defaultRenewalMargin
	}
	retryInterval := cfg.RetryInterval
	if retryInterval <= 0 {
		retryInterval = defaultRetryInterval
	}

	c := cfg.Clock
	if c == nil {
		c = clock.Real{}
	}
	tw := cfg.TraceWriter
	if tw == nil {
		tw = nullWriter{}
	}
	logger := loggingutil.WithSubsystem(cfg.Logger, loggingutil.SubsystemLeaseManager)

	m := &Manager{
		provider:        cfg.Provider,
		accountName:     cfg.AccountName,
		hostID:          cfg.HostID,
		instanceID:      cfg.InstanceID,
		leaseTimeout:    cfg.LeaseTimeout,
		renewalInterval: renewalInterval,
		retryInterval:   retryInterval,
		traceWriter:     tw,
		clock:           c,
		metrics:         cfg.Metrics,
		logger:          logger,
		state:           Seeking,
		stopCh:          make(chan struct{}),
	}
	empty := make([]subscription, 0)
	m.subscribers.Store(&empty)

	m.wg.Add(1)
	go m.run()
	return m, nil
}

// HasLease reports whether this instance currently holds the lease.
func (m *Manager) HasLease() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.heldLeaseID != ""
}

// LeaseID returns the currently held lease id, if any.
func (m *Manager) LeaseID() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.heldLeaseID, m.heldLeaseID != ""
}

// CurrentState returns the manager's coarse operational mode.
func (m *Manager) CurrentState() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// OnLeaseChanged registers fn to be invoked (on its own goroutine) after
// every transition between holding and not holding the lease, or between
// two distinct lease ids. Subscribers are notified against a snapshot of
// the subscriber list taken when the firing begins: a subscriber added
// during a firing is not guaranteed to observe that firing. The returned
// func removes fn.
func (m *Manager) OnLeaseChanged(fn func()) (unsubscribe func()) {
	id := m.nextSubID.Add(1)
	for {
		old := m.subscribers.Load()
		next := make([]subscription, len(*old)+1)
		copy(next, *old)
		next[len(*old)] = subscription{id: id, fn: fn}
		if m.subscribers.CompareAndSwap(old, &next) {
			break
		}
	}
	return func() {
		for {
			old := m.subscribers.Load()
			idx := -1
			for i := range *old {
				if (*old)[i].id == id {
					idx = i
					break
				}
			}
			if idx < 0 {
				return
			}
			next := make([]subscription, 0, len(*old)-1)
			next = append(next, (*old)[:idx]...)
			next = append(next, (*old)[idx+1:]...)
			if m.subscribers.CompareAndSwap(old, &next) {
				return
			}
		}
	}
}

func (m *Manager) fireChange() {
	snapshot := *m.subscribers.Load()
	for _, sub := range snapshot {
		go sub.fn()
	}
}

// Dispose stops the tick loop, waits for any in-flight acquire/renew to
// finish, and best-effort releases the lease if held. Idempotent.
func (m *Manager) Dispose(ctx context.Context) error {
	m.once.Do(func() {
		m.mu.Lock()
		m.stopped = true
		m.mu.Unlock()
		close(m.stopCh)
		m.wg.Wait()

		m.mu.Lock()
		leaseID := m.heldLeaseID
		m.heldLeaseID = ""
		m.state = Disposed
		m.mu.Unlock()

		if leaseID != "" {
			m.metrics.SetHolding(false)
			m.fireChange()
			def := m.buildDefinition(leaseID)
			start := m.clock.Now()
			err := m.provider.Release(ctx, def)
			m.metrics.RecordAttempt(ctx, "release", m.clock.Now().Sub(start), err)
			if err != nil {
				m.logger.Warn("leasemgr.dispose.release_failed", "host_id", m.hostID, "lease_id", leaseID, "error", err)
			}
		}
		m.logger.Info("leasemgr.disposed", "host_id", m.hostID, "released", leaseID != "")
	})
	return nil
}

func (m *Manager) run() {
	defer m.wg.Done()
	timer := m.clock.After(0)
	for {
		select {
		case <-m.stopCh:
			return
		case <-timer:
			m.tick()
			timer = m.clock.After(m.currentInterval())
		}
	}
}

func (m *Manager) currentInterval() time.Duration {
	if m.HasLease() {
		return m.renewalInterval
	}
	return m.retryInterval
}

// tick launches at most one acquireOrRenew attempt in the background,
// guarded so a slow provider call never overlaps with the next tick.
func (m *Manager) tick() {
	m.mu.Lock()
	if m.stopped || m.inFlight {
		m.mu.Unlock()
		return
	}
	m.inFlight = true
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			m.inFlight = false
			m.mu.Unlock()
			m.wg.Done()
		}()
		m.acquireOrRenew()
	}()
}

func (m *Manager) buildDefinition(leaseID string) leaseprovider.Definition {
	return leaseprovider.Definition{
		AccountName: m.accountName,
		Name:        fmt.Sprintf("locks/%s/host", m.hostID),
		Period:      m.leaseTimeout,
		LeaseID:     leaseID,
	}
}

func (m *Manager) acquireOrRenew() {
	ctx := context.Background()
	leaseID, held := m.LeaseID()

	if held {
		def := m.buildDefinition(leaseID)
		start := m.clock.Now()
		err := m.provider.Renew(ctx, def)
		elapsed := m.clock.Now().Sub(start)
		m.metrics.RecordAttempt(ctx, "renew", elapsed, err)
		if err == nil {
			m.mu.Lock()
			m.lastRenewalAt = m.clock.Now()
			m.lastRenewalLatency = elapsed
			m.mu.Unlock()
			return
		}
		m.onRenewFailure(err)
		return
	}

	def := m.buildDefinition(m.instanceID)
	start := m.clock.Now()
	newLeaseID, err := m.provider.Acquire(ctx, def)
	elapsed := m.clock.Now().Sub(start)
	m.metrics.RecordAttempt(ctx, "acquire", elapsed, err)
	if err != nil {
		m.onAcquireFailure(err)
		return
	}

	m.mu.Lock()
	m.lastRenewalAt = m.clock.Now()
	m.lastRenewalLatency = elapsed
	m.mu.Unlock()
	m.setHeldLeaseID(newLeaseID)
	m.metrics.SetHolding(true)
	m.logger.Info("leasemgr.lease.acquired", "host_id", m.hostID, "instance_id", m.instanceID, "lease_id", newLeaseID)
	_ = m.traceWriter.Trace(tracewriter.Event{
		Level:   tracewriter.LevelInfo,
		Message: fmt.Sprintf("Host lock lease acquired by instance ID '%s'.", m.instanceID),
	})
}

func (m *Manager) onRenewFailure(err error) {
	var reason string
	if leaseprovider.KindOf(err) == leaseprovider.KindConflict {
		m.mu.RLock()
		lastAt := m.lastRenewalAt
		lastLatency := m.lastRenewalLatency
		m.mu.RUnlock()
		msSince := m.clock.Now().Sub(lastAt).Milliseconds()
		reason = fmt.Sprintf(
			"Another host has acquired the lease. The last successful renewal completed at %s (%d milliseconds ago) with a duration of %d milliseconds.",
			lastAt.UTC().Format(timestampLayout), msSince, lastLatency.Milliseconds(),
		)
	} else {
		reason = fmt.Sprintf("Server error: %v", err)
	}
	m.processError(reason)
}

func (m *Manager) onAcquireFailure(err error) {
	m.processError(err.Error())
}

// processError logs the failure with the message template that matches
// the manager's current role, and resets to Seeking (firing exactly one
// change event) when the failure occurred while holding the lease.
func (m *Manager) processError(reason string) {
	if m.HasLease() {
		m.setHeldLeaseID("")
		m.metrics.SetHolding(false)
		m.logger.Warn("leasemgr.lease.renew_failed", "host_id", m.hostID, "reason", reason)
		_ = m.traceWriter.Trace(tracewriter.Event{
			Level:   tracewriter.LevelInfo,
			Message: fmt.Sprintf("Failed to renew host lock lease: %s", reason),
		})
		return
	}
	m.logger.Debug("leasemgr.lease.acquire_failed", "host_id", m.hostID, "instance_id", m.instanceID, "reason", reason)
	_ = m.traceWriter.Trace(tracewriter.Event{
		Level:   tracewriter.LevelVerbose,
		Message: fmt.Sprintf("Host instance '%s' failed to acquire host lock lease: %s", m.instanceID, reason),
	})
}

// setHeldLeaseID updates the held lease id and fires a change event iff
// the value actually changed (case-insensitive compare).
func (m *Manager) setHeldLeaseID(newID string) {
	m.mu.Lock()
	old := m.heldLeaseID
	changed := !strings.EqualFold(old, newID)
	if changed {
		m.heldLeaseID = newID
		if newID != "" {
			m.state = Holding
		} else {
			m.state = Seeking
		}
	}
	m.mu.Unlock()
	if changed {
		m.fireChange()
	}
}

type nullWriter struct{}

func (nullWriter) Trace(tracewriter.Event) error { return nil }
func (nullWriter) Flush(context.Context) error   { return nil }
func (nullWriter) Dispose(context.Context) error { return nil }
