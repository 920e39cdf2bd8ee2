package leaseprovider

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// Memory is an in-memory Provider for tests. Acquire and Renew first
// consult an optional scripted response queue (set via ScriptAcquire and
// ScriptRenew), falling back to straightforward in-memory lease
// bookkeeping otherwise; Release always uses the bookkeeping — this
// lets tests inject Conflict/Transient/Other failures on demand without
// a real lease store.
type Memory struct {
	mu sync.Mutex

	held    map[string]string // name -> leaseID
	script  map[string][]scriptedResult
	calls   map[string]int
}

type scriptedResult struct {
	leaseID string
	err     error
}

// NewMemory constructs an empty in-memory provider.
func NewMemory() *Memory {
	return &Memory{
		held:   make(map[string]string),
		script: make(map[string][]scriptedResult),
		calls:  make(map[string]int),
	}
}

// ScriptAcquire queues a scripted Acquire result (leaseID="" and err!=nil
// for a failure). Results are consumed first-in-first-out; once exhausted,
// Acquire falls back to normal bookkeeping.
func (m *Memory) ScriptAcquire(leaseID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script["acquire"] = append(m.script["acquire"], scriptedResult{leaseID: leaseID, err: err})
}

// ScriptRenew queues a scripted Renew result.
func (m *Memory) ScriptRenew(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script["renew"] = append(m.script["renew"], scriptedResult{err: err})
}

// CallCount returns how many times op ("acquire", "renew", "release") was
// invoked.
func (m *Memory) CallCount(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Acquire implements Provider.
func (m *Memory) Acquire(_ context.Context, def Definition) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["acquire"]++

	if next, ok := m.popScripted("acquire"); ok {
		if next.err != nil {
			return "", next.err
		}
		if next.leaseID != "" {
			m.held[def.Name] = next.leaseID
			return next.leaseID, nil
		}
	}

	if existing, ok := m.held[def.Name]; ok && existing != "" {
		return "", NewError(KindConflict, errors.New("lease already held"))
	}
	id := def.LeaseID
	if id == "" {
		id = uuid.NewString()
	}
	m.held[def.Name] = id
	return id, nil
}

// Renew implements Provider.
func (m *Memory) Renew(_ context.Context, def Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["renew"]++

	if next, ok := m.popScripted("renew"); ok {
		return next.err
	}

	held, ok := m.held[def.Name]
	if !ok {
		return NewError(KindNotFound, errors.New("no lease held"))
	}
	if held != def.LeaseID {
		return NewError(KindConflict, errors.New("lease id mismatch"))
	}
	return nil
}

// Release implements Provider.
func (m *Memory) Release(_ context.Context, def Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["release"]++

	held, ok := m.held[def.Name]
	if !ok || held != def.LeaseID {
		return nil
	}
	delete(m.held, def.Name)
	return nil
}

func (m *Memory) popScripted(op string) (scriptedResult, bool) {
	q := m.script[op]
	if len(q) == 0 {
		return scriptedResult{}, false
	}
	next := q[0]
	m.script[op] = q[1:]
	return next, true
}
