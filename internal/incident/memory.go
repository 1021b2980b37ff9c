package incident

import (
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryStore keeps records in memory. Tests use it in place of a real
// store; failures and latency can be scripted.
type MemoryStore struct {
	mu      sync.Mutex
	records []Record
	err     error
	fails   int
	delay   time.Duration
	calls   int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Append(ctx context.Context, r Record) error {
	m.mu.Lock()
	m.calls++
	delay := m.delay
	var err error
	if m.err != nil && m.fails != 0 {
		if m.fails > 0 {
			m.fails--
		}
		err = m.err
	}
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.records = append(m.records, r)
	m.mu.Unlock()
	return nil
}

// Records returns a copy of the stored records.
func (m *MemoryStore) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.records)
}

// Calls returns the number of Append calls.
func (m *MemoryStore) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// SetError makes every Append fail with err.
func (m *MemoryStore) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	m.fails = -1
}

// FailNext makes the next n Appends fail with err.
func (m *MemoryStore) FailNext(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	m.fails = n
}

// SetDelay makes Append wait d before storing.
func (m *MemoryStore) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}
