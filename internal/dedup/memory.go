package dedup

import (
	"context"
	"sync"
	"time"
)

// Memory is a mutex-guarded in-process Store. Terminal entries age out after
// the retention window; Pending and InFlight entries are never evicted.
type Memory struct {
	mu        sync.Mutex
	entries   map[string]Entry
	retention time.Duration
}

// NewMemory constructs a Memory store. A zero retention disables eviction.
func NewMemory(retention time.Duration) *Memory {
	return &Memory{
		entries:   make(map[string]Entry),
		retention: retention,
	}
}

// MarkPending implements Store.
func (m *Memory) MarkPending(_ context.Context, fingerprint string, epoch int64, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[fingerprint]
	if ok && !m.expiredLocked(entry, now) {
		switch entry.State {
		case StatePending, StateInFlight:
			return false, nil
		case StateDone, StateFailedTerminal:
			if epoch <= entry.Epoch {
				return false, nil
			}
		}
	}
	m.entries[fingerprint] = Entry{
		Fingerprint: fingerprint,
		State:       StatePending,
		Epoch:       epoch,
		UpdatedAt:   now,
	}
	return true, nil
}

// TryAdmit implements Store.
func (m *Memory) TryAdmit(_ context.Context, fingerprint string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[fingerprint]
	if ok && !m.expiredLocked(entry, now) && entry.State != StatePending {
		return false, nil
	}
	if ok && m.expiredLocked(entry, now) {
		// Admitting over an expired terminal entry starts a fresh lifecycle;
		// the old epoch must not leak into it.
		entry = Entry{}
	}
	entry.Fingerprint = fingerprint
	entry.State = StateInFlight
	entry.UpdatedAt = now
	m.entries[fingerprint] = entry
	return true, nil
}

// Release implements Store.
func (m *Memory) Release(_ context.Context, fingerprint string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[fingerprint]
	if !ok || entry.State != StateInFlight {
		return nil
	}
	entry.State = StatePending
	entry.UpdatedAt = now
	m.entries[fingerprint] = entry
	return nil
}

// MarkDone implements Store.
func (m *Memory) MarkDone(_ context.Context, fingerprint string, now time.Time) error {
	m.setState(fingerprint, StateDone, now)
	return nil
}

// MarkFailedTerminal implements Store.
func (m *Memory) MarkFailedTerminal(_ context.Context, fingerprint string, now time.Time) error {
	m.setState(fingerprint, StateFailedTerminal, now)
	return nil
}

func (m *Memory) setState(fingerprint string, state State, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := m.entries[fingerprint]
	entry.Fingerprint = fingerprint
	entry.State = state
	entry.UpdatedAt = now
	m.entries[fingerprint] = entry
}

// Contains implements Store.
func (m *Memory) Contains(_ context.Context, fingerprint string) (State, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[fingerprint]
	if !ok {
		return "", false, nil
	}
	return entry.State, true, nil
}

// Delete implements Store.
func (m *Memory) Delete(_ context.Context, fingerprint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, fingerprint)
	return nil
}

// EvictExpired implements Store.
func (m *Memory) EvictExpired(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	evicted := 0
	for fp, entry := range m.entries {
		if m.expiredLocked(entry, now) {
			delete(m.entries, fp)
			evicted++
		}
	}
	return evicted, nil
}

// Len implements Store.
func (m *Memory) Len(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries), nil
}

// SnapshotEntries implements Snapshotter.
func (m *Memory) SnapshotEntries(_ context.Context) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0, len(m.entries))
	for _, entry := range m.entries {
		out = append(out, entry)
	}
	return out, nil
}

// RestoreEntries implements Snapshotter. It replaces current contents, so it
// belongs at startup before the pipeline runs.
func (m *Memory) RestoreEntries(_ context.Context, entries []Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]Entry, len(entries))
	for _, entry := range entries {
		m.entries[entry.Fingerprint] = entry
	}
	return nil
}

func (m *Memory) expiredLocked(entry Entry, now time.Time) bool {
	if m.retention <= 0 {
		return false
	}
	if entry.State != StateDone && entry.State != StateFailedTerminal {
		return false
	}
	return now.Sub(entry.UpdatedAt) > m.retention
}
