package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/JakeFAU/realtime-cpi-indexer/internal/indexer"
)

type runKey struct {
	source string
	epoch  int64
}

// RunStore accumulates crawl-run counters in memory.
type RunStore struct {
	mu   sync.RWMutex
	runs map[runKey]indexer.Run
}

// NewRunStore constructs a RunStore.
func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[runKey]indexer.Run)}
}

// Apply implements indexer.RunStore.
func (s *RunStore) Apply(_ context.Context, delta indexer.RunDelta) error {
	if delta.Source == "" {
		return errors.New("delta source is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := runKey{source: delta.Source, epoch: delta.Epoch}
	run, ok := s.runs[key]
	if !ok {
		run = indexer.Run{Source: delta.Source, Epoch: delta.Epoch, StartedAt: delta.At}
	}
	run.TasksDispatched += delta.Dispatched
	run.RecordsStored += delta.Records
	run.Retries += delta.Retries
	run.Failures += delta.Failures
	run.BytesFetched += delta.Bytes
	if delta.At.After(run.LastActivityAt) {
		run.LastActivityAt = delta.At
	}
	s.runs[key] = run
	return nil
}

// Get implements indexer.RunStore.
func (s *RunStore) Get(_ context.Context, source string, epoch int64) (indexer.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runKey{source: source, epoch: epoch}]
	if !ok {
		return indexer.Run{}, indexer.ErrNotFound
	}
	return run, nil
}

// List implements indexer.RunStore: newest epochs first, optionally filtered
// to one source.
func (s *RunStore) List(_ context.Context, source string, limit, offset int) ([]indexer.Run, error) {
	s.mu.RLock()
	var runs []indexer.Run
	for key, run := range s.runs {
		if source != "" && key.source != source {
			continue
		}
		runs = append(runs, run)
	}
	s.mu.RUnlock()

	sort.Slice(runs, func(i, j int) bool {
		if runs[i].Epoch != runs[j].Epoch {
			return runs[i].Epoch > runs[j].Epoch
		}
		return runs[i].Source < runs[j].Source
	})
	if limit <= 0 {
		limit = 50
	}
	if offset >= len(runs) {
		return nil, nil
	}
	runs = runs[offset:]
	if len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}
