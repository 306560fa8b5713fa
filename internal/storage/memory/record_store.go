// Package memory provides in-memory store implementations for development
// and testing.
package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/JakeFAU/realtime-cpi-indexer/internal/indexer"
)

// RecordStore keeps records in a map keyed by ID, matching the idempotent
// upsert contract of the Postgres store.
type RecordStore struct {
	mu      sync.RWMutex
	records map[string]indexer.Record
}

// NewRecordStore constructs a RecordStore.
func NewRecordStore() *RecordStore {
	return &RecordStore{records: make(map[string]indexer.Record)}
}

// Put implements indexer.RecordStore.
func (s *RecordStore) Put(_ context.Context, record indexer.Record) error {
	if record.ID == "" {
		return errors.New("record id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.ID] = record
	return nil
}

// Get implements indexer.RecordStore.
func (s *RecordStore) Get(_ context.Context, id string) (indexer.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[id]
	if !ok {
		return indexer.Record{}, indexer.ErrNotFound
	}
	return record, nil
}

// Exists implements indexer.RecordStore.
func (s *RecordStore) Exists(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[id]
	return ok, nil
}

// Query implements indexer.RecordStore: newest observation first, with the
// same filter semantics as the Postgres store.
func (s *RecordStore) Query(_ context.Context, filter indexer.RecordFilter) ([]indexer.Record, error) {
	matches := s.match(filter)
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if filter.Offset >= len(matches) {
		return nil, nil
	}
	matches = matches[filter.Offset:]
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// Count implements indexer.RecordStore.
func (s *RecordStore) Count(_ context.Context, filter indexer.RecordFilter) (int64, error) {
	return int64(len(s.match(filter))), nil
}

// Len reports how many records are stored.
func (s *RecordStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *RecordStore) match(filter indexer.RecordFilter) []indexer.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	nameLike := strings.ToLower(filter.NameLike)
	var matches []indexer.Record
	for _, record := range s.records {
		if filter.Source != "" && record.Source != filter.Source {
			continue
		}
		if filter.Category != "" && record.Category != filter.Category {
			continue
		}
		if nameLike != "" && !strings.Contains(strings.ToLower(record.Name), nameLike) {
			continue
		}
		if !filter.ObservedAfter.IsZero() && record.ObservedAt.Before(filter.ObservedAfter) {
			continue
		}
		matches = append(matches, record)
	}
	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].ObservedAt.Equal(matches[j].ObservedAt) {
			return matches[i].ObservedAt.After(matches[j].ObservedAt)
		}
		return matches[i].ID < matches[j].ID
	})
	return matches
}
