package usage

import (
	"context"
	"slices"
	"sync"
)

var _ Store = (*MemStore)(nil)

// MemStore is an in-memory [Store]. It is the default when no database is
// configured.
type MemStore struct {
	mu      sync.RWMutex
	records map[string][]Record
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{records: make(map[string][]Record)}
}

// Add implements [Store].
func (s *MemStore) Add(_ context.Context, r Record) error {
	fill(&r)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.SessionID] = append(s.records[r.SessionID], r)
	return nil
}

// List implements [Store].
func (s *MemStore) List(_ context.Context, sessionID string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.records[sessionID]), nil
}

// SessionTotals implements [Store].
func (s *MemStore) SessionTotals(_ context.Context, sessionID string) (Totals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var t Totals
	for _, r := range s.records[sessionID] {
		t.add(r)
	}
	return t, nil
}
