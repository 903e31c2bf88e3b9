package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/atmx/control-plane/internal/model"
)

// MemoryStore implements Store with an in-memory slice. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu      sync.RWMutex
	entries []model.AuditEntry
	ids     map[string]struct{}
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ids: make(map[string]struct{})}
}

func (s *MemoryStore) InsertAuditEntry(_ context.Context, e *model.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ids[e.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateEntry, e.ID)
	}
	s.ids[e.ID] = struct{}{}
	s.entries = append(s.entries, *e)
	return nil
}

func (s *MemoryStore) ListAuditEntries(_ context.Context, limit int) ([]model.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.newest(limit, func(model.AuditEntry) bool { return true }), nil
}

func (s *MemoryStore) ListAuditEntriesByTarget(_ context.Context, target string, limit int) ([]model.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.newest(limit, func(e model.AuditEntry) bool { return e.Target == target }), nil
}

// newest walks the append order backwards. Caller holds s.mu.
func (s *MemoryStore) newest(limit int, keep func(model.AuditEntry) bool) []model.AuditEntry {
	limit = normalizeLimit(limit)
	out := []model.AuditEntry{}
	for i := len(s.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if keep(s.entries[i]) {
			out = append(out, s.entries[i])
		}
	}
	return out
}
