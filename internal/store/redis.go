package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/control-plane/internal/model"
)

// cacheDepth is how many of the newest entries are cached per list.
const cacheDepth = DefaultListLimit

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache of the newest audit entries. Writes go to the primary store and then
// bump a generation counter that is part of every cache key, so a list
// loaded before the write can only land under a generation no reader asks
// for again. Stale generations expire with the TTL.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, bump the cache generation) ---

func (s *CachedStore) InsertAuditEntry(ctx context.Context, e *model.AuditEntry) error {
	if err := s.primary.InsertAuditEntry(ctx, e); err != nil {
		return err
	}
	s.rdb.Incr(ctx, generationKey)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) ListAuditEntries(ctx context.Context, limit int) ([]model.AuditEntry, error) {
	return s.readThrough(ctx, recentKey, limit, func(n int) ([]model.AuditEntry, error) {
		return s.primary.ListAuditEntries(ctx, n)
	})
}

func (s *CachedStore) ListAuditEntriesByTarget(ctx context.Context, target string, limit int) ([]model.AuditEntry, error) {
	return s.readThrough(ctx, func(gen int64) string { return targetKey(gen, target) }, limit, func(n int) ([]model.AuditEntry, error) {
		return s.primary.ListAuditEntriesByTarget(ctx, target, n)
	})
}

// readThrough serves limits up to cacheDepth from the cached newest-first
// list; deeper reads go straight to the primary.
func (s *CachedStore) readThrough(ctx context.Context, keyFor func(gen int64) string, limit int, load func(int) ([]model.AuditEntry, error)) ([]model.AuditEntry, error) {
	limit = normalizeLimit(limit)
	if limit > cacheDepth {
		return load(limit)
	}

	// A missing counter reads as generation zero.
	gen, err := s.rdb.Get(ctx, generationKey).Int64()
	if err != nil && err != redis.Nil {
		return load(limit)
	}
	key := keyFor(gen)

	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var entries []model.AuditEntry
		if json.Unmarshal(data, &entries) == nil {
			return truncate(entries, limit), nil
		}
	}

	// Cache miss.
	entries, err := load(cacheDepth)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(entries); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return truncate(entries, limit), nil
}

func truncate(entries []model.AuditEntry, limit int) []model.AuditEntry {
	if len(entries) > limit {
		return entries[:limit]
	}
	return entries
}

// --- Cache helpers ---

const generationKey = "audit:gen"

func recentKey(gen int64) string { return fmt.Sprintf("audit:recent:%d", gen) }
func targetKey(gen int64, target string) string {
	return fmt.Sprintf("audit:target:%d:%s", gen, target)
}
