package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/control-plane/internal/model"
)

// countingStore counts primary reads and can run a callback between loading
// a list and returning it, which is where a slow reader races a writer.
type countingStore struct {
	*MemoryStore
	reads     int
	afterLoad func()
}

func (s *countingStore) ListAuditEntries(ctx context.Context, limit int) ([]model.AuditEntry, error) {
	s.reads++
	out, err := s.MemoryStore.ListAuditEntries(ctx, limit)
	if s.afterLoad != nil {
		fn := s.afterLoad
		s.afterLoad = nil
		fn()
	}
	return out, err
}

func newCachedStore(t *testing.T) (*CachedStore, *countingStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	primary := &countingStore{MemoryStore: NewMemoryStore()}
	return NewCachedStore(primary, rdb, time.Minute), primary
}

func TestCachedStore_ReadThrough(t *testing.T) {
	cs, primary := newCachedStore(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	if err := cs.InsertAuditEntry(ctx, entry("e1", "tier:PRO", base)); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		got, err := cs.ListAuditEntries(ctx, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 1 || got[0].ID != "e1" {
			t.Fatalf("read %d = %+v", i, got)
		}
	}
	if primary.reads != 1 {
		t.Errorf("primary reads = %d, want 1", primary.reads)
	}

	if err := cs.InsertAuditEntry(ctx, entry("e2", "tier:PRO", base.Add(time.Minute))); err != nil {
		t.Fatal(err)
	}
	got, err := cs.ListAuditEntries(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "e2" {
		t.Errorf("insert did not invalidate: %+v", got)
	}

	byTarget, err := cs.ListAuditEntriesByTarget(ctx, "tier:PRO", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(byTarget) != 1 || byTarget[0].ID != "e2" {
		t.Errorf("by target = %+v", byTarget)
	}
}

func TestCachedStore_SlowReaderCannotCacheStaleList(t *testing.T) {
	cs, primary := newCachedStore(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	if err := cs.InsertAuditEntry(ctx, entry("e1", "t", base)); err != nil {
		t.Fatal(err)
	}
	// The write lands after the reader loaded but before it fills the cache.
	primary.afterLoad = func() {
		if err := cs.InsertAuditEntry(ctx, entry("e2", "t", base.Add(time.Minute))); err != nil {
			t.Fatal(err)
		}
	}
	stale, err := cs.ListAuditEntries(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 1 {
		t.Fatalf("slow read = %+v", stale)
	}

	got, err := cs.ListAuditEntries(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "e2" {
		t.Errorf("stale list served from cache: %+v", got)
	}
}

func TestCachedStore_DeepReadsBypassCache(t *testing.T) {
	cs, primary := newCachedStore(t)
	ctx := context.Background()

	if _, err := cs.ListAuditEntries(ctx, cacheDepth+1); err != nil {
		t.Fatal(err)
	}
	if _, err := cs.ListAuditEntries(ctx, cacheDepth+1); err != nil {
		t.Fatal(err)
	}
	if primary.reads != 2 {
		t.Errorf("primary reads = %d, want 2", primary.reads)
	}
}
