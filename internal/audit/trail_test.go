package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/atmx/control-plane/internal/model"
	"github.com/atmx/control-plane/internal/store"
)

type failingStore struct{ store.Store }

func (failingStore) InsertAuditEntry(context.Context, *model.AuditEntry) error {
	return errors.New("disk full")
}

func TestRecord_StampsAndPersists(t *testing.T) {
	at := time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)
	ms := store.NewMemoryStore()
	tr := NewTrail(ms, func() time.Time { return at })

	e, err := tr.Record(context.Background(), model.ActionKillSwitchActivated, "alice", "tier:PRO", "manual halt")
	if err != nil {
		t.Fatal(err)
	}
	if e.ID == "" || !e.Timestamp.Equal(at) {
		t.Errorf("entry = %+v", e)
	}

	got, _ := tr.Recent(context.Background(), "", 10)
	if len(got) != 1 || got[0].Operator != "alice" || got[0].Reason != "manual halt" {
		t.Errorf("recent = %+v", got)
	}
	byTarget, _ := tr.Recent(context.Background(), "tier:PRO", 10)
	if len(byTarget) != 1 {
		t.Errorf("by target = %+v", byTarget)
	}
}

func TestRecord_RequiresOperator(t *testing.T) {
	tr := NewTrail(store.NewMemoryStore(), nil)
	if _, err := tr.Record(context.Background(), model.ActionAccountReset, "", "x", "y"); !errors.Is(err, ErrMissingOperator) {
		t.Errorf("expected ErrMissingOperator, got %v", err)
	}
}

func TestRecord_StoreErrorWrapped(t *testing.T) {
	tr := NewTrail(failingStore{}, nil)
	_, err := tr.Record(context.Background(), model.ActionQueuesCleared, "ops", "queues", "drain")
	if err == nil {
		t.Fatal("expected error")
	}
}
