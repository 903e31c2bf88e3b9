// Package audit records administrative overrides and automatic
// stop-the-world actions with operator identity, reason and timestamp.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/control-plane/internal/model"
	"github.com/atmx/control-plane/internal/store"
)

// SystemOperator is the operator recorded for automatic actions.
const SystemOperator = "risk-engine"

var ErrMissingOperator = errors.New("audit: operator is required")

// Trail writes audit entries to a store.
type Trail struct {
	store store.Store
	now   func() time.Time
}

// NewTrail creates a trail backed by st. A nil now uses time.Now.
func NewTrail(st store.Store, now func() time.Time) *Trail {
	if now == nil {
		now = time.Now
	}
	return &Trail{store: st, now: now}
}

// Record builds an entry stamped with an ID and timestamp, logs it and
// persists it.
func (t *Trail) Record(ctx context.Context, action, operator, target, reason string) (model.AuditEntry, error) {
	if operator == "" {
		return model.AuditEntry{}, ErrMissingOperator
	}
	e := model.AuditEntry{
		ID:        uuid.NewString(),
		Action:    action,
		Operator:  operator,
		Target:    target,
		Reason:    reason,
		Timestamp: t.now().UTC(),
	}

	slog.Warn("audit",
		"id", e.ID,
		"action", e.Action,
		"operator", e.Operator,
		"target", e.Target,
		"reason", e.Reason,
	)

	if err := t.store.InsertAuditEntry(ctx, &e); err != nil {
		return e, fmt.Errorf("audit: persist %s: %w", e.Action, err)
	}
	return e, nil
}

// Recent returns the newest entries first. target may be empty.
func (t *Trail) Recent(ctx context.Context, target string, limit int) ([]model.AuditEntry, error) {
	if target != "" {
		return t.store.ListAuditEntriesByTarget(ctx, target, limit)
	}
	return t.store.ListAuditEntries(ctx, limit)
}
