// Package store defines the persistence interface for the control-plane
// audit trail. Implementations include PostgreSQL (source of truth), Redis
// (read-through cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/atmx/control-plane/internal/model"
)

var ErrDuplicateEntry = errors.New("store: duplicate audit entry")

// DefaultListLimit bounds list queries when the caller passes a limit <= 0.
const DefaultListLimit = 100

// Store is the persistence interface. Entries are append-only.
type Store interface {
	// InsertAuditEntry appends an immutable audit record.
	InsertAuditEntry(ctx context.Context, entry *model.AuditEntry) error

	// ListAuditEntries returns the most recent entries, newest first.
	ListAuditEntries(ctx context.Context, limit int) ([]model.AuditEntry, error)

	// ListAuditEntriesByTarget returns entries for one target, newest first.
	ListAuditEntriesByTarget(ctx context.Context, target string, limit int) ([]model.AuditEntry, error)
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}
