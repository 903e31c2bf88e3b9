package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/control-plane/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_entries (
	id         UUID PRIMARY KEY,
	action     TEXT        NOT NULL,
	operator   TEXT        NOT NULL,
	target     TEXT        NOT NULL,
	reason     TEXT        NOT NULL DEFAULT '',
	timestamp  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_entries_timestamp_idx ON audit_entries (timestamp DESC);
CREATE INDEX IF NOT EXISTS audit_entries_target_idx ON audit_entries (target, timestamp DESC);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the audit table and indexes if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate audit schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertAuditEntry(ctx context.Context, e *model.AuditEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_entries (id, action, operator, target, reason, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.Action, e.Operator, e.Target, e.Reason, e.Timestamp,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrDuplicateEntry, e.ID)
	}
	if err != nil {
		return fmt.Errorf("insert audit entry %s: %w", e.ID, err)
	}
	return nil
}

func (s *PostgresStore) ListAuditEntries(ctx context.Context, limit int) ([]model.AuditEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, action, operator, target, reason, timestamp
		 FROM audit_entries ORDER BY timestamp DESC LIMIT $1`, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	return collectEntries(rows)
}

func (s *PostgresStore) ListAuditEntriesByTarget(ctx context.Context, target string, limit int) ([]model.AuditEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, action, operator, target, reason, timestamp
		 FROM audit_entries WHERE target = $1 ORDER BY timestamp DESC LIMIT $2`,
		target, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list audit entries for %s: %w", target, err)
	}
	return collectEntries(rows)
}

func collectEntries(rows pgx.Rows) ([]model.AuditEntry, error) {
	entries, err := pgx.CollectRows(rows, pgx.RowToStructByPos[model.AuditEntry])
	if err != nil {
		return nil, fmt.Errorf("scan audit entries: %w", err)
	}
	if entries == nil {
		entries = []model.AuditEntry{}
	}
	return entries, nil
}
