package store

import (
	"context"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS items (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		content_ref TEXT NOT NULL,
		size_bytes BIGINT NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'uploaded',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_items_created_at ON items (created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS item_events (
		seq BIGSERIAL PRIMARY KEY,
		item_id UUID NOT NULL REFERENCES items (id) ON DELETE CASCADE,
		ts TIMESTAMPTZ NOT NULL,
		message TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_item_events_item ON item_events (item_id, seq)`,
	`CREATE TABLE IF NOT EXISTS jobs (
		id UUID PRIMARY KEY,
		item_id UUID NOT NULL,
		kind TEXT NOT NULL,
		attempts INT NOT NULL DEFAULT 0,
		max_attempts INT NOT NULL,
		outcome TEXT NOT NULL DEFAULT 'pending',
		next_run_at TIMESTAMPTZ NOT NULL,
		last_error TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_outcome_updated ON jobs (outcome, updated_at)`,
}

// RunMigrations applies the schema. Statements are idempotent so both the API
// and worker processes can run this at startup in any order.
func (s *Store) RunMigrations(ctx context.Context) error {
	for i, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement %d: %w", i, err)
		}
	}
	return nil
}
