package repository

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

var migrationStatements = []string{
	`DO $$ BEGIN CREATE TYPE session_source AS ENUM ('platform', 'device'); EXCEPTION WHEN duplicate_object THEN NULL; END $$`,
	`CREATE TABLE IF NOT EXISTS ingest_sessions (
		source session_source NOT NULL,
		instance_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		group_tag TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ,
		ingested BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (source, instance_id),
		CONSTRAINT ingest_sessions_end_after_start CHECK (ended_at IS NULL OR ended_at >= started_at)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ingest_sessions_active ON ingest_sessions (source) WHERE ended_at IS NULL`,
	`CREATE INDEX IF NOT EXISTS idx_ingest_sessions_pending ON ingest_sessions (source) WHERE ended_at IS NOT NULL AND ingested = FALSE`,
}

func RunMigration(ctx context.Context, pool *pgxpool.Pool) error {
	for _, s := range migrationStatements {
		stmt := strings.TrimSpace(s)
		if stmt == "" {
			continue
		}
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
