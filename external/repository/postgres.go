package repository

import (
	"context"
	"time"

	"github.com/foxseedlab/ingestbridge/internal/lifecycle"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const sessionColumns = `source, instance_id, session_id, title, group_tag, started_at, ended_at, ingested, created_at`

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) lifecycle.Store {
	return &PostgresStore{pool: pool}
}

func (r *PostgresStore) Create(ctx context.Context, s lifecycle.Session) (bool, error) {
	if err := lifecycle.Validate(s); err != nil {
		return false, err
	}
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO ingest_sessions (source, instance_id, session_id, title, group_tag, started_at, ended_at, ingested)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (source, instance_id) DO NOTHING`,
		string(s.Source), s.InstanceID, s.SessionID, s.Title, s.GroupTag, s.StartedAt, s.EndedAt, s.Ingested)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresStore) FindActive(ctx context.Context, source lifecycle.Source) ([]lifecycle.Session, error) {
	return r.query(ctx,
		`SELECT `+sessionColumns+` FROM ingest_sessions
		 WHERE source = $1 AND ended_at IS NULL
		 ORDER BY started_at ASC, instance_id ASC`,
		string(source))
}

func (r *PostgresStore) FindEndedNotIngested(ctx context.Context, source lifecycle.Source) ([]lifecycle.Session, error) {
	return r.query(ctx,
		`SELECT `+sessionColumns+` FROM ingest_sessions
		 WHERE source = $1 AND ended_at IS NOT NULL AND ingested = FALSE
		 ORDER BY started_at ASC, instance_id ASC`,
		string(source))
}

func (r *PostgresStore) FindEndedAndIngested(ctx context.Context, source lifecycle.Source) ([]lifecycle.Session, error) {
	return r.query(ctx,
		`SELECT `+sessionColumns+` FROM ingest_sessions
		 WHERE source = $1 AND ended_at IS NOT NULL AND ingested = TRUE
		 ORDER BY started_at ASC, instance_id ASC`,
		string(source))
}

func (r *PostgresStore) MarkEnded(ctx context.Context, source lifecycle.Source, instanceIDs []string, at time.Time) (int64, error) {
	if len(instanceIDs) == 0 {
		return 0, nil
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE ingest_sessions SET ended_at = GREATEST($3::timestamptz, started_at)
		 WHERE source = $1 AND instance_id = ANY($2) AND ended_at IS NULL`,
		string(source), instanceIDs, at)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *PostgresStore) MarkIngested(ctx context.Context, source lifecycle.Source, instanceIDs []string) (int64, error) {
	if len(instanceIDs) == 0 {
		return 0, nil
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE ingest_sessions SET ingested = TRUE
		 WHERE source = $1 AND instance_id = ANY($2) AND ingested = FALSE`,
		string(source), instanceIDs)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *PostgresStore) Delete(ctx context.Context, source lifecycle.Source, instanceIDs []string) (int64, error) {
	if len(instanceIDs) == 0 {
		return 0, nil
	}
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM ingest_sessions
		 WHERE source = $1 AND instance_id = ANY($2) AND ended_at IS NOT NULL AND ingested = TRUE`,
		string(source), instanceIDs)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *PostgresStore) query(ctx context.Context, sql string, args ...any) ([]lifecycle.Session, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []lifecycle.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, rows.Err()
}

func scanSession(row pgx.Row) (lifecycle.Session, error) {
	var s lifecycle.Session
	var source string
	var endedAt *time.Time
	if err := row.Scan(&source, &s.InstanceID, &s.SessionID, &s.Title, &s.GroupTag, &s.StartedAt, &endedAt, &s.Ingested, &s.CreatedAt); err != nil {
		return lifecycle.Session{}, err
	}
	s.Source = lifecycle.Source(source)
	s.EndedAt = endedAt
	return s, nil
}
