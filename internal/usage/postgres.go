package usage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the SQL DDL for the usage_records table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS usage_records (
    id              TEXT PRIMARY KEY,
    session_id      TEXT NOT NULL,
    prompt_tokens   INTEGER NOT NULL DEFAULT 0,
    response_tokens INTEGER NOT NULL DEFAULT 0,
    total_tokens    INTEGER NOT NULL DEFAULT 0,
    recorded_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_usage_records_session ON usage_records(session_id, recorded_at);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
}

// PostgresStore is a [Store] backed by PostgreSQL.
type PostgresStore struct {
	db DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore returns a store using db. Call [PostgresStore.Migrate]
// before use.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgres connects a pool to dsn, verifies it and runs [PostgresStore.Migrate].
// The returned close function releases the pool.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, func(), error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("usage: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("usage: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("usage: ping: %w", err)
	}
	s := NewPostgresStore(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return s, pool.Close, nil
}

// Migrate creates the usage_records table and index if missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("usage: migrate: %w", err)
	}
	return nil
}

// Ping checks database connectivity. It backs the readiness probe.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("usage: ping: %w", err)
	}
	return nil
}

// Add implements [Store].
func (s *PostgresStore) Add(ctx context.Context, r Record) error {
	fill(&r)
	const query = `
		INSERT INTO usage_records (id, session_id, prompt_tokens, response_tokens, total_tokens, recorded_at)
		VALUES ($1,$2,$3,$4,$5,$6)`
	if _, err := s.db.Exec(ctx, query,
		r.ID, r.SessionID, r.PromptTokens, r.ResponseTokens, r.TotalTokens, r.RecordedAt,
	); err != nil {
		return fmt.Errorf("usage: add: %w", err)
	}
	return nil
}

// List implements [Store].
func (s *PostgresStore) List(ctx context.Context, sessionID string) ([]Record, error) {
	const query = `
		SELECT id, session_id, prompt_tokens, response_tokens, total_tokens, recorded_at
		FROM usage_records
		WHERE session_id = $1
		ORDER BY recorded_at`
	rows, err := s.db.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("usage: list: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.SessionID, &r.PromptTokens, &r.ResponseTokens, &r.TotalTokens, &r.RecordedAt); err != nil {
			return nil, fmt.Errorf("usage: list scan: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("usage: list: %w", err)
	}
	return out, nil
}

// SessionTotals implements [Store].
func (s *PostgresStore) SessionTotals(ctx context.Context, sessionID string) (Totals, error) {
	const query = `
		SELECT count(*), coalesce(sum(prompt_tokens), 0),
		       coalesce(sum(response_tokens), 0), coalesce(sum(total_tokens), 0)
		FROM usage_records
		WHERE session_id = $1`
	var t Totals
	if err := s.db.QueryRow(ctx, query, sessionID).Scan(
		&t.Records, &t.PromptTokens, &t.ResponseTokens, &t.TotalTokens,
	); err != nil {
		return Totals{}, fmt.Errorf("usage: totals: %w", err)
	}
	return t, nil
}
