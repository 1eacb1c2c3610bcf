package memory

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id      TEXT PRIMARY KEY,
	started_at  TIMESTAMP NOT NULL,
	ended_at    TIMESTAMP,
	final_phase TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS phase_metrics (
	run_id      TEXT NOT NULL,
	phase       TEXT NOT NULL,
	duration_ms INTEGER NOT NULL,
	retries     INTEGER NOT NULL,
	tokens_in   INTEGER NOT NULL,
	tokens_out  INTEGER NOT NULL,
	outcome     TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS role_metrics (
	role        TEXT NOT NULL,
	model_id    TEXT NOT NULL,
	invocations INTEGER NOT NULL DEFAULT 0,
	tokens_in   INTEGER NOT NULL DEFAULT 0,
	tokens_out  INTEGER NOT NULL DEFAULT 0,
	failures    INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (role, model_id)
);
`

// SQLiteStore is the cross-session relational store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and applies
// the schema. ":memory:" works for tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open metrics db: %w", err)
	}
	// The store is single-writer (flow thread only); one connection
	// avoids sqlite lock contention.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply metrics schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// RecordRun upserts the run's lifetime row.
func (s *SQLiteStore) RecordRun(ctx context.Context, run RunRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, started_at, ended_at, final_phase)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (run_id) DO UPDATE SET
			ended_at = excluded.ended_at,
			final_phase = excluded.final_phase`,
		run.RunID, run.StartedAt, run.EndedAt, string(run.FinalPhase))
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

// RecordPhase appends one phase execution row.
func (s *SQLiteStore) RecordPhase(ctx context.Context, m PhaseMetric) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO phase_metrics (run_id, phase, duration_ms, retries, tokens_in, tokens_out, outcome)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.RunID, string(m.Phase), m.Duration.Milliseconds(), m.Retries, m.TokensIn, m.TokensOut, m.Outcome)
	if err != nil {
		return fmt.Errorf("record phase metric: %w", err)
	}
	return nil
}

// RecordRole accumulates usage onto the role/model row.
func (s *SQLiteStore) RecordRole(ctx context.Context, m RoleMetric) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO role_metrics (role, model_id, invocations, tokens_in, tokens_out, failures)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (role, model_id) DO UPDATE SET
			invocations = role_metrics.invocations + excluded.invocations,
			tokens_in   = role_metrics.tokens_in + excluded.tokens_in,
			tokens_out  = role_metrics.tokens_out + excluded.tokens_out,
			failures    = role_metrics.failures + excluded.failures`,
		m.Role, m.ModelID, m.Invocations, m.TokensIn, m.TokensOut, m.Failures)
	if err != nil {
		return fmt.Errorf("record role metric: %w", err)
	}
	return nil
}

// RoleMetrics returns the aggregated role/model rows.
func (s *SQLiteStore) RoleMetrics(ctx context.Context) ([]RoleMetric, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, model_id, invocations, tokens_in, tokens_out, failures
		FROM role_metrics ORDER BY role, model_id`)
	if err != nil {
		return nil, fmt.Errorf("query role metrics: %w", err)
	}
	defer rows.Close()

	var out []RoleMetric
	for rows.Next() {
		var m RoleMetric
		if err := rows.Scan(&m.Role, &m.ModelID, &m.Invocations, &m.TokensIn, &m.TokensOut, &m.Failures); err != nil {
			return nil, fmt.Errorf("scan role metric: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }
