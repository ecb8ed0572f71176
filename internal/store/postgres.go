// Package store persists the core's durable state in the external
// document store and metrics sink (§3, §4.9, §8 "largely stateless":
// only metrics, error counters, the session audit log, and project file
// content survive a restart; pool state is recovered instead via
// adoption).
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/drape/core/internal/domain"
)

// MetricSample is one buffered observability record awaiting flush
// (§4.9: "buffered in memory; flushed to the external store every
// 30s. On flush failure, retain the last 50 records and retry; drop
// oldest on overflow").
type MetricSample struct {
	Name      string
	Value     float64
	Labels    map[string]string
	At        time.Time
}

// SessionAuditEntry records one preview-session state transition for
// later inspection (supplements §4.7's in-memory state machine with a
// durable trail, grounded on the teacher's invocation_logs table).
type SessionAuditEntry struct {
	SessionID  string
	ProjectID  string
	MachineID  string
	Step       string
	Success    bool
	DurationMs int64
	CacheTier  string
	Error      string
	At         time.Time
}

// PostgresStore is the document store / metrics sink backed by
// PostgreSQL, following the teacher's pgxpool + ensureSchema
// constructor idiom.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	s := &PostgresStore{pool: pool}

	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres not initialized")
	}
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS project_files (
			project_id TEXT NOT NULL,
			path TEXT NOT NULL,
			content BYTEA NOT NULL,
			mode INTEGER NOT NULL DEFAULT 420,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (project_id, path)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_project_files_project ON project_files(project_id)`,
		`CREATE TABLE IF NOT EXISTS session_audit_log (
			id BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			machine_id TEXT,
			step TEXT NOT NULL,
			success BOOLEAN NOT NULL,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			cache_tier TEXT,
			error_message TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_session_audit_session ON session_audit_log(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_session_audit_created ON session_audit_log(created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS metric_samples (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			value DOUBLE PRECISION NOT NULL,
			labels JSONB,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_metric_samples_name_time ON metric_samples(name, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS error_counters (
			class TEXT NOT NULL,
			bucket_minute TIMESTAMPTZ NOT NULL,
			count INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (class, bucket_minute)
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// ListFiles implements filesync.Store, reading the document store's
// current file set for a project.
func (s *PostgresStore) ListFiles(ctx context.Context, projectID string) ([]domain.File, error) {
	rows, err := s.pool.Query(ctx, `SELECT path, content, mode FROM project_files WHERE project_id = $1`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list project files: %w", err)
	}
	defer rows.Close()

	var files []domain.File
	for rows.Next() {
		var f domain.File
		var mode int32
		if err := rows.Scan(&f.Path, &f.Content, &mode); err != nil {
			return nil, fmt.Errorf("scan project file: %w", err)
		}
		f.Mode = uint32(mode)
		files = append(files, f)
	}
	return files, rows.Err()
}

// PutFile upserts one project file, used by the sync endpoints the
// spec reserves for document-store writes (§3: "immutable from the
// core's point of view except through explicit sync endpoints").
func (s *PostgresStore) PutFile(ctx context.Context, projectID string, f domain.File) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO project_files (project_id, path, content, mode, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (project_id, path) DO UPDATE SET content = $3, mode = $4, updated_at = NOW()
	`, projectID, f.Path, f.Content, int32(f.Mode))
	if err != nil {
		return fmt.Errorf("put project file: %w", err)
	}
	return nil
}

// AppendSessionAudit persists one session-transition record.
func (s *PostgresStore) AppendSessionAudit(ctx context.Context, e SessionAuditEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO session_audit_log (session_id, project_id, machine_id, step, success, duration_ms, cache_tier, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.SessionID, e.ProjectID, e.MachineID, e.Step, e.Success, e.DurationMs, e.CacheTier, e.Error, e.At)
	if err != nil {
		return fmt.Errorf("append session audit: %w", err)
	}
	return nil
}

// FlushMetrics writes a batch of buffered metric samples, one INSERT
// per sample and no transaction (§4.9 30s flush cadence); it stops at
// the first failed insert, leaving earlier samples written.
func (s *PostgresStore) FlushMetrics(ctx context.Context, samples []MetricSample) error {
	for _, m := range samples {
		labels, err := json.Marshal(m.Labels)
		if err != nil {
			return fmt.Errorf("marshal metric labels: %w", err)
		}
		if _, err := s.pool.Exec(ctx, `
			INSERT INTO metric_samples (name, value, labels, created_at) VALUES ($1, $2, $3, $4)
		`, m.Name, m.Value, labels, m.At); err != nil {
			return fmt.Errorf("flush metric sample: %w", err)
		}
	}
	return nil
}

// IncrementErrorCounter bumps the per-class, per-minute error counter
// used by §4.9's alerting window.
func (s *PostgresStore) IncrementErrorCounter(ctx context.Context, class string, at time.Time) error {
	bucket := at.Truncate(time.Minute)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO error_counters (class, bucket_minute, count) VALUES ($1, $2, 1)
		ON CONFLICT (class, bucket_minute) DO UPDATE SET count = error_counters.count + 1
	`, class, bucket)
	if err != nil {
		return fmt.Errorf("increment error counter: %w", err)
	}
	return nil
}

// StatsSince aggregates per-class error counts over the last `since`
// window, backing GET /metrics/stats.
func (s *PostgresStore) StatsSince(ctx context.Context, since time.Time) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT class, SUM(count) FROM error_counters WHERE bucket_minute >= $1 GROUP BY class
	`, since)
	if err != nil {
		return nil, fmt.Errorf("query error stats: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var class string
		var count int64
		if err := rows.Scan(&class, &count); err != nil {
			return nil, fmt.Errorf("scan error stats: %w", err)
		}
		out[class] = count
	}
	return out, rows.Err()
}
