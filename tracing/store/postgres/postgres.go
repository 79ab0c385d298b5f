// Package postgres implements store.Store against a real Postgres server
// via pgx, as an alternative backend to the sqlite package for deployments
// that already run Postgres for everything else.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vllora/gateway/tracing/store"
)

// Store persists spans to Postgres via a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// New connects to dsn (a standard postgres:// connection string) and
// returns a ready Store. Call Init before first use.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Init creates the spans table if it doesn't already exist.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS spans (
		span_id TEXT PRIMARY KEY,
		trace_id TEXT NOT NULL,
		parent_span_id TEXT,
		run_id TEXT,
		thread_id TEXT NOT NULL,
		project_id TEXT,
		operation TEXT NOT NULL,
		start_us BIGINT NOT NULL,
		finish_us BIGINT NOT NULL,
		attribute JSONB
	)`)
	if err != nil {
		return fmt.Errorf("postgres: create spans table: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_spans_trace ON spans(trace_id)`); err != nil {
		return fmt.Errorf("postgres: create trace index: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_spans_thread ON spans(thread_id, start_us)`); err != nil {
		return fmt.Errorf("postgres: create thread index: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_spans_project ON spans(project_id, thread_id, start_us)`); err != nil {
		return fmt.Errorf("postgres: create project index: %w", err)
	}
	return nil
}

func (s *Store) SaveSpan(ctx context.Context, rec store.SpanRecord) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO spans
		(span_id, trace_id, parent_span_id, run_id, thread_id, project_id, operation, start_us, finish_us, attribute)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (span_id) DO UPDATE SET
			parent_span_id = excluded.parent_span_id,
			finish_us = excluded.finish_us,
			attribute = excluded.attribute`,
		rec.SpanID, rec.TraceID, nullable(rec.ParentSpanID), nullable(rec.RunID),
		rec.ThreadID, nullable(rec.ProjectID), rec.Operation,
		rec.StartUS, rec.FinishUS, rec.Attribute)
	if err != nil {
		return fmt.Errorf("postgres: save span: %w", err)
	}
	return nil
}

func (s *Store) GetSpan(ctx context.Context, spanID string) (store.SpanRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT span_id, trace_id, COALESCE(parent_span_id,''),
		COALESCE(run_id,''), thread_id, COALESCE(project_id,''), operation,
		start_us, finish_us, COALESCE(attribute::text,'')
		FROM spans WHERE span_id = $1`, spanID)
	var rec store.SpanRecord
	var attr string
	if err := row.Scan(&rec.SpanID, &rec.TraceID, &rec.ParentSpanID, &rec.RunID, &rec.ThreadID,
		&rec.ProjectID, &rec.Operation, &rec.StartUS, &rec.FinishUS, &attr); err != nil {
		if err.Error() == "no rows in result set" {
			return store.SpanRecord{}, store.ErrNotFound
		}
		return store.SpanRecord{}, fmt.Errorf("postgres: get span: %w", err)
	}
	rec.Attribute = []byte(attr)
	return rec, nil
}

func (s *Store) ListSpans(ctx context.Context, q store.TraceQuery) ([]store.SpanRecord, error) {
	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	query := `SELECT span_id, trace_id, COALESCE(parent_span_id,''), COALESCE(run_id,''),
		thread_id, COALESCE(project_id,''), operation,
		start_us, finish_us, COALESCE(attribute::text,'') FROM spans WHERE TRUE`
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if q.TraceID != "" {
		query += ` AND trace_id = ` + arg(q.TraceID)
	}
	if q.ThreadID != "" {
		query += ` AND thread_id = ` + arg(q.ThreadID)
	}
	if q.ProjectID != "" {
		query += ` AND project_id = ` + arg(q.ProjectID)
	}
	if !q.Since.IsZero() {
		query += ` AND start_us >= ` + arg(uint64(q.Since.UnixMicro()))
	}
	if !q.Until.IsZero() {
		query += ` AND start_us <= ` + arg(uint64(q.Until.UnixMicro()))
	}
	query += fmt.Sprintf(` ORDER BY start_us ASC LIMIT %s OFFSET %s`, arg(limit), arg(offset))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list spans: %w", err)
	}
	defer rows.Close()

	var out []store.SpanRecord
	for rows.Next() {
		var rec store.SpanRecord
		var attr string
		if err := rows.Scan(&rec.SpanID, &rec.TraceID, &rec.ParentSpanID, &rec.RunID, &rec.ThreadID,
			&rec.ProjectID, &rec.Operation, &rec.StartUS, &rec.FinishUS, &attr); err != nil {
			return nil, fmt.Errorf("postgres: scan span: %w", err)
		}
		rec.Attribute = []byte(attr)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
