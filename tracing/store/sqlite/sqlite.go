// Package sqlite implements store.Store with pure-Go SQLite, using a
// single shared connection (SetMaxOpenConns(1)) so concurrent span writers
// serialize through one connection instead of tripping SQLITE_BUSY.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/vllora/gateway/telemetry"
	"github.com/vllora/gateway/tracing/store"

	_ "modernc.org/sqlite"
)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets a telemetry.Logger for debug-level store operations.
func WithLogger(l telemetry.Logger) Option {
	return func(s *Store) { s.log = l }
}

// Store persists spans to a local SQLite file (or :memory:).
type Store struct {
	db  *sql.DB
	log telemetry.Logger
}

var _ store.Store = (*Store)(nil)

// New opens dsn (e.g. "file:gateway.db?cache=shared" or
// "file::memory:?cache=shared") with a single-connection pool: one
// connection eliminates SQLITE_BUSY from concurrent span writers without
// needing WAL-mode tuning.
func New(dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, log: telemetry.NewNop()}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Init creates the spans table if it doesn't already exist.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS spans (
		span_id TEXT PRIMARY KEY,
		trace_id TEXT NOT NULL,
		parent_span_id TEXT,
		run_id TEXT,
		thread_id TEXT NOT NULL,
		project_id TEXT,
		operation TEXT NOT NULL,
		start_us INTEGER NOT NULL,
		finish_us INTEGER NOT NULL,
		attribute TEXT
	)`)
	if err != nil {
		return fmt.Errorf("sqlite: create spans table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_spans_trace ON spans(trace_id)`); err != nil {
		return fmt.Errorf("sqlite: create trace index: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_spans_thread ON spans(thread_id, start_us)`); err != nil {
		return fmt.Errorf("sqlite: create thread index: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_spans_project ON spans(project_id, thread_id, start_us)`); err != nil {
		return fmt.Errorf("sqlite: create project index: %w", err)
	}
	return nil
}

func (s *Store) SaveSpan(ctx context.Context, rec store.SpanRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO spans
		(span_id, trace_id, parent_span_id, run_id, thread_id, project_id, operation, start_us, finish_us, attribute)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(span_id) DO UPDATE SET
			parent_span_id=excluded.parent_span_id,
			finish_us=excluded.finish_us,
			attribute=excluded.attribute`,
		rec.SpanID, rec.TraceID, nullable(rec.ParentSpanID), nullable(rec.RunID),
		rec.ThreadID, nullable(rec.ProjectID), rec.Operation,
		rec.StartUS, rec.FinishUS, string(rec.Attribute))
	if err != nil {
		return fmt.Errorf("sqlite: save span: %w", err)
	}
	return nil
}

func (s *Store) GetSpan(ctx context.Context, spanID string) (store.SpanRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT span_id, trace_id, COALESCE(parent_span_id,''),
		COALESCE(run_id,''), thread_id, COALESCE(project_id,''), operation,
		start_us, finish_us, COALESCE(attribute,'')
		FROM spans WHERE span_id = ?`, spanID)
	var rec store.SpanRecord
	var attr string
	if err := row.Scan(&rec.SpanID, &rec.TraceID, &rec.ParentSpanID, &rec.RunID, &rec.ThreadID,
		&rec.ProjectID, &rec.Operation, &rec.StartUS, &rec.FinishUS, &attr); err != nil {
		if err == sql.ErrNoRows {
			return store.SpanRecord{}, store.ErrNotFound
		}
		return store.SpanRecord{}, fmt.Errorf("sqlite: get span: %w", err)
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
		start_us, finish_us, COALESCE(attribute,'') FROM spans WHERE 1=1`
	args := []any{}
	if q.TraceID != "" {
		query += ` AND trace_id = ?`
		args = append(args, q.TraceID)
	}
	if q.ThreadID != "" {
		query += ` AND thread_id = ?`
		args = append(args, q.ThreadID)
	}
	if q.ProjectID != "" {
		query += ` AND project_id = ?`
		args = append(args, q.ProjectID)
	}
	if !q.Since.IsZero() {
		query += ` AND start_us >= ?`
		args = append(args, uint64(q.Since.UnixMicro()))
	}
	if !q.Until.IsZero() {
		query += ` AND start_us <= ?`
		args = append(args, uint64(q.Until.UnixMicro()))
	}
	query += ` ORDER BY start_us ASC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list spans: %w", err)
	}
	defer rows.Close()

	var out []store.SpanRecord
	for rows.Next() {
		var rec store.SpanRecord
		var attr string
		if err := rows.Scan(&rec.SpanID, &rec.TraceID, &rec.ParentSpanID, &rec.RunID, &rec.ThreadID,
			&rec.ProjectID, &rec.Operation, &rec.StartUS, &rec.FinishUS, &attr); err != nil {
			return nil, fmt.Errorf("sqlite: scan span: %w", err)
		}
		rec.Attribute = []byte(attr)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) Close() error { return s.db.Close() }

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
