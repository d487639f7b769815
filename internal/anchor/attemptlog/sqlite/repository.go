// Package sqlite provides a SQLite-backed implementation of
// attemptlog.Repository.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jcmexdev/agri-traceability/internal/anchor/attemptlog"

	// Pure-Go driver: no CGO needed in the container image.
	_ "modernc.org/sqlite"
)

// The table is append-only: each row is one immutable attempt.
const schema = `
CREATE TABLE IF NOT EXISTS anchor_attempts (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,

    -- "<event_type>:<batch_id>"; one submission spans several rows.
    attempt_key   TEXT    NOT NULL,
    event_type    TEXT    NOT NULL,
    batch_id      TEXT    NOT NULL,
    content_hash  TEXT    NOT NULL,

    attempt_no    INTEGER NOT NULL,
    outcome       TEXT    NOT NULL,

    -- backoff slept before this attempt, in milliseconds
    delay_ms      INTEGER NOT NULL DEFAULT 0,

    tx_id         TEXT    NOT NULL DEFAULT '',
    error_message TEXT    NOT NULL DEFAULT '',
    trace_id      TEXT    NOT NULL DEFAULT '',
    span_id       TEXT    NOT NULL DEFAULT '',

    -- unix nanoseconds, UTC
    at_unix_ns    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_anchor_attempts_key ON anchor_attempts(attempt_key, id);
CREATE INDEX IF NOT EXISTS idx_anchor_attempts_trace ON anchor_attempts(trace_id);
`

var _ attemptlog.Repository = (*Repository)(nil)

// Repository is the SQLite implementation of attemptlog.Repository.
type Repository struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*Repository, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite: attempt log path is required")
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: apply attempt log schema: %w", err)
	}
	return &Repository{db: db}, nil
}

// Close releases the database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Save appends one attempt row. It is safe to call concurrently.
func (r *Repository) Save(ctx context.Context, a *attemptlog.Attempt) error {
	const q = `
		INSERT INTO anchor_attempts
			(attempt_key, event_type, batch_id, content_hash, attempt_no, outcome,
			 delay_ms, tx_id, error_message, trace_id, span_id, at_unix_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, q,
		a.Key, a.EventType, a.BatchID, a.ContentHash, a.Number, string(a.Outcome),
		a.Delay.Milliseconds(), a.TxID, a.Error, a.TraceID, a.SpanID, a.At.UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: save anchor attempt for %q: %w", a.Key, err)
	}
	return nil
}

// List returns every attempt recorded for key in insertion order.
func (r *Repository) List(ctx context.Context, key string) ([]attemptlog.Attempt, error) {
	const q = `
		SELECT attempt_key, event_type, batch_id, content_hash, attempt_no, outcome,
		       delay_ms, tx_id, error_message, trace_id, span_id, at_unix_ns
		FROM   anchor_attempts
		WHERE  attempt_key = ?
		ORDER  BY id`

	rows, err := r.db.QueryContext(ctx, q, key)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list anchor attempts for %q: %w", key, err)
	}
	defer rows.Close()

	var out []attemptlog.Attempt
	for rows.Next() {
		var a attemptlog.Attempt
		var outcome string
		var delayMs, atNs int64
		if err := rows.Scan(&a.Key, &a.EventType, &a.BatchID, &a.ContentHash, &a.Number, &outcome,
			&delayMs, &a.TxID, &a.Error, &a.TraceID, &a.SpanID, &atNs); err != nil {
			return nil, fmt.Errorf("sqlite: scan anchor attempt: %w", err)
		}
		a.Outcome = attemptlog.Outcome(outcome)
		a.Delay = time.Duration(delayMs) * time.Millisecond
		a.At = time.Unix(0, atNs).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}
