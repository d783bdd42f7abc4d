// Package spool provides the WAL-mode SQLite-backed telemetry spool. Metric
// snapshots are persisted on Enqueue and stay in the spool across restarts
// until MarkSent removes them or MarkFailed exhausts their retries, so no
// sample is lost while the backend is unreachable.
//
// # WAL mode
//
// The database is opened with PRAGMA journal_mode = WAL so the sampler
// goroutine can Enqueue while the publisher goroutine runs Dequeue and
// MarkSent without the two blocking each other.
//
// # Bounded size
//
// The spool holds at most maxSize entries. When a new snapshot arrives at
// capacity the oldest entry is discarded, so a long backend outage costs the
// oldest data rather than the disk.
package spool

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// DefaultMaxSize bounds the spool when the caller passes maxSize <= 0.
const DefaultMaxSize = 1000

// Spool is a bounded, durable FIFO of serialized metric snapshots. It is
// safe for concurrent use.
type Spool struct {
	db      *sql.DB
	maxSize int
	logger  *slog.Logger
	size    atomic.Int64
	dropped atomic.Int64
}

// Entry is one pending snapshot returned by Dequeue. ID is the database
// primary key used by MarkSent and MarkFailed.
type Entry struct {
	ID         int64
	Timestamp  time.Time
	Payload    json.RawMessage
	RetryCount int
}

// Stats summarises the spool for the control API.
type Stats struct {
	Total        int         `json:"total"`
	ByRetryCount map[int]int `json:"by_retry_count"`
	Oldest       *time.Time  `json:"oldest_timestamp,omitempty"`
	Dropped      int64       `json:"dropped"`
}

// Open opens (or creates) the spool database at path, enables WAL journal
// mode, and applies the schema. The parent directory is created when missing.
// ":memory:" is accepted for tests.
//
// The size counter is seeded from the current row count so Size is accurate
// immediately after a restart.
func Open(path string, maxSize int, logger *slog.Logger) (*Spool, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("spool: create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("spool: open %q: %w", path, err)
	}

	// SQLite allows one writer at a time; a single pooled connection keeps
	// concurrent Enqueue/MarkSent calls from hitting "database is locked".
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("spool: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("spool: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("spool: apply schema: %w", err)
	}

	s := &Spool{db: db, maxSize: maxSize, logger: logger}

	var count int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM telemetry_queue`).Scan(&count); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("spool: count rows: %w", err)
	}
	s.size.Store(count)

	return s, nil
}

const ddl = `
CREATE TABLE IF NOT EXISTS telemetry_queue (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp       TEXT    NOT NULL,
    payload         TEXT    NOT NULL,
    retry_count     INTEGER NOT NULL DEFAULT 0,
    created_at      TEXT    NOT NULL,
    last_attempt_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_telemetry_queue_ts
    ON telemetry_queue (timestamp);
CREATE INDEX IF NOT EXISTS idx_telemetry_queue_retry
    ON telemetry_queue (retry_count);
`

// Enqueue persists one snapshot payload stamped with ts. When the spool is at
// capacity the oldest entry is deleted first; the eviction is logged at WARN,
// counted, and surfaced through Stats.
func (s *Spool) Enqueue(ctx context.Context, ts time.Time, payload []byte) (int64, error) {
	if !json.Valid(payload) {
		return 0, fmt.Errorf("spool: enqueue: payload is not valid JSON")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("spool: begin enqueue: %w", err)
	}
	defer tx.Rollback()

	var count int64
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM telemetry_queue`).Scan(&count); err != nil {
		return 0, fmt.Errorf("spool: count: %w", err)
	}
	evicted := int64(0)
	if count >= int64(s.maxSize) {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM telemetry_queue WHERE id IN (
				SELECT id FROM telemetry_queue ORDER BY timestamp ASC, id ASC LIMIT ?
			)`, count-int64(s.maxSize)+1)
		if err != nil {
			return 0, fmt.Errorf("spool: evict oldest: %w", err)
		}
		evicted, _ = res.RowsAffected()
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO telemetry_queue (timestamp, payload, created_at)
		VALUES (?, ?, ?)`,
		ts.UTC().Format(time.RFC3339Nano),
		string(payload),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("spool: insert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("spool: last insert id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("spool: commit enqueue: %w", err)
	}

	s.size.Add(1 - evicted)
	if evicted > 0 {
		s.dropped.Add(evicted)
		s.logger.Warn("spool: at capacity, evicted oldest entries",
			slog.Int64("evicted", evicted), slog.Int("max_size", s.maxSize))
	}
	return id, nil
}

// Dequeue returns up to n entries in FIFO order (oldest timestamp first)
// without removing them; call MarkSent or MarkFailed with the returned IDs.
// Rows whose payload is no longer valid JSON are deleted and skipped so one
// corrupt row cannot wedge the publisher.
func (s *Spool) Dequeue(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, payload, retry_count
		FROM   telemetry_queue
		ORDER  BY timestamp ASC, id ASC
		LIMIT  ?`, n)
	if err != nil {
		return nil, fmt.Errorf("spool: dequeue query: %w", err)
	}
	defer rows.Close()

	var (
		entries []Entry
		corrupt []int64
	)
	for rows.Next() {
		var (
			e     Entry
			tsStr string
			body  string
		)
		if err := rows.Scan(&e.ID, &tsStr, &body, &e.RetryCount); err != nil {
			return nil, fmt.Errorf("spool: dequeue scan: %w", err)
		}
		if !json.Valid([]byte(body)) {
			corrupt = append(corrupt, e.ID)
			continue
		}
		e.Payload = json.RawMessage(body)
		e.Timestamp, err = time.Parse(time.RFC3339Nano, tsStr)
		if err != nil {
			e.Timestamp, _ = time.Parse(time.RFC3339, tsStr)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("spool: dequeue rows: %w", err)
	}

	if len(corrupt) > 0 {
		if err := s.deleteIDs(ctx, corrupt); err != nil {
			return entries, fmt.Errorf("spool: drop corrupt rows: %w", err)
		}
		s.dropped.Add(int64(len(corrupt)))
	}
	return entries, nil
}

// MarkSent removes successfully published entries. Idempotent.
func (s *Spool) MarkSent(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.deleteIDs(ctx, ids); err != nil {
		return fmt.Errorf("spool: mark sent: %w", err)
	}
	return nil
}

// MarkFailed records one failed publish attempt for id. The retry count is
// incremented and the attempt timestamp updated; once the count reaches
// maxRetries the entry is discarded. The boolean reports whether the entry
// was discarded.
func (s *Spool) MarkFailed(ctx context.Context, id int64, maxRetries int) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("spool: begin mark failed: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE telemetry_queue
		SET    retry_count = retry_count + 1, last_attempt_at = ?
		WHERE  id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), id,
	); err != nil {
		return false, fmt.Errorf("spool: increment retry: %w", err)
	}

	var retries int
	err = tx.QueryRowContext(ctx, `SELECT retry_count FROM telemetry_queue WHERE id = ?`, id).Scan(&retries)
	if err == sql.ErrNoRows {
		return false, tx.Commit()
	}
	if err != nil {
		return false, fmt.Errorf("spool: read retry count: %w", err)
	}

	discarded := false
	if retries >= maxRetries {
		if _, err := tx.ExecContext(ctx, `DELETE FROM telemetry_queue WHERE id = ?`, id); err != nil {
			return false, fmt.Errorf("spool: discard exhausted entry: %w", err)
		}
		discarded = true
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("spool: commit mark failed: %w", err)
	}
	if discarded {
		s.size.Add(-1)
		s.dropped.Add(1)
	}
	return discarded, nil
}

// Size returns the number of pending entries from an atomic counter
// maintained by Enqueue, MarkSent and MarkFailed. It never blocks.
func (s *Spool) Size() int {
	return int(s.size.Load())
}

// Stats reports the pending total, distribution by retry count, the oldest
// pending timestamp and the number of entries dropped since Open.
func (s *Spool) Stats(ctx context.Context) (Stats, error) {
	st := Stats{ByRetryCount: map[int]int{}, Dropped: s.dropped.Load()}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM telemetry_queue`).Scan(&st.Total); err != nil {
		return st, fmt.Errorf("spool: stats count: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT retry_count, COUNT(*) FROM telemetry_queue
		GROUP BY retry_count ORDER BY retry_count`)
	if err != nil {
		return st, fmt.Errorf("spool: stats retries: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var retries, count int
		if err := rows.Scan(&retries, &count); err != nil {
			return st, fmt.Errorf("spool: stats scan: %w", err)
		}
		st.ByRetryCount[retries] = count
	}
	if err := rows.Err(); err != nil {
		return st, fmt.Errorf("spool: stats rows: %w", err)
	}

	var tsStr string
	err = s.db.QueryRowContext(ctx, `
		SELECT timestamp FROM telemetry_queue ORDER BY timestamp ASC LIMIT 1`).Scan(&tsStr)
	if err == nil {
		if ts, perr := time.Parse(time.RFC3339Nano, tsStr); perr == nil {
			st.Oldest = &ts
		}
	} else if err != sql.ErrNoRows {
		return st, fmt.Errorf("spool: stats oldest: %w", err)
	}
	return st, nil
}

// Close closes the underlying database. The spool must not be used after
// Close returns.
func (s *Spool) Close() error {
	return s.db.Close()
}

func (s *Spool) deleteIDs(ctx context.Context, ids []int64) error {
	query := `DELETE FROM telemetry_queue WHERE id IN (`
	args := make([]any, len(ids))
	for i, id := range ids {
		if i > 0 {
			query += ","
		}
		query += "?"
		args[i] = id
	}
	query += ")"

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	s.size.Add(-n)
	return nil
}
