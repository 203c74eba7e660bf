package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultQueueSize bounds the in-memory buffer between Publish and the
// background writer (SPEC_FULL.md §4.5 supplement — Non-goals excludes
// long-term audit storage from the core, not from the ambient sink).
const DefaultQueueSize = 1024

// SQLiteStore is an append-only, asynchronous DetectionSink backed by
// SQLite, adapted from elida's storage.SQLiteStore (WAL mode, migrate-on-
// open, RecordEvent-style inserts) and retargeted at validation records
// instead of session/CDR events.
type SQLiteStore struct {
	db     *sql.DB
	queue  chan Record
	done   chan struct{}
	closed chan struct{}
}

// NewSQLiteStore opens (creating if needed) a SQLite database at dbPath
// and starts the background writer goroutine.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sink: open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sink: enable WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		queue:  make(chan Record, DefaultQueueSize),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sink: migrate: %w", err)
	}

	go s.run()

	slog.Info("detection sink initialized", "path", dbPath)
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS validations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		request_id TEXT NOT NULL,
		policy_id TEXT NOT NULL,
		policy_version INTEGER NOT NULL,
		prompt_fingerprint TEXT NOT NULL,
		user_id TEXT,
		status TEXT NOT NULL,
		matched_rule TEXT,
		findings TEXT,
		cached INTEGER NOT NULL DEFAULT 0,
		truncated INTEGER NOT NULL DEFAULT 0,
		degraded_detectors TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_validations_policy_id ON validations(policy_id);
	CREATE INDEX IF NOT EXISTS idx_validations_status ON validations(status);
	CREATE INDEX IF NOT EXISTS idx_validations_timestamp ON validations(timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Publish enqueues rec for asynchronous persistence. If the queue is
// full, the record is dropped and counted — Publish never blocks the
// pipeline (spec §4.5 step 8: best-effort, non-blocking).
func (s *SQLiteStore) Publish(ctx context.Context, rec Record) error {
	select {
	case s.queue <- rec:
		return nil
	default:
		slog.Warn("detection sink queue full, dropping record", "request_id", rec.RequestID)
		return fmt.Errorf("sink: queue full")
	}
}

func (s *SQLiteStore) run() {
	defer close(s.closed)
	for {
		select {
		case rec := <-s.queue:
			s.write(rec)
		case <-s.done:
			// Drain whatever is left without blocking indefinitely.
			for {
				select {
				case rec := <-s.queue:
					s.write(rec)
				default:
					return
				}
			}
		}
	}
}

func (s *SQLiteStore) write(rec Record) {
	findingsJSON, err := json.Marshal(rec.Verdict.Findings)
	if err != nil {
		slog.Error("sink: marshal findings failed", "error", err)
		findingsJSON = []byte("[]")
	}

	cached := 0
	if rec.Cached {
		cached = 1
	}
	truncated := 0
	if rec.Truncated {
		truncated = 1
	}

	_, err = s.db.Exec(`
		INSERT INTO validations (
			timestamp, request_id, policy_id, policy_version, prompt_fingerprint,
			user_id, status, matched_rule, findings, cached, truncated, degraded_detectors
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		time.Now(),
		rec.RequestID,
		rec.PolicyID,
		rec.PolicyVersion,
		rec.PromptFingerprint,
		rec.UserID,
		string(rec.Verdict.Status),
		rec.Verdict.MatchedRule,
		string(findingsJSON),
		cached,
		truncated,
		strings.Join(rec.DegradedDetectors, ","),
	)
	if err != nil {
		slog.Error("sink: insert validation record failed", "error", err, "request_id", rec.RequestID)
	}
}

// Close stops the background writer, draining any queued records, and
// closes the database handle.
func (s *SQLiteStore) Close() error {
	close(s.done)
	<-s.closed
	return s.db.Close()
}

// Stats are aggregate sink counters surfaced by the ambient control
// surface (mirrors elida's storage.EventStats shape).
type Stats struct {
	TotalValidations int64            `json:"total_validations"`
	ByStatus         map[string]int64 `json:"by_status"`
}

// GetStats computes aggregate validation statistics since the given time,
// or over all time if since is nil.
func (s *SQLiteStore) GetStats(since *time.Time) (*Stats, error) {
	stats := &Stats{ByStatus: make(map[string]int64)}

	where := "WHERE 1=1"
	args := []interface{}{}
	if since != nil {
		where += " AND timestamp >= ?"
		args = append(args, *since)
	}

	row := s.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM validations %s", where), args...)
	if err := row.Scan(&stats.TotalValidations); err != nil {
		return nil, fmt.Errorf("sink: count validations: %w", err)
	}

	rows, err := s.db.Query(fmt.Sprintf("SELECT status, COUNT(*) FROM validations %s GROUP BY status", where), args...)
	if err != nil {
		return nil, fmt.Errorf("sink: group by status: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats.ByStatus[status] = count
	}

	return stats, nil
}
