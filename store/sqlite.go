package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/everydev1618/hive/eventbus"
)

// SQLite implements KV and an event journal using modernc.org/sqlite (pure Go).
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens or creates a SQLite database at path and creates the
// schema. Use ":memory:" for a throwaway database.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if path == ":memory:" {
		// Each connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}
	// Enable WAL mode for concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	s := &SQLite{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func (s *SQLite) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		key        TEXT PRIMARY KEY,
		value      BLOB NOT NULL,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS events (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		topic     TEXT NOT NULL,
		seq       INTEGER NOT NULL DEFAULT 0,
		timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		payload   TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS scheduled_jobs (
		name       TEXT PRIMARY KEY,
		cron       TEXT NOT NULL,
		spec       TEXT NOT NULL DEFAULT '{}',
		enabled    INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_events_topic ON events(topic);
	CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Set(ctx context.Context, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC(),
	)
	return err
}

func (s *SQLite) Get(ctx context.Context, key string) ([]byte, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	return err
}

func (s *SQLite) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM kv WHERE substr(key, 1, ?) = ? ORDER BY key`, len(prefix), prefix,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// JournalEvent is a bus event as recorded in the journal.
type JournalEvent struct {
	ID        int64           `json:"id"`
	Topic     string          `json:"topic"`
	Seq       uint64          `json:"seq"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// InsertEvent records a bus event.
func (s *SQLite) InsertEvent(e eventbus.Event) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", e.Topic, err)
	}
	_, err = s.db.Exec(
		`INSERT INTO events (topic, seq, timestamp, payload) VALUES (?, ?, ?, ?)`,
		e.Topic, int64(e.Seq), e.Timestamp.UTC(), string(payload),
	)
	return err
}

// ListEvents returns recent events, newest first. A non-empty topic
// restricts the result to that topic.
func (s *SQLite) ListEvents(topic string, limit int) ([]JournalEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, topic, seq, timestamp, payload FROM events ORDER BY id DESC LIMIT ?`
	args := []any{limit}
	if topic != "" {
		query = `SELECT id, topic, seq, timestamp, payload FROM events WHERE topic = ? ORDER BY id DESC LIMIT ?`
		args = []any{topic, limit}
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []JournalEvent
	for rows.Next() {
		var e JournalEvent
		var seq int64
		var payload string
		if err := rows.Scan(&e.ID, &e.Topic, &seq, &e.Timestamp, &payload); err != nil {
			return nil, err
		}
		e.Seq = uint64(seq)
		e.Payload = json.RawMessage(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Journal records every event published on bus until the returned
// function is called. Write failures are logged and otherwise ignored.
func (s *SQLite) Journal(bus *eventbus.Bus, logger *slog.Logger) (stop func()) {
	if logger == nil {
		logger = slog.Default()
	}
	id := bus.OnAll(func(e eventbus.Event) {
		if err := s.InsertEvent(e); err != nil {
			logger.Warn("store: journal write failed", "topic", e.Topic, "error", err)
		}
	})
	return func() { bus.Off("", id) }
}

// ScheduledJob is a persisted recurring task submission. Spec holds the
// task template as JSON.
type ScheduledJob struct {
	Name      string          `json:"name"`
	Cron      string          `json:"cron"`
	Spec      json.RawMessage `json:"spec"`
	Enabled   bool            `json:"enabled"`
	CreatedAt time.Time       `json:"created_at"`
}

// UpsertScheduledJob creates or replaces a scheduled job.
func (s *SQLite) UpsertScheduledJob(job ScheduledJob) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	spec := string(job.Spec)
	if spec == "" {
		spec = "{}"
	}
	_, err := s.db.Exec(
		`INSERT INTO scheduled_jobs (name, cron, spec, enabled, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET cron = excluded.cron, spec = excluded.spec, enabled = excluded.enabled`,
		job.Name, job.Cron, spec, job.Enabled, job.CreatedAt,
	)
	return err
}

// DeleteScheduledJob removes a scheduled job by name.
func (s *SQLite) DeleteScheduledJob(name string) error {
	_, err := s.db.Exec(`DELETE FROM scheduled_jobs WHERE name = ?`, name)
	return err
}

// ListScheduledJobs returns all scheduled jobs ordered by name.
func (s *SQLite) ListScheduledJobs() ([]ScheduledJob, error) {
	rows, err := s.db.Query(`SELECT name, cron, spec, enabled, created_at FROM scheduled_jobs ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []ScheduledJob
	for rows.Next() {
		var j ScheduledJob
		var spec string
		if err := rows.Scan(&j.Name, &j.Cron, &spec, &j.Enabled, &j.CreatedAt); err != nil {
			return nil, err
		}
		j.Spec = json.RawMessage(spec)
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
