// Package journal persists a timeline of pipeline activity to SQLite so
// what happened to a recording can be inspected after the fact. With
// retention mode "ephemeral" nothing is written anywhere, matching the
// service's default of keeping no state beyond the session.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lecternlabs/lectern/internal/config"
	"github.com/lecternlabs/lectern/internal/protocol"
)

// Entry is one recorded stage event.
type Entry struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Type      string    `json:"type"`
	Stage     string    `json:"stage,omitempty"`
	State     string    `json:"state"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Journal wraps a SQLite backed activity log.
type Journal struct {
	db    *sql.DB
	cfg   config.JournalConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the journal according to config. Ephemeral mode
// opens no database; every write becomes a no-op.
func Open(ctx context.Context, cfg config.JournalConfig, log *slog.Logger) (*Journal, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Journal{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	j := &Journal{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := j.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := j.vacuum(ctx); err != nil {
			log.Warn("journal vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := j.Prune(ctx); err != nil {
		log.Warn("journal prune on start failed", slog.String("error", err.Error()))
	}

	return j, nil
}

func (j *Journal) initSchema(ctx context.Context) error {
	if j.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    source_file TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    event_type TEXT,
    stage TEXT,
    state TEXT,
    message TEXT,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_session_created ON events(session_id, created_at);
`
	_, err := j.db.ExecContext(ctx, ddl)
	return err
}

func (j *Journal) vacuum(ctx context.Context) error {
	if j.db == nil {
		return nil
	}
	_, err := j.db.ExecContext(ctx, "VACUUM")
	return err
}

// Enabled reports whether events are actually persisted.
func (j *Journal) Enabled() bool {
	return j != nil && j.db != nil
}

// Close releases underlying resources.
func (j *Journal) Close() error {
	if j.db == nil {
		return nil
	}
	return j.db.Close()
}

// RecordSession ensures a session row exists. A non-empty sourceFile
// updates the stored one, so the row tracks the latest upload.
func (j *Journal) RecordSession(ctx context.Context, sessionID, sourceFile string) error {
	if !j.Enabled() {
		return nil
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, source_file, created_at)
		 VALUES(?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET source_file=excluded.source_file
		 WHERE excluded.source_file != ''`,
		sessionID, sourceFile, j.clock().UTC())
	return err
}

// RecordEvent writes one stage event. The session row must exist.
func (j *Journal) RecordEvent(ctx context.Context, evt protocol.StageEvent) error {
	if !j.Enabled() {
		return nil
	}
	created := evt.Timestamp
	if created.IsZero() {
		created = j.clock().UTC()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO events(session_id, event_type, stage, state, message, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		evt.SessionID, string(evt.Type), evt.Stage, evt.State, evt.Message, created)
	return err
}

// SessionEvents retrieves up to limit events for a session ordered
// ascending by time.
func (j *Journal) SessionEvents(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	if !j.Enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, session_id, event_type, stage, state, message, created_at
		 FROM events WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var created string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Type, &e.Stage, &e.State, &e.Message, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			e.CreatedAt = ts
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteSession drops a session row and, via the cascade, its events.
// The runtime calls this in "session" retention mode when the live
// session goes away.
func (j *Journal) DeleteSession(ctx context.Context, sessionID string) error {
	if !j.Enabled() {
		return nil
	}
	_, err := j.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
	return err
}

// Prune applies the configured retention. Called on startup and by the
// runtime's sweep loop.
func (j *Journal) Prune(ctx context.Context) error {
	if !j.Enabled() {
		return nil
	}
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if j.cfg.RetentionDays > 0 {
		cutoff := j.clock().Add(-time.Duration(j.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if j.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, j.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}
