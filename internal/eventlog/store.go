// Package eventlog is an append-only sqlite log of session lifecycle events,
// kept for diagnostics. The daemon never reads session state back from it:
// sessions are in-memory only and do not survive a restart.
package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/termlane/ptyhub/internal/model"
)

type Store struct {
	db       *sql.DB
	daemonID string
	log      *slog.Logger
}

// Event is one recorded lifecycle transition.
type Event struct {
	EventID    string
	DaemonID   string
	SessionID  string
	Event      model.LifecycleEvent
	Pid        *int
	ExitCode   *int
	RecordedAt time.Time
}

func Open(ctx context.Context, path, daemonID string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	if err := applyMigrations(ctx, db); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	return &Store{db: db, daemonID: daemonID, log: log}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record appends one lifecycle event. Failures are logged, never surfaced:
// the audit log must not make a session operation fail.
func (s *Store) Record(sessionID string, event model.LifecycleEvent, pid, exitCode *int) {
	var pidV, codeV any
	if pid != nil {
		pidV = *pid
	}
	if exitCode != nil {
		codeV = *exitCode
	}
	_, err := s.db.Exec(`
INSERT INTO session_events(event_id, daemon_id, session_id, event, pid, exit_code, recorded_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, uuid.NewString(), s.daemonID, sessionID, string(event), pidV, codeV, ts(time.Now().UTC()))
	if err != nil {
		s.log.Warn("event log insert failed", "session", sessionID, "event", event, "error", err)
	}
}

// Recent returns the newest events, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT event_id, daemon_id, session_id, event, pid, exit_code, recorded_at
FROM session_events
ORDER BY recorded_at DESC, event_id DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []Event
	for rows.Next() {
		var ev Event
		var event string
		var pid, code sql.NullInt64
		var recorded string
		if err := rows.Scan(&ev.EventID, &ev.DaemonID, &ev.SessionID, &event, &pid, &code, &recorded); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Event = model.LifecycleEvent(event)
		if pid.Valid {
			v := int(pid.Int64)
			ev.Pid = &v
		}
		if code.Valid {
			v := int(code.Int64)
			ev.ExitCode = &v
		}
		if t, err := time.Parse(time.RFC3339Nano, recorded); err == nil {
			ev.RecordedAt = t
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
