// Package archive writes every processed session to Postgres before the
// upload sink runs, so a failed or rejected upload still leaves the decoded
// events inspectable.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq"

	"diab-uplink/internal/records"
)

const insertEvent = `INSERT INTO device_events
	(session_id, device_id, event_type, sub_type, event_time, device_time, timezone_offset, payload)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

// Archive is the Postgres event archive. A nil *Archive is disabled.
type Archive struct {
	db     *sql.DB
	logger *slog.Logger
}

// New opens the archive database. An empty dsn returns a nil (disabled)
// archive.
func New(dsn string, logger *slog.Logger) (*Archive, error) {
	if dsn == "" {
		logger.Info("archive: disabled (no dsn configured)")
		return nil, nil
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("archive: ping: %w", err)
	}
	logger.Info("archive: connected")
	return &Archive{db: db, logger: logger.With("component", "archive")}, nil
}

// NewWithDB wraps an existing handle, for tests.
func NewWithDB(db *sql.DB, logger *slog.Logger) *Archive {
	return &Archive{db: db, logger: logger.With("component", "archive")}
}

// WriteBatch stores one session's events in a single transaction. The full
// event is kept as JSON next to the queryable columns.
func (a *Archive) WriteBatch(ctx context.Context, sessionID string, events []records.CanonicalEvent) error {
	if a == nil {
		return nil
	}
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("archive: begin: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, insertEvent)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("archive: prepare: %w", err)
	}
	defer stmt.Close()

	for i := range events {
		ev := &events[i]
		payload, err := json.Marshal(ev)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("archive: marshal event: %w", err)
		}
		_, err = stmt.ExecContext(ctx, sessionID, ev.DeviceID, ev.Type, ev.SubType,
			ev.Time, ev.DeviceTime, ev.TimezoneOffset, payload)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("archive: insert event: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("archive: commit: %w", err)
	}
	a.logger.Info("archive: session stored", "sessionId", sessionID, "events", len(events))
	return nil
}

func (a *Archive) Close() error {
	if a == nil {
		return nil
	}
	return a.db.Close()
}
