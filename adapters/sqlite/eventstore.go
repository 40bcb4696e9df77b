package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/voyagelab/apimeter/domain/usage"
	"github.com/voyagelab/apimeter/ports"
)

// eventStore implements ports.EventStore using SQLite.
type eventStore struct {
	db *sql.DB
}

// NewEventStore creates a new SQLite event store.
func NewEventStore(db *DB) ports.EventStore {
	return &eventStore{db: db.DB}
}

// SaveBatch inserts events, replacing on ID so the flusher can resend
// a batch after a partial failure.
func (s *eventStore) SaveBatch(ctx context.Context, events []usage.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO usage_events (id, ts, api, action, status, duration_ms, meta)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		var durationMs sql.NullInt64
		if e.DurationMs != nil {
			durationMs = sql.NullInt64{Int64: *e.DurationMs, Valid: true}
		}
		var meta sql.NullString
		if len(e.Meta) > 0 {
			raw, err := json.Marshal(e.Meta)
			if err != nil {
				return fmt.Errorf("marshal meta for %s: %w", e.ID, err)
			}
			meta = sql.NullString{String: string(raw), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, e.ID, e.Timestamp.UTC(), string(e.Kind), e.Action, string(e.Status), durationMs, meta); err != nil {
			return fmt.Errorf("insert event %s: %w", e.ID, err)
		}
	}

	return tx.Commit()
}

// LoadSince returns events recorded at or after since, oldest first.
func (s *eventStore) LoadSince(ctx context.Context, since time.Time, limit int) ([]usage.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, api, action, status, duration_ms, meta
		FROM usage_events
		WHERE ts >= ?
		ORDER BY ts ASC, id ASC
		LIMIT ?
	`, since.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []usage.Event
	for rows.Next() {
		var (
			e          usage.Event
			kind       string
			status     string
			durationMs sql.NullInt64
			meta       sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Timestamp, &kind, &e.Action, &status, &durationMs, &meta); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Kind = usage.Kind(kind)
		e.Status = usage.Status(status)
		if durationMs.Valid {
			d := durationMs.Int64
			e.DurationMs = &d
		}
		if meta.Valid {
			if err := json.Unmarshal([]byte(meta.String), &e.Meta); err != nil {
				return nil, fmt.Errorf("unmarshal meta for %s: %w", e.ID, err)
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	return events, nil
}

// Prune removes events older than the retention bound.
func (s *eventStore) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM usage_events WHERE ts < ?", olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return res.RowsAffected()
}
