package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"taskpulse/pkg/tasks"
)

// RecordEvent appends ev to the outbox inside the caller's transaction, so
// the event commits or rolls back together with the domain mutation it
// describes. A crash can therefore never separate the two.
func (s *Store) RecordEvent(ctx context.Context, tx *sql.Tx, ev tasks.Event) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	payload := ev.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO task_events(id, task_id, event_type, payload, timestamp, processed, attempts)
		 VALUES(?,?,?,?,?,0,0)`,
		ev.ID, ev.TaskID, string(ev.Type), string(payload), ev.Timestamp.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("store: record %s event: %w", ev.Type, err)
	}
	return nil
}

// RecordEventNow is RecordEvent for callers that have no open transaction.
func (s *Store) RecordEventNow(ctx context.Context, ev tasks.Event) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return s.RecordEvent(ctx, tx, ev)
	})
}

// FetchUnprocessed returns up to limit pending outbox rows, oldest first.
// Rows that have already failed MaxAttempts drains are left behind as poison
// pills rather than wedging the drain loop forever.
func (s *Store) FetchUnprocessed(ctx context.Context, limit int) ([]tasks.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, event_type, payload, timestamp, processed, attempts
		 FROM task_events
		 WHERE processed = 0 AND attempts < ?
		 ORDER BY timestamp ASC, rowid ASC
		 LIMIT ?`,
		s.maxAttempts, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: fetch unprocessed: %w", err)
	}
	defer rows.Close()

	var events []tasks.Event
	for rows.Next() {
		var (
			ev      tasks.Event
			typ     string
			payload string
			ms      int64
		)
		if err := rows.Scan(&ev.ID, &ev.TaskID, &typ, &payload, &ms, &ev.Processed, &ev.Attempts); err != nil {
			return nil, err
		}
		ev.Type = tasks.EventType(typ)
		ev.Payload = []byte(payload)
		ev.Timestamp = time.UnixMilli(ms).UTC()
		events = append(events, ev)
	}
	return events, rows.Err()
}

// MarkProcessed flips the row to processed after a confirmed publish.
// Re-marking an already-processed row is a no-op, not an error.
func (s *Store) MarkProcessed(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE task_events SET processed = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: mark processed: %w", err)
	}
	return nil
}

// BumpAttempts records one failed drain of the row.
func (s *Store) BumpAttempts(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE task_events SET attempts = attempts + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: bump attempts: %w", err)
	}
	return nil
}

// CountUnprocessed reports the current outbox backlog, poison rows included.
func (s *Store) CountUnprocessed(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM task_events WHERE processed = 0`).Scan(&n)
	return n, err
}
