package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"taskpulse/pkg/recurrence"
	"taskpulse/pkg/tasks"
)

// ErrInvalidRecurrence is returned when a recurring task is written without a
// valid pattern and an interval >= 1. Enforcing this at write time is what
// keeps the recurrence loop's calculator calls total.
var ErrInvalidRecurrence = errors.New("store: recurring task requires a valid pattern and interval >= 1")

// ErrNotFound is returned when the requested task does not exist.
var ErrNotFound = errors.New("store: task not found")

const taskColumns = `id, user_id, title, description, priority, completed, due_date,
	reminder_sent, is_recurring, recurrence_pattern, recurrence_interval,
	next_occurrence, parent_task_id, created_at, updated_at`

// CreateTask inserts t and records the matching create event in the same
// transaction. For recurring tasks the initial next_occurrence is computed
// from the current time when the caller did not supply one.
func (s *Store) CreateTask(ctx context.Context, t *tasks.Task) error {
	if err := validateRecurrence(t); err != nil {
		return err
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.Priority == "" {
		t.Priority = tasks.PriorityMedium
	}
	if t.IsRecurring && t.NextOccurrence == nil {
		next, err := recurrence.Next(now, t.RecurrencePattern, t.RecurrenceInterval)
		if err != nil {
			return err
		}
		t.NextOccurrence = &next
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO tasks(user_id, title, description, priority, completed, due_date,
				reminder_sent, is_recurring, recurrence_pattern, recurrence_interval,
				next_occurrence, parent_task_id, created_at, updated_at)
			 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			t.UserID, t.Title, t.Description, t.Priority, t.Completed, msOrNull(t.DueDate),
			t.ReminderSent, t.IsRecurring, patternOrNull(t), intervalOrNull(t),
			msOrNull(t.NextOccurrence), t.ParentTaskID,
			now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("store: insert task: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		t.ID = id

		ev, err := tasks.NewEvent(t.ID, tasks.EventCreate, taskPayload(t))
		if err != nil {
			return err
		}
		return s.RecordEvent(ctx, tx, ev)
	})
}

// UpdateTask rewrites t's mutable fields and records an update event in the
// same transaction.
func (s *Store) UpdateTask(ctx context.Context, t *tasks.Task) error {
	if err := validateRecurrence(t); err != nil {
		return err
	}
	t.UpdatedAt = time.Now().UTC()

	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE tasks SET title = ?, description = ?, priority = ?, completed = ?,
				due_date = ?, reminder_sent = ?, is_recurring = ?, recurrence_pattern = ?,
				recurrence_interval = ?, next_occurrence = ?, updated_at = ?
			 WHERE id = ?`,
			t.Title, t.Description, t.Priority, t.Completed,
			msOrNull(t.DueDate), t.ReminderSent, t.IsRecurring, patternOrNull(t),
			intervalOrNull(t), msOrNull(t.NextOccurrence), t.UpdatedAt.Format(time.RFC3339Nano),
			t.ID,
		)
		if err != nil {
			return fmt.Errorf("store: update task: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}

		ev, err := tasks.NewEvent(t.ID, tasks.EventUpdate, taskPayload(t))
		if err != nil {
			return err
		}
		return s.RecordEvent(ctx, tx, ev)
	})
}

// DeleteTask removes the task and records a delete event in the same
// transaction. Generated instances keep their rows: parent_task_id is not a
// foreign key, so nothing cascades.
func (s *Store) DeleteTask(ctx context.Context, id int64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		t, err := getTaskTx(ctx, tx, id)
		if err != nil {
			return err
		}

		ev, err := tasks.NewEvent(id, tasks.EventDelete, map[string]any{
			"task_id": id,
			"user_id": t.UserID,
			"title":   t.Title,
		})
		if err != nil {
			return err
		}
		if err := s.RecordEvent(ctx, tx, ev); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
		return err
	})
}

// CompleteTask toggles the task's completed flag. Completing a recurring task
// additionally creates the next instance (due at the parent's pending
// occurrence, linked via parent_task_id, with its own occurrence one step
// further) and advances the parent's next_occurrence so the rollover loop does
// not re-fire for the slot the completion already covered. All of it commits
// as one transaction together with the complete event.
func (s *Store) CompleteTask(ctx context.Context, id int64) (*tasks.Task, error) {
	var out *tasks.Task
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		t, err := getTaskTx(ctx, tx, id)
		if err != nil {
			return err
		}
		t.Completed = !t.Completed
		t.UpdatedAt = time.Now().UTC()

		_, err = tx.ExecContext(ctx,
			`UPDATE tasks SET completed = ?, updated_at = ? WHERE id = ?`,
			t.Completed, t.UpdatedAt.Format(time.RFC3339Nano), t.ID)
		if err != nil {
			return err
		}

		if t.Completed && t.IsRecurring && t.RecurrencePattern.Valid() && t.RecurrenceInterval >= 1 {
			if err := s.createNextInstance(ctx, tx, t); err != nil {
				return err
			}
		}

		typ := tasks.EventComplete
		if !t.Completed {
			typ = tasks.EventUpdate
		}
		ev, err := tasks.NewEvent(t.ID, typ, map[string]any{
			"task_id":   t.ID,
			"user_id":   t.UserID,
			"completed": t.Completed,
			"title":     t.Title,
		})
		if err != nil {
			return err
		}
		if err := s.RecordEvent(ctx, tx, ev); err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

// createNextInstance copies the recurring series onto a new row. The child's
// due date is the parent's pending occurrence and its own next_occurrence is
// one step past that; the parent's pointer moves forward through the same
// calculator, keeping both chains on a single schedule.
func (s *Store) createNextInstance(ctx context.Context, tx *sql.Tx, parent *tasks.Task) error {
	anchor := time.Now().UTC()
	if parent.NextOccurrence != nil {
		anchor = *parent.NextOccurrence
	}
	childNext, err := recurrence.Next(anchor, parent.RecurrencePattern, parent.RecurrenceInterval)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO tasks(user_id, title, description, priority, completed, due_date,
			reminder_sent, is_recurring, recurrence_pattern, recurrence_interval,
			next_occurrence, parent_task_id, created_at, updated_at)
		 VALUES(?,?,?,?,0,?,0,1,?,?,?,?,?,?)`,
		parent.UserID, parent.Title, parent.Description, parent.Priority,
		anchor.UnixMilli(), string(parent.RecurrencePattern), parent.RecurrenceInterval,
		childNext.UnixMilli(), parent.ID,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("store: create next instance: %w", err)
	}

	parentNext := childNext
	parent.NextOccurrence = &parentNext
	_, err = tx.ExecContext(ctx,
		`UPDATE tasks SET next_occurrence = ?, updated_at = ? WHERE id = ?`,
		parentNext.UnixMilli(), now.Format(time.RFC3339Nano), parent.ID)
	return err
}

// GetTask loads a single task.
func (s *Store) GetTask(ctx context.Context, id int64) (*tasks.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// DueReminders selects tasks whose due date falls inside [now, now+window]
// and that have not been reminded or completed yet.
func (s *Store) DueReminders(ctx context.Context, now time.Time, window time.Duration, limit int) ([]tasks.Task, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE completed = 0 AND reminder_sent = 0
		   AND due_date IS NOT NULL AND due_date >= ? AND due_date <= ?
		 ORDER BY due_date ASC LIMIT ?`,
		now.UnixMilli(), now.Add(window).UnixMilli(), limit)
}

// DueRollovers selects recurring, uncompleted tasks whose next occurrence has
// arrived.
func (s *Store) DueRollovers(ctx context.Context, now time.Time, limit int) ([]tasks.Task, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE is_recurring = 1 AND completed = 0
		   AND next_occurrence IS NOT NULL AND next_occurrence <= ?
		 ORDER BY next_occurrence ASC LIMIT ?`,
		now.UnixMilli(), limit)
}

// MarkReminderSent flags the task and records the reminder event atomically.
// If another pass already flagged the task the call is a no-op and no second
// event is recorded.
func (s *Store) MarkReminderSent(ctx context.Context, t tasks.Task) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE tasks SET reminder_sent = 1, updated_at = ?
			 WHERE id = ? AND reminder_sent = 0 AND completed = 0`,
			time.Now().UTC().Format(time.RFC3339Nano), t.ID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}

		ev, err := tasks.NewEvent(t.ID, tasks.EventReminder, map[string]any{
			"task_id":  t.ID,
			"user_id":  t.UserID,
			"due_date": rfc3339OrEmpty(t.DueDate),
			"action":   "send_notification",
		})
		if err != nil {
			return err
		}
		return s.RecordEvent(ctx, tx, ev)
	})
}

// AdvanceOccurrence moves the task's next_occurrence to next and records the
// recurring event (carrying the occurrence that just passed) atomically. The
// update is guarded on the old value so a concurrent completion that already
// advanced the pointer wins and no duplicate event is recorded.
func (s *Store) AdvanceOccurrence(ctx context.Context, t tasks.Task, next time.Time) error {
	if t.NextOccurrence == nil {
		return fmt.Errorf("store: task %d has no next_occurrence to advance", t.ID)
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE tasks SET next_occurrence = ?, updated_at = ?
			 WHERE id = ? AND next_occurrence = ?`,
			next.UnixMilli(), time.Now().UTC().Format(time.RFC3339Nano),
			t.ID, t.NextOccurrence.UnixMilli())
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}

		ev, err := tasks.NewEvent(t.ID, tasks.EventRecurring, map[string]any{
			"task_id":         t.ID,
			"user_id":         t.UserID,
			"next_occurrence": t.NextOccurrence.UTC().Format(time.RFC3339),
			"action":          "create_next_instance",
		})
		if err != nil {
			return err
		}
		return s.RecordEvent(ctx, tx, ev)
	})
}

// CountDueReminders reports how many tasks the reminder scan would pick up
// right now. Used by the metrics collector.
func (s *Store) CountDueReminders(ctx context.Context, now time.Time, window time.Duration) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks
		 WHERE completed = 0 AND reminder_sent = 0
		   AND due_date IS NOT NULL AND due_date >= ? AND due_date <= ?`,
		now.UnixMilli(), now.Add(window).UnixMilli()).Scan(&n)
	return n, err
}

// CountDueRollovers reports how many recurring tasks are past their next
// occurrence. Used by the metrics collector.
func (s *Store) CountDueRollovers(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks
		 WHERE is_recurring = 1 AND completed = 0
		   AND next_occurrence IS NOT NULL AND next_occurrence <= ?`,
		now.UnixMilli()).Scan(&n)
	return n, err
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]tasks.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query tasks: %w", err)
	}
	defer rows.Close()

	var out []tasks.Task
	for rows.Next() {
		t, err := scanTaskRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*tasks.Task, error) {
	t, err := scanTaskRows(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func scanTaskRows(row rowScanner) (*tasks.Task, error) {
	var (
		t        tasks.Task
		desc     sql.NullString
		due      sql.NullInt64
		pattern  sql.NullString
		interval sql.NullInt64
		next     sql.NullInt64
		parent   sql.NullInt64
		created  string
		updated  string
	)
	err := row.Scan(&t.ID, &t.UserID, &t.Title, &desc, &t.Priority, &t.Completed, &due,
		&t.ReminderSent, &t.IsRecurring, &pattern, &interval, &next, &parent,
		&created, &updated)
	if err != nil {
		return nil, err
	}
	t.Description = desc.String
	t.DueDate = timeFromMs(due)
	t.RecurrencePattern = tasks.RecurrencePattern(pattern.String)
	t.RecurrenceInterval = int(interval.Int64)
	t.NextOccurrence = timeFromMs(next)
	if parent.Valid {
		t.ParentTaskID = &parent.Int64
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &t, nil
}

func getTaskTx(ctx context.Context, tx *sql.Tx, id int64) (*tasks.Task, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

func validateRecurrence(t *tasks.Task) error {
	if !t.IsRecurring {
		return nil
	}
	if !t.RecurrencePattern.Valid() || t.RecurrenceInterval < 1 {
		return ErrInvalidRecurrence
	}
	return nil
}

func patternOrNull(t *tasks.Task) any {
	if !t.IsRecurring {
		return nil
	}
	return string(t.RecurrencePattern)
}

func intervalOrNull(t *tasks.Task) any {
	if !t.IsRecurring {
		return nil
	}
	return t.RecurrenceInterval
}

func rfc3339OrEmpty(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// taskPayload is the event body shared by create and update events.
func taskPayload(t *tasks.Task) map[string]any {
	return map[string]any{
		"task_id":             t.ID,
		"user_id":             t.UserID,
		"title":               t.Title,
		"completed":           t.Completed,
		"priority":            t.Priority,
		"due_date":            rfc3339OrEmpty(t.DueDate),
		"is_recurring":        t.IsRecurring,
		"recurrence_pattern":  string(t.RecurrencePattern),
		"recurrence_interval": t.RecurrenceInterval,
		"next_occurrence":     rfc3339OrEmpty(t.NextOccurrence),
	}
}
