package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"taskpulse/pkg/tasks"
)

func mustCreate(t *testing.T, s *Store, task *tasks.Task) *tasks.Task {
	t.Helper()
	if err := s.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	return task
}

func drainEvents(t *testing.T, s *Store) []tasks.Event {
	t.Helper()
	evs, err := s.FetchUnprocessed(context.Background(), 100)
	if err != nil {
		t.Fatalf("FetchUnprocessed failed: %v", err)
	}
	for _, ev := range evs {
		if err := s.MarkProcessed(context.Background(), ev.ID); err != nil {
			t.Fatalf("MarkProcessed failed: %v", err)
		}
	}
	return evs
}

func TestCreateTaskEnforcesRecurrenceInvariant(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	bad := []tasks.Task{
		{UserID: "u1", Title: "no pattern", IsRecurring: true, RecurrenceInterval: 1},
		{UserID: "u1", Title: "bad pattern", IsRecurring: true, RecurrencePattern: "hourly", RecurrenceInterval: 1},
		{UserID: "u1", Title: "zero interval", IsRecurring: true, RecurrencePattern: tasks.Daily},
	}
	for _, task := range bad {
		task := task
		if err := s.CreateTask(ctx, &task); !errors.Is(err, ErrInvalidRecurrence) {
			t.Errorf("%s: expected ErrInvalidRecurrence, got %v", task.Title, err)
		}
	}
}

func TestCreateTaskRecordsOutboxRowAtomically(t *testing.T) {
	s := newTestStore(t)
	task := mustCreate(t, s, &tasks.Task{UserID: "u1", Title: "write report"})

	evs := drainEvents(t, s)
	if len(evs) != 1 {
		t.Fatalf("expected 1 outbox row, got %d", len(evs))
	}
	if evs[0].Type != tasks.EventCreate || evs[0].TaskID != task.ID {
		t.Errorf("unexpected event %s for task %d", evs[0].Type, evs[0].TaskID)
	}

	var payload map[string]any
	if err := json.Unmarshal(evs[0].Payload, &payload); err != nil {
		t.Fatalf("payload decode failed: %v", err)
	}
	if payload["title"] != "write report" || payload["user_id"] != "u1" {
		t.Errorf("unexpected payload: %v", payload)
	}
}

func TestCreateRecurringTaskComputesInitialOccurrence(t *testing.T) {
	s := newTestStore(t)
	task := mustCreate(t, s, &tasks.Task{
		UserID: "u1", Title: "standup",
		IsRecurring: true, RecurrencePattern: tasks.Daily, RecurrenceInterval: 1,
	})
	if task.NextOccurrence == nil {
		t.Fatal("expected next_occurrence to be computed")
	}
	if got := time.Until(*task.NextOccurrence); got < 23*time.Hour || got > 25*time.Hour {
		t.Errorf("expected next_occurrence about a day out, got %v", got)
	}
}

func TestDueRemindersWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	in30 := now.Add(30 * time.Minute)
	in2h := now.Add(2 * time.Hour)

	due := mustCreate(t, s, &tasks.Task{UserID: "u1", Title: "due soon", DueDate: &in30})
	mustCreate(t, s, &tasks.Task{UserID: "u1", Title: "due later", DueDate: &in2h})
	already := mustCreate(t, s, &tasks.Task{UserID: "u1", Title: "already reminded", DueDate: &in30, ReminderSent: true})
	mustCreate(t, s, &tasks.Task{UserID: "u1", Title: "no due date"})

	got, err := s.DueReminders(ctx, now, time.Hour, 10)
	if err != nil {
		t.Fatalf("DueReminders failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != due.ID {
		t.Fatalf("expected only task %d, got %+v", due.ID, got)
	}
	_ = already
}

func TestMarkReminderSentOnlyOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	in30 := time.Now().UTC().Add(30 * time.Minute)
	task := mustCreate(t, s, &tasks.Task{UserID: "u1", Title: "due soon", DueDate: &in30})
	drainEvents(t, s) // clear the create event

	if err := s.MarkReminderSent(ctx, *task); err != nil {
		t.Fatalf("MarkReminderSent failed: %v", err)
	}
	if err := s.MarkReminderSent(ctx, *task); err != nil {
		t.Fatalf("second MarkReminderSent failed: %v", err)
	}

	evs := drainEvents(t, s)
	if len(evs) != 1 {
		t.Fatalf("expected exactly 1 reminder event, got %d", len(evs))
	}
	if evs[0].Type != tasks.EventReminder {
		t.Errorf("expected reminder event, got %s", evs[0].Type)
	}

	got, err := s.DueReminders(ctx, time.Now().UTC(), time.Hour, 10)
	if err != nil {
		t.Fatalf("DueReminders failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("flagged task must not be selected again, got %d", len(got))
	}
}

func TestDueRolloversExcludesCompletedAndInert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	due := mustCreate(t, s, &tasks.Task{
		UserID: "u1", Title: "due rollover",
		IsRecurring: true, RecurrencePattern: tasks.Daily, RecurrenceInterval: 1,
		NextOccurrence: &past,
	})
	completed := mustCreate(t, s, &tasks.Task{
		UserID: "u1", Title: "completed recurring",
		IsRecurring: true, RecurrencePattern: tasks.Daily, RecurrenceInterval: 1,
		NextOccurrence: &past, Completed: true,
	})
	// Stale next_occurrence on a non-recurring task is inert.
	mustCreate(t, s, &tasks.Task{UserID: "u1", Title: "inert", NextOccurrence: &past})

	got, err := s.DueRollovers(ctx, time.Now().UTC(), 10)
	if err != nil {
		t.Fatalf("DueRollovers failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != due.ID {
		t.Fatalf("expected only task %d, got %+v", due.ID, got)
	}
	_ = completed
}

func TestAdvanceOccurrenceGuardsOnOldValue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour).Truncate(time.Millisecond)
	task := mustCreate(t, s, &tasks.Task{
		UserID: "u1", Title: "rollover",
		IsRecurring: true, RecurrencePattern: tasks.Daily, RecurrenceInterval: 1,
		NextOccurrence: &past,
	})
	drainEvents(t, s)

	next := past.AddDate(0, 0, 1)
	if err := s.AdvanceOccurrence(ctx, *task, next); err != nil {
		t.Fatalf("AdvanceOccurrence failed: %v", err)
	}
	// Second advance against the stale old value must be a silent no-op.
	if err := s.AdvanceOccurrence(ctx, *task, next.AddDate(0, 0, 1)); err != nil {
		t.Fatalf("stale AdvanceOccurrence failed: %v", err)
	}

	evs := drainEvents(t, s)
	if len(evs) != 1 {
		t.Fatalf("expected exactly 1 recurring event, got %d", len(evs))
	}

	var payload map[string]any
	if err := json.Unmarshal(evs[0].Payload, &payload); err != nil {
		t.Fatalf("payload decode failed: %v", err)
	}
	if payload["next_occurrence"] != past.UTC().Format(time.RFC3339) {
		t.Errorf("event must carry the occurrence that fired, got %v", payload["next_occurrence"])
	}

	reloaded, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if reloaded.NextOccurrence == nil || !reloaded.NextOccurrence.Equal(next) {
		t.Errorf("expected next_occurrence %v, got %v", next, reloaded.NextOccurrence)
	}
}

func TestCompleteTaskCreatesNextInstance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	pending := time.Now().UTC().Add(2 * time.Hour).Truncate(time.Millisecond)
	parent := mustCreate(t, s, &tasks.Task{
		UserID: "u1", Title: "water plants", Description: "balcony", Priority: tasks.PriorityHigh,
		IsRecurring: true, RecurrencePattern: tasks.Daily, RecurrenceInterval: 1,
		NextOccurrence: &pending,
	})
	drainEvents(t, s)

	done, err := s.CompleteTask(ctx, parent.ID)
	if err != nil {
		t.Fatalf("CompleteTask failed: %v", err)
	}
	if !done.Completed {
		t.Fatal("expected task to be completed")
	}

	// The parent's pointer advanced past the slot the completion covered.
	wantNext := pending.AddDate(0, 0, 1)
	if done.NextOccurrence == nil || !done.NextOccurrence.Equal(wantNext) {
		t.Errorf("expected parent next_occurrence %v, got %v", wantNext, done.NextOccurrence)
	}

	// A child instance exists, due at the pending occurrence, linked to the
	// parent and carrying its own occurrence one step further.
	children, err := s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE parent_task_id = ?`, parent.ID)
	if err != nil {
		t.Fatalf("child query failed: %v", err)
	}
	if len(children) != 1 {
		t.Fatalf("expected 1 child instance, got %d", len(children))
	}
	child := children[0]
	if child.Title != "water plants" || child.Priority != tasks.PriorityHigh || child.Description != "balcony" {
		t.Errorf("child did not inherit series fields: %+v", child)
	}
	if child.DueDate == nil || !child.DueDate.Equal(pending) {
		t.Errorf("expected child due %v, got %v", pending, child.DueDate)
	}
	if child.NextOccurrence == nil || !child.NextOccurrence.Equal(wantNext) {
		t.Errorf("expected child next_occurrence %v, got %v", wantNext, child.NextOccurrence)
	}
	if child.Completed || child.ReminderSent {
		t.Error("child must start uncompleted and unreminded")
	}

	evs := drainEvents(t, s)
	if len(evs) != 1 || evs[0].Type != tasks.EventComplete {
		t.Fatalf("expected a single complete event, got %+v", evs)
	}
}

func TestDeleteTaskDoesNotCascadeToChildren(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	pending := time.Now().UTC().Add(time.Hour)
	parent := mustCreate(t, s, &tasks.Task{
		UserID: "u1", Title: "series",
		IsRecurring: true, RecurrencePattern: tasks.Weekly, RecurrenceInterval: 1,
		NextOccurrence: &pending,
	})
	if _, err := s.CompleteTask(ctx, parent.ID); err != nil {
		t.Fatalf("CompleteTask failed: %v", err)
	}

	if err := s.DeleteTask(ctx, parent.ID); err != nil {
		t.Fatalf("DeleteTask failed: %v", err)
	}
	if _, err := s.GetTask(ctx, parent.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected parent gone, got %v", err)
	}

	children, err := s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE parent_task_id = ?`, parent.ID)
	if err != nil {
		t.Fatalf("child query failed: %v", err)
	}
	if len(children) != 1 {
		t.Errorf("expected child to survive parent deletion, got %d rows", len(children))
	}
}
