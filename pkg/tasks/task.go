// Package tasks defines the domain model shared by the store, the broker and
// the scheduler: todo tasks with their recurrence settings, and the outbox
// events that describe mutations to them.
package tasks

import (
	"encoding/json"
	"fmt"
	"time"
)

// RecurrencePattern is the unit of a recurring task's repeat schedule.
type RecurrencePattern string

const (
	Daily   RecurrencePattern = "daily"
	Weekly  RecurrencePattern = "weekly"
	Monthly RecurrencePattern = "monthly"
	Yearly  RecurrencePattern = "yearly"
)

// Valid reports whether p is one of the four known patterns.
func (p RecurrencePattern) Valid() bool {
	switch p {
	case Daily, Weekly, Monthly, Yearly:
		return true
	}
	return false
}

// Task priority levels, stored as plain strings.
const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)

// Task is the scheduling-relevant view of a todo item.
//
// A task with a nil DueDate is never considered for reminders. A task with
// IsRecurring set must carry a valid pattern and an interval >= 1; the store
// enforces that at write time so the scheduler can rely on it. ParentTaskID
// links a generated instance back to the task that spawned it; children are
// owned by the recurring series, not by the parent row, so deleting a parent
// leaves them in place.
type Task struct {
	ID                 int64
	UserID             string
	Title              string
	Description        string
	Priority           string
	Completed          bool
	DueDate            *time.Time
	ReminderSent       bool
	IsRecurring        bool
	RecurrencePattern  RecurrencePattern
	RecurrenceInterval int
	NextOccurrence     *time.Time
	ParentTaskID       *int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// EventType tags an outbox row with the kind of mutation it describes.
type EventType string

const (
	EventCreate    EventType = "create"
	EventUpdate    EventType = "update"
	EventDelete    EventType = "delete"
	EventComplete  EventType = "complete"
	EventReminder  EventType = "reminder"
	EventRecurring EventType = "recurring"
	EventAudit     EventType = "audit"
)

// Known reports whether t belongs to the closed set of event types this
// codebase emits. The outbox drain surfaces unknown types explicitly instead
// of guessing what produced them.
func (t EventType) Known() bool {
	switch t {
	case EventCreate, EventUpdate, EventDelete, EventComplete,
		EventReminder, EventRecurring, EventAudit:
		return true
	}
	return false
}

// Event is one outbox row: a domain event recorded durably alongside the
// mutation it describes, published later by the scheduler's drain loop.
//
// Payload holds the serialized event body; it is only decoded at publish
// time so a malformed row cannot break the recording path. Attempts counts
// failed drains, so a permanently bad row ages out instead of wedging the
// loop forever.
type Event struct {
	ID        string
	TaskID    int64
	Type      EventType
	Payload   json.RawMessage
	Timestamp time.Time
	Processed bool
	Attempts  int
}

// NewEvent builds an Event for taskID with the given payload. The store
// assigns the ID and timestamp when the event is recorded.
func NewEvent(taskID int64, typ EventType, payload map[string]any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("tasks: encode %s payload: %w", typ, err)
	}
	return Event{TaskID: taskID, Type: typ, Payload: raw}, nil
}
