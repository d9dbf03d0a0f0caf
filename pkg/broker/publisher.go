package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"taskpulse/pkg/logger"
	"taskpulse/pkg/tasks"
)

// ErrNotStarted is returned by send methods before Start has succeeded.
var ErrNotStarted = errors.New("broker: publisher not started")

// Publisher owns the producing side of the broker connection. One instance is
// shared by all scheduler loops; the underlying go-redis client is safe for
// concurrent sends.
type Publisher struct {
	rdb     *redis.Client
	log     zerolog.Logger
	started atomic.Bool
}

// NewPublisher creates a publisher for the broker at addr ("host:port").
// No connection is made until Start.
func NewPublisher(addr string) *Publisher {
	return &Publisher{
		rdb: redis.NewClient(&redis.Options{Addr: addr}),
		log: logger.With("publisher"),
	}
}

// Start verifies the broker is reachable and enables sending. It fails fast
// when the broker is down; callers are expected to log and keep running
// degraded, since pending events stay unprocessed in the outbox and nothing
// is lost.
func (p *Publisher) Start(ctx context.Context) error {
	if p.started.Load() {
		return nil
	}
	if err := p.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("broker: connect: %w", err)
	}
	p.started.Store(true)
	p.log.Info().Msg("Publisher started")
	return nil
}

// Stop closes the broker connection. XADD is synchronous so there is nothing
// in flight to flush. Safe to call repeatedly or before Start.
func (p *Publisher) Stop() error {
	if !p.started.Swap(false) {
		return nil
	}
	p.log.Info().Msg("Publisher stopped")
	return p.rdb.Close()
}

// Connected reports whether the broker currently answers a ping. Used by the
// liveness surface; a false here is degraded, not fatal.
func (p *Publisher) Connected(ctx context.Context) bool {
	if !p.started.Load() {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.rdb.Ping(ctx).Err() == nil
}

// SendTaskEvent publishes a generic event to the given topic, keyed by
// task_{id}.
func (p *Publisher) SendTaskEvent(ctx context.Context, topic string, taskID int64, eventType string, payload map[string]any) error {
	if !p.started.Load() {
		return ErrNotStarted
	}

	body, err := json.Marshal(Message{
		TaskID:    taskID,
		EventType: eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("broker: encode %s event: %w", eventType, err)
	}

	err = p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		Values: map[string]any{
			"key":  partitionKey(taskID),
			"body": string(body),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("broker: publish %s to %s: %w", eventType, topic, err)
	}

	p.log.Info().
		Int64("task_id", taskID).
		Str("topic", topic).
		Str("event_type", eventType).
		Msg("Event published")
	return nil
}

// SendReminderEvent publishes a due-date reminder to task-reminders.
func (p *Publisher) SendReminderEvent(ctx context.Context, taskID int64, userID, dueDate string) error {
	payload := map[string]any{
		"task_id":  taskID,
		"user_id":  userID,
		"due_date": dueDate,
		"action":   "send_notification",
	}
	return p.SendTaskEvent(ctx, TopicReminders, taskID, string(tasks.EventReminder), payload)
}

// SendRecurringEvent publishes a recurrence rollover to task-recurring.
func (p *Publisher) SendRecurringEvent(ctx context.Context, taskID int64, userID, nextOccurrence string) error {
	payload := map[string]any{
		"task_id":         taskID,
		"user_id":         userID,
		"next_occurrence": nextOccurrence,
		"action":          "create_next_instance",
	}
	return p.SendTaskEvent(ctx, TopicRecurring, taskID, string(tasks.EventRecurring), payload)
}

// SendAuditEvent publishes an audit record to task-audit.
func (p *Publisher) SendAuditEvent(ctx context.Context, taskID int64, userID, action string, details map[string]any) error {
	payload := map[string]any{
		"task_id": taskID,
		"user_id": userID,
		"action":  action,
		"details": details,
	}
	return p.SendTaskEvent(ctx, TopicAudit, taskID, string(tasks.EventAudit), payload)
}
