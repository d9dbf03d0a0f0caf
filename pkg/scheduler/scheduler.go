// Package scheduler runs the background loops that keep time-driven task
// behavior correct despite crashes and a flaky broker: due-date reminders,
// recurrence rollovers, and draining the event outbox.
//
// The three loops are independent goroutines on their own cadences, so a
// slow or blocked loop cannot starve the others. They communicate only
// through the store: the reminder and rollover loops record their events in
// the outbox within the same transaction as the task mutation, and the drain
// loop is the single path that publishes to the broker. Publishing is
// at-least-once: a crash between publish and mark-processed re-sends the row
// on the next pass, and downstream consumers deduplicate on
// (task_id, event_type, timestamp).
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"taskpulse/pkg/broker"
	"taskpulse/pkg/logger"
	"taskpulse/pkg/recurrence"
	"taskpulse/pkg/store"
	"taskpulse/pkg/tasks"
)

// Publisher is the producing side of the broker as the drain loop sees it.
// *broker.Publisher satisfies it.
type Publisher interface {
	SendReminderEvent(ctx context.Context, taskID int64, userID, dueDate string) error
	SendRecurringEvent(ctx context.Context, taskID int64, userID, nextOccurrence string) error
	SendAuditEvent(ctx context.Context, taskID int64, userID, action string, details map[string]any) error
	SendTaskEvent(ctx context.Context, topic string, taskID int64, eventType string, payload map[string]any) error
	Connected(ctx context.Context) bool
}

// Config carries the loop cadences and batch sizes. Zero values get defaults.
type Config struct {
	ReminderEvery   time.Duration
	RecurrenceEvery time.Duration
	DrainEvery      time.Duration

	// ReminderWindow is how far ahead of a due date the reminder fires.
	ReminderWindow time.Duration

	// DrainBatch bounds how many outbox rows one drain pass loads.
	DrainBatch int
}

func (c *Config) applyDefaults() {
	if c.ReminderEvery <= 0 {
		c.ReminderEvery = 300 * time.Second
	}
	if c.RecurrenceEvery <= 0 {
		c.RecurrenceEvery = 600 * time.Second
	}
	if c.DrainEvery <= 0 {
		c.DrainEvery = 30 * time.Second
	}
	if c.ReminderWindow <= 0 {
		c.ReminderWindow = time.Hour
	}
	if c.DrainBatch <= 0 {
		c.DrainBatch = 50
	}
}

// scanBatch bounds the reminder and rollover scans per iteration.
const scanBatch = 100

// Health is the liveness snapshot exposed over HTTP. A down broker is
// degraded, not fatal: state keeps committing and events wait in the outbox.
type Health struct {
	Running         bool `json:"running"`
	BrokerConnected bool `json:"broker_connected"`
}

// Scheduler owns the three background loops. Lifecycle is
// stopped -> running -> stopped; Stop is advisory and non-preemptive, loops
// notice the flag at their next cadence checkpoint and in-flight work
// finishes.
type Scheduler struct {
	store *store.Store
	pub   Publisher
	cfg   Config
	log   zerolog.Logger

	running atomic.Bool
	cron    *cron.Cron
	wg      sync.WaitGroup
}

// New wires a scheduler. The cron entry refreshing the backlog gauges is
// registered here so repeated Start/Stop cycles do not stack entries.
func New(st *store.Store, pub Publisher, cfg Config) *Scheduler {
	cfg.applyDefaults()
	s := &Scheduler{
		store: st,
		pub:   pub,
		cfg:   cfg,
		log:   logger.With("scheduler"),
		cron:  cron.New(),
	}
	_, _ = s.cron.AddFunc("@every 15s", s.collectBacklogMetrics)
	return s
}

// Start flips the running flag and launches the loops. Calling Start on a
// running scheduler is a no-op.
func (s *Scheduler) Start() {
	if s.running.Swap(true) {
		return
	}

	s.wg.Add(3)
	go s.loop("reminders", s.cfg.ReminderEvery, s.processDueReminders)
	go s.loop("recurrence", s.cfg.RecurrenceEvery, s.processRecurringTasks)
	go s.loop("outbox", s.cfg.DrainEvery, s.drainOutbox)
	s.cron.Start()

	s.log.Info().
		Dur("reminder_every", s.cfg.ReminderEvery).
		Dur("recurrence_every", s.cfg.RecurrenceEvery).
		Dur("drain_every", s.cfg.DrainEvery).
		Msg("Background task manager started")
}

// Stop flips the flag and stops the cron runner. Loops exit at their next
// checkpoint; callers needing a bound should cap it at the longest cadence
// plus in-flight work.
func (s *Scheduler) Stop() {
	if !s.running.Swap(false) {
		return
	}
	s.cron.Stop()
	s.log.Info().Msg("Background task manager stopped")
}

// Wait blocks until every loop has observed the stop flag and returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Health reports the liveness snapshot.
func (s *Scheduler) Health(ctx context.Context) Health {
	return Health{
		Running:         s.running.Load(),
		BrokerConnected: s.pub.Connected(ctx),
	}
}

// loop runs fn immediately and then on every tick until the running flag
// drops. Iteration errors are logged and counted, never fatal: transient I/O
// failures recover on the next cycle.
func (s *Scheduler) loop(name string, every time.Duration, fn func(ctx context.Context) error) {
	defer s.wg.Done()
	log := s.log.With().Str("loop", name).Logger()

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for s.running.Load() {
		if err := fn(context.Background()); err != nil {
			loopErrors.WithLabelValues(name).Inc()
			log.Error().Err(err).Msg("Iteration failed")
		}
		<-ticker.C
	}
}

// processDueReminders selects tasks due within the reminder window and, per
// task, atomically flags reminder_sent and records the reminder event. The
// drain loop publishes it later; losing the race against another pass just
// means a no-op, never a duplicate event.
func (s *Scheduler) processDueReminders(ctx context.Context) error {
	now := time.Now().UTC()
	due, err := s.store.DueReminders(ctx, now, s.cfg.ReminderWindow, scanBatch)
	if err != nil {
		return fmt.Errorf("scan reminders: %w", err)
	}

	for _, t := range due {
		if err := s.store.MarkReminderSent(ctx, t); err != nil {
			s.log.Error().Err(err).Int64("task_id", t.ID).Msg("Failed to flag reminder")
			continue
		}
		remindersFlagged.Inc()
		s.log.Info().Int64("task_id", t.ID).Msg("Reminder recorded")
	}
	return nil
}

// processRecurringTasks advances the schedule of every recurring task whose
// next occurrence has arrived, recording the recurring event in the same
// transaction. Instance creation happens on completion; this loop only keeps
// the pointer moving for series nobody completed in time.
func (s *Scheduler) processRecurringTasks(ctx context.Context) error {
	due, err := s.store.DueRollovers(ctx, time.Now().UTC(), scanBatch)
	if err != nil {
		return fmt.Errorf("scan rollovers: %w", err)
	}

	for _, t := range due {
		// The write-time invariant makes invalid rows unreachable here, but a
		// bad row must not take the loop down.
		if !t.RecurrencePattern.Valid() || t.RecurrenceInterval < 1 || t.NextOccurrence == nil {
			s.log.Warn().Int64("task_id", t.ID).Msg("Recurring task with invalid recurrence skipped")
			continue
		}

		next, err := recurrence.Next(*t.NextOccurrence, t.RecurrencePattern, t.RecurrenceInterval)
		if err != nil {
			s.log.Error().Err(err).Int64("task_id", t.ID).Msg("Recurrence calculation failed")
			continue
		}
		if err := s.store.AdvanceOccurrence(ctx, t, next); err != nil {
			s.log.Error().Err(err).Int64("task_id", t.ID).Msg("Failed to advance occurrence")
			continue
		}
		rolloversAdvanced.Inc()
		s.log.Info().
			Int64("task_id", t.ID).
			Time("next_occurrence", next).
			Msg("Recurring task advanced")
	}
	return nil
}

// drainOutbox is the single publish path: fetch a batch of unprocessed rows,
// route each to the broker, mark processed on success. Failures bump the
// row's attempt count and leave it for the next pass.
func (s *Scheduler) drainOutbox(ctx context.Context) error {
	events, err := s.store.FetchUnprocessed(ctx, s.cfg.DrainBatch)
	if err != nil {
		return fmt.Errorf("fetch outbox: %w", err)
	}

	for _, ev := range events {
		if err := s.publishEvent(ctx, ev); err != nil {
			reason := "publish"
			var decodeErr *decodeError
			if errors.As(err, &decodeErr) {
				reason = "decode"
			}
			outboxFailures.WithLabelValues(reason).Inc()
			s.log.Error().Err(err).
				Str("event_id", ev.ID).
				Str("event_type", string(ev.Type)).
				Msg("Failed to publish outbox row")
			if err := s.store.BumpAttempts(ctx, ev.ID); err != nil {
				s.log.Error().Err(err).Str("event_id", ev.ID).Msg("Failed to bump attempts")
			}
			continue
		}

		if err := s.store.MarkProcessed(ctx, ev.ID); err != nil {
			// The publish went through; the row will be re-sent next pass.
			// That is the at-least-once side of the contract.
			outboxFailures.WithLabelValues("mark").Inc()
			s.log.Error().Err(err).Str("event_id", ev.ID).Msg("Failed to mark processed")
			continue
		}

		typ := string(ev.Type)
		if !ev.Type.Known() {
			typ = "unknown"
		}
		outboxDrained.WithLabelValues(typ).Inc()
	}
	return nil
}

type decodeError struct{ err error }

func (e *decodeError) Error() string { return "decode payload: " + e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }

// publishEvent routes one outbox row to the matching send method. The event
// type set is closed; anything else is surfaced as an explicit unknown case
// and still forwarded on the generic topic rather than silently dropped.
func (s *Scheduler) publishEvent(ctx context.Context, ev tasks.Event) error {
	var payload map[string]any
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		return &decodeError{err: err}
	}

	switch ev.Type {
	case tasks.EventReminder:
		return s.pub.SendReminderEvent(ctx, ev.TaskID, stringField(payload, "user_id"), stringField(payload, "due_date"))
	case tasks.EventRecurring:
		return s.pub.SendRecurringEvent(ctx, ev.TaskID, stringField(payload, "user_id"), stringField(payload, "next_occurrence"))
	case tasks.EventAudit:
		details, _ := payload["details"].(map[string]any)
		return s.pub.SendAuditEvent(ctx, ev.TaskID, stringField(payload, "user_id"), stringField(payload, "action"), details)
	case tasks.EventCreate, tasks.EventUpdate, tasks.EventDelete, tasks.EventComplete:
		return s.pub.SendTaskEvent(ctx, broker.TopicEvents, ev.TaskID, string(ev.Type), payload)
	default:
		s.log.Warn().
			Str("event_id", ev.ID).
			Str("event_type", string(ev.Type)).
			Msg("Unknown event type in outbox, forwarding generically")
		return s.pub.SendTaskEvent(ctx, broker.TopicEvents, ev.TaskID, string(ev.Type), payload)
	}
}

// collectBacklogMetrics refreshes the backlog gauges. Runs on the cron
// schedule registered in New.
func (s *Scheduler) collectBacklogMetrics() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	now := time.Now().UTC()

	if n, err := s.store.CountUnprocessed(ctx); err == nil {
		outboxBacklog.Set(float64(n))
	}
	if n, err := s.store.CountDueReminders(ctx, now, s.cfg.ReminderWindow); err == nil {
		dueReminders.Set(float64(n))
	}
	if n, err := s.store.CountDueRollovers(ctx, now); err == nil {
		dueRollovers.Set(float64(n))
	}
}

func stringField(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}
