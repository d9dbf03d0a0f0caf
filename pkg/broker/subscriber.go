package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"taskpulse/pkg/logger"
)

// Handler processes one decoded message. A non-nil error is logged; it never
// stops consumption of subsequent messages.
type Handler func(ctx context.Context, msg Message) error

const (
	readBatch = 16
	pollEvery = 250 * time.Millisecond
)

// Subscriber consumes topic streams through a consumer group and dispatches
// each message to a per-topic handler. It has a lifecycle of its own,
// independent from the Publisher.
//
// Delivery semantics are at-least-once: groups are created at the stream
// origin (earliest offset) and entries are acked right after dispatch, so a
// crash mid-handler redelivers the entry on the next start. Handlers must
// tolerate duplicates, deduplicating on (task_id, event_type, timestamp).
type Subscriber struct {
	rdb      *redis.Client
	log      zerolog.Logger
	group    string
	consumer string

	handlers map[string]Handler
	topics   []string

	started atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewSubscriber creates a subscriber joining the given consumer group. The
// default handlers log reminder, recurring and audit messages; replace them
// with Handle before Start.
func NewSubscriber(addr, group string) *Subscriber {
	s := &Subscriber{
		rdb:      redis.NewClient(&redis.Options{Addr: addr}),
		log:      logger.With("subscriber"),
		group:    group,
		consumer: "consumer-" + uuid.New().String(),
	}
	s.handlers = map[string]Handler{
		TopicReminders: s.handleReminder,
		TopicRecurring: s.handleRecurring,
		TopicAudit:     s.handleAudit,
		TopicCatchAll:  s.handleGeneric,
	}
	return s
}

// Handle sets the handler for an exact topic, or the catch-all when topic is
// TopicCatchAll. Topics without an exact handler fall through to the
// catch-all as long as they carry the task- prefix. Must be called before
// Start.
func (s *Subscriber) Handle(topic string, h Handler) {
	s.handlers[topic] = h
}

// Start creates the consumer group on every topic and launches one consume
// loop per topic. It fails fast if the broker is unreachable.
func (s *Subscriber) Start(ctx context.Context, topics []string) error {
	if s.started.Swap(true) {
		return nil
	}

	for _, topic := range topics {
		err := s.rdb.XGroupCreateMkStream(ctx, topic, s.group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			s.started.Store(false)
			return fmt.Errorf("broker: create group on %s: %w", topic, err)
		}
	}
	s.topics = topics

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	for _, topic := range topics {
		s.wg.Add(1)
		go s.consume(runCtx, topic)
	}

	s.log.Info().Strs("topics", topics).Str("group", s.group).Msg("Subscriber started")
	return nil
}

// Stop ends the consume loops, releases this consumer's group membership on
// every topic, and closes the connection. Idempotent.
func (s *Subscriber) Stop() error {
	if !s.started.Swap(false) {
		return nil
	}
	s.cancel()
	s.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, topic := range s.topics {
		if err := s.rdb.XGroupDelConsumer(ctx, topic, s.group, s.consumer).Err(); err != nil {
			s.log.Warn().Err(err).Str("topic", topic).Msg("Failed to release consumer")
		}
	}

	s.log.Info().Msg("Subscriber stopped")
	return s.rdb.Close()
}

func (s *Subscriber) consume(ctx context.Context, topic string) {
	defer s.wg.Done()
	log := s.log.With().Str("topic", topic).Logger()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := s.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.group,
			Consumer: s.consumer,
			Streams:  []string{topic, ">"},
			Count:    readBatch,
			Block:    -1,
		}).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			if !errors.Is(err, redis.Nil) {
				log.Error().Err(err).Msg("Read failed")
			}
			s.sleep(ctx, pollEvery)
			continue
		}

		for _, stream := range res {
			for _, entry := range stream.Messages {
				s.dispatch(ctx, topic, entry)
				// Ack immediately after dispatch: auto-commit semantics.
				if err := s.rdb.XAck(ctx, topic, s.group, entry.ID).Err(); err != nil {
					log.Error().Err(err).Str("entry", entry.ID).Msg("Ack failed")
				}
			}
		}
	}
}

func (s *Subscriber) dispatch(ctx context.Context, topic string, entry redis.XMessage) {
	body, _ := entry.Values["body"].(string)

	var msg Message
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		s.log.Error().Err(err).Str("topic", topic).Str("entry", entry.ID).Msg("Malformed message skipped")
		return
	}

	h, ok := s.handlers[topic]
	if !ok {
		if !strings.HasPrefix(topic, topicPrefix) {
			s.log.Warn().Str("topic", topic).Msg("No handler for topic")
			return
		}
		h = s.handlers[TopicCatchAll]
	}

	if err := h(ctx, msg); err != nil {
		s.log.Error().Err(err).
			Str("topic", topic).
			Int64("task_id", msg.TaskID).
			Msg("Handler failed, continuing")
	}
}

func (s *Subscriber) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Default handlers. Real deployments replace these with Handle; they mirror
// what a notification service downstream would see.

func (s *Subscriber) handleReminder(ctx context.Context, msg Message) error {
	s.log.Info().
		Int64("task_id", msg.TaskID).
		Any("user_id", msg.Payload["user_id"]).
		Any("due_date", msg.Payload["due_date"]).
		Msg("Reminder due")
	return nil
}

func (s *Subscriber) handleRecurring(ctx context.Context, msg Message) error {
	s.log.Info().
		Int64("task_id", msg.TaskID).
		Any("user_id", msg.Payload["user_id"]).
		Any("next_occurrence", msg.Payload["next_occurrence"]).
		Msg("Recurring rollover")
	return nil
}

func (s *Subscriber) handleAudit(ctx context.Context, msg Message) error {
	s.log.Info().
		Int64("task_id", msg.TaskID).
		Any("user_id", msg.Payload["user_id"]).
		Any("action", msg.Payload["action"]).
		Msg("Audit record")
	return nil
}

func (s *Subscriber) handleGeneric(ctx context.Context, msg Message) error {
	s.log.Info().
		Int64("task_id", msg.TaskID).
		Str("event_type", msg.EventType).
		Msg("Task event")
	return nil
}
