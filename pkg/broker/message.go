// Package broker publishes and consumes task events over Redis streams.
//
// Each topic is one stream. A published message is a single XADD entry
// carrying the partition key and the JSON-encoded body; entries within a
// stream are strictly ordered, which gives every task's events a stable order
// inside a topic. Consumers read through a consumer group created at the
// stream origin, so a fresh group sees the earliest retained entries.
package broker

import "fmt"

// Fixed topics. Anything else published through SendTaskEvent should keep the
// "task-" prefix so subscribers can catch it generically.
const (
	TopicReminders = "task-reminders"
	TopicRecurring = "task-recurring"
	TopicAudit     = "task-audit"
	TopicEvents    = "task-events"

	// TopicCatchAll is the Subscriber's handler key for any task-* topic
	// without an exact handler.
	TopicCatchAll = "task-*"

	topicPrefix = "task-"
)

// Message is the wire contract for one published event.
type Message struct {
	TaskID    int64          `json:"task_id"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload"`
	Timestamp string         `json:"timestamp"`
}

// partitionKey routes all events for one task to the same key, ordering them
// relative to each other within a topic.
func partitionKey(taskID int64) string {
	return fmt.Sprintf("task_%d", taskID)
}
