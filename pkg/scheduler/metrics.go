package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the background pipeline.
var (
	// remindersFlagged counts tasks picked up by the reminder loop.
	remindersFlagged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskpulse_reminders_flagged_total",
		Help: "Tasks flagged by the reminder loop",
	})

	// rolloversAdvanced counts recurrence pointers moved by the rollover loop.
	rolloversAdvanced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskpulse_rollovers_advanced_total",
		Help: "Recurring tasks advanced by the rollover loop",
	})

	// outboxDrained counts outbox rows published and marked processed.
	// Labels:
	//   - event_type: the outbox row's type, "unknown" for unrecognized ones
	outboxDrained = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskpulse_outbox_drained_total",
		Help: "Outbox rows published and marked processed",
	}, []string{"event_type"})

	// outboxFailures counts per-row drain failures by stage.
	// Labels:
	//   - reason: "decode", "publish", or "mark"
	outboxFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskpulse_outbox_failures_total",
		Help: "Outbox rows that failed a drain stage",
	}, []string{"reason"})

	// loopErrors counts whole-iteration failures per loop.
	loopErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskpulse_loop_errors_total",
		Help: "Background loop iterations that failed",
	}, []string{"loop"})

	// Backlog gauges, refreshed by the cron collector.
	outboxBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskpulse_outbox_backlog",
		Help: "Unprocessed outbox rows, poison rows included",
	})
	dueReminders = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskpulse_due_reminders",
		Help: "Tasks the reminder scan would select right now",
	})
	dueRollovers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskpulse_due_rollovers",
		Help: "Recurring tasks past their next occurrence",
	})
)
