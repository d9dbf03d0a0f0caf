// Package main implements the taskpulse scheduler process.
// It runs the background loops that flag due reminders, advance recurring
// tasks, and drain the event outbox to the broker.
//
// HTTP Endpoints:
//
//	GET /metrics - Prometheus metrics
//	GET /healthz - JSON liveness snapshot {"running":true,"broker_connected":true}
//
// Usage:
//
//	go run cmd/scheduler/main.go -config config.yaml
//
// A missing config file is not an error; the scheduler starts with defaults
// against Redis at localhost:6379 and a local SQLite file.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"taskpulse/pkg/broker"
	"taskpulse/pkg/config"
	"taskpulse/pkg/logger"
	"taskpulse/pkg/scheduler"
	"taskpulse/pkg/store"
)

func main() {
	configPath := flag.String("config", os.Getenv("TASKPULSE_CONFIG"), "path to the yaml config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to load config")
	}

	st, err := store.Open(store.Config{
		Path:        cfg.Database.Path,
		MaxAttempts: cfg.Scheduler.MaxAttempts,
	})
	if err != nil {
		logger.Log.Fatal().Err(err).Str("path", cfg.Database.Path).Msg("Failed to open store")
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A down broker is degraded, not fatal: the loops keep committing state
	// and events queue up in the outbox until the drain loop reconnects.
	pub := broker.NewPublisher(cfg.Broker.Addr)
	if err := pub.Start(ctx); err != nil {
		logger.Log.Warn().Err(err).Str("addr", cfg.Broker.Addr).
			Msg("Broker unreachable, starting degraded")
	}
	defer pub.Stop()

	// Load already validated the cadence strings.
	reminderEvery, _ := config.Duration("scheduler.reminder_every", cfg.Scheduler.ReminderEvery, config.DefaultReminderEvery)
	recurrenceEvery, _ := config.Duration("scheduler.recurrence_every", cfg.Scheduler.RecurrenceEvery, config.DefaultRecurrenceEvery)
	drainEvery, _ := config.Duration("scheduler.drain_every", cfg.Scheduler.DrainEvery, config.DefaultDrainEvery)

	sched := scheduler.New(st, pub, scheduler.Config{
		ReminderEvery:   reminderEvery,
		RecurrenceEvery: recurrenceEvery,
		DrainEvery:      drainEvery,
		DrainBatch:      cfg.Scheduler.DrainBatch,
	})
	sched.Start()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(sched.Health(r.Context()))
	})

	go func() {
		logger.Log.Info().Str("addr", cfg.HTTP.Addr).Msg("Metrics server listening")
		if err := http.ListenAndServe(cfg.HTTP.Addr, mux); err != nil {
			logger.Log.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Log.Info().Msg("Shutting down scheduler...")
	sched.Stop()
	cancel()
}
