// Package main implements the taskpulse consumer process.
// It subscribes to the task event topics through a Redis streams consumer
// group and dispatches each message to the handler registered for its topic.
//
// The default handlers just log what they receive; downstream systems
// (notification senders, audit sinks) register their own with
// Subscriber.Handle before Start.
//
// Usage:
//
//	go run cmd/consumer/main.go -config config.yaml -group todo-app-group
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"taskpulse/pkg/broker"
	"taskpulse/pkg/config"
	"taskpulse/pkg/logger"
)

func main() {
	configPath := flag.String("config", os.Getenv("TASKPULSE_CONFIG"), "path to the yaml config file")
	group := flag.String("group", "todo-app-group", "consumer group name")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to load config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := broker.NewSubscriber(cfg.Broker.Addr, *group)
	topics := []string{
		broker.TopicReminders,
		broker.TopicRecurring,
		broker.TopicAudit,
		broker.TopicEvents,
	}
	if err := sub.Start(ctx, topics); err != nil {
		logger.Log.Fatal().Err(err).Str("addr", cfg.Broker.Addr).Msg("Failed to start subscriber")
	}

	logger.Log.Info().Strs("topics", topics).Str("group", *group).Msg("Consumer started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Log.Info().Msg("Shutting down consumer...")
	if err := sub.Stop(); err != nil {
		logger.Log.Error().Err(err).Msg("Subscriber stop failed")
	}
}
