// Package config loads the yaml configuration shared by the taskpulse
// binaries. Missing files and empty fields fall back to defaults so a bare
// binary still starts against localhost.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when the file omits a value.
const (
	DefaultBrokerAddr = "127.0.0.1:6379"
	DefaultDBPath     = "taskpulse.db"
	DefaultHTTPAddr   = ":8080"

	DefaultReminderEvery   = 300 * time.Second
	DefaultRecurrenceEvery = 600 * time.Second
	DefaultDrainEvery      = 30 * time.Second

	DefaultDrainBatch  = 50
	DefaultMaxAttempts = 25
)

type Config struct {
	Broker struct {
		Addr string `yaml:"addr"`
	} `yaml:"broker"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	// Scheduler cadences are Go duration strings (e.g. "300s", "5m").
	Scheduler struct {
		ReminderEvery   string `yaml:"reminder_every"`
		RecurrenceEvery string `yaml:"recurrence_every"`
		DrainEvery      string `yaml:"drain_every"`
		DrainBatch      int    `yaml:"drain_batch"`
		MaxAttempts     int    `yaml:"max_attempts"`
	} `yaml:"scheduler"`

	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`
}

// Load reads the yaml file at path. An empty path or a missing file yields
// the defaults; a malformed file is an error.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		f, err := os.Open(path)
		switch {
		case os.IsNotExist(err):
			// Defaults only.
		case err != nil:
			return nil, fmt.Errorf("config: open %s: %w", path, err)
		default:
			defer f.Close()
			dec := yaml.NewDecoder(f)
			dec.KnownFields(true)
			if err := dec.Decode(&cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	if cfg.Broker.Addr == "" {
		cfg.Broker.Addr = DefaultBrokerAddr
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = DefaultDBPath
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = DefaultHTTPAddr
	}
	if cfg.Scheduler.DrainBatch <= 0 {
		cfg.Scheduler.DrainBatch = DefaultDrainBatch
	}
	if cfg.Scheduler.MaxAttempts <= 0 {
		cfg.Scheduler.MaxAttempts = DefaultMaxAttempts
	}

	// Validate the cadences up front so a typo fails at startup, not at the
	// first tick.
	for field, raw := range map[string]string{
		"scheduler.reminder_every":   cfg.Scheduler.ReminderEvery,
		"scheduler.recurrence_every": cfg.Scheduler.RecurrenceEvery,
		"scheduler.drain_every":      cfg.Scheduler.DrainEvery,
	} {
		if _, err := Duration(field, raw, time.Second); err != nil {
			return nil, err
		}
	}

	return &cfg, nil
}

// Duration parses a Go duration string, returning def when raw is empty or
// zero. Negative durations are rejected.
func Duration(field, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("config: %s: invalid duration %q: %w", field, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("config: %s: duration must be >= 0", field)
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}
