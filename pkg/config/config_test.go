package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Broker.Addr != DefaultBrokerAddr {
		t.Errorf("broker addr = %q, want %q", cfg.Broker.Addr, DefaultBrokerAddr)
	}
	if cfg.Database.Path != DefaultDBPath {
		t.Errorf("db path = %q, want %q", cfg.Database.Path, DefaultDBPath)
	}
	if cfg.HTTP.Addr != DefaultHTTPAddr {
		t.Errorf("http addr = %q, want %q", cfg.HTTP.Addr, DefaultHTTPAddr)
	}
	if cfg.Scheduler.DrainBatch != DefaultDrainBatch {
		t.Errorf("drain batch = %d, want %d", cfg.Scheduler.DrainBatch, DefaultDrainBatch)
	}
	if cfg.Scheduler.MaxAttempts != DefaultMaxAttempts {
		t.Errorf("max attempts = %d, want %d", cfg.Scheduler.MaxAttempts, DefaultMaxAttempts)
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadParsesFile(t *testing.T) {
	path := writeConfig(t, `
broker:
  addr: redis.internal:6379
database:
  path: /var/lib/taskpulse/tasks.db
scheduler:
  reminder_every: 2m
  drain_batch: 10
http:
  addr: ":9090"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Broker.Addr != "redis.internal:6379" {
		t.Errorf("broker addr = %q", cfg.Broker.Addr)
	}
	if cfg.Database.Path != "/var/lib/taskpulse/tasks.db" {
		t.Errorf("db path = %q", cfg.Database.Path)
	}
	if cfg.Scheduler.ReminderEvery != "2m" {
		t.Errorf("reminder_every = %q", cfg.Scheduler.ReminderEvery)
	}
	if cfg.Scheduler.DrainBatch != 10 {
		t.Errorf("drain_batch = %d", cfg.Scheduler.DrainBatch)
	}
	if cfg.HTTP.Addr != ":9090" {
		t.Errorf("http addr = %q", cfg.HTTP.Addr)
	}
	// Omitted fields still fall back.
	if cfg.Scheduler.MaxAttempts != DefaultMaxAttempts {
		t.Errorf("max attempts = %d, want default", cfg.Scheduler.MaxAttempts)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "broker:\n  address: nope\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadRejectsBadCadence(t *testing.T) {
	path := writeConfig(t, "scheduler:\n  reminder_every: five minutes\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed duration")
	}
}

func TestDuration(t *testing.T) {
	def := 30 * time.Second
	cases := []struct {
		name    string
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"empty uses default", "", def, false},
		{"zero uses default", "0s", def, false},
		{"explicit value", "5m", 5 * time.Minute, false},
		{"whitespace trimmed", "  90s  ", 90 * time.Second, false},
		{"negative rejected", "-1s", 0, true},
		{"garbage rejected", "soon", 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Duration("test.field", tc.raw, def)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("Duration(%q) expected error", tc.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("Duration(%q) failed: %v", tc.raw, err)
			}
			if got != tc.want {
				t.Errorf("Duration(%q) = %v, want %v", tc.raw, got, tc.want)
			}
		})
	}
}
