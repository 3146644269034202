package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// Helper to clear all config-related env vars
func clearEnv(t *testing.T) {
	t.Helper()
	envVars := []string{
		"FIELDSYNC_PORT",
		"FIELDSYNC_READ_TIMEOUT",
		"FIELDSYNC_WRITE_TIMEOUT",
		"FIELDSYNC_SHUTDOWN_TIMEOUT",
		"FIELDSYNC_API_KEY",
		"FIELDSYNC_DB_PATH",
		"FIELDSYNC_REMOTE_URL",
		"FIELDSYNC_REMOTE_API_KEY",
		"FIELDSYNC_REMOTE_CALL_TIMEOUT",
		"FIELDSYNC_REMOTE_BULK_TIMEOUT",
		"FIELDSYNC_REMOTE_MAX_RETRIES",
		"FIELDSYNC_QUEUE_BATCH_SIZE",
		"FIELDSYNC_QUEUE_MAX_ATTEMPTS",
		"FIELDSYNC_QUEUE_BASE_DELAY",
		"FIELDSYNC_QUEUE_MAX_DELAY",
		"FIELDSYNC_QUEUE_RETENTION",
		"FIELDSYNC_DRAIN_SCHEDULE",
		"FIELDSYNC_PULL_SCHEDULE",
		"FIELDSYNC_SWEEP_SCHEDULE",
		"FIELDSYNC_CLEANUP_SCHEDULE",
		"FIELDSYNC_IMAGE_CACHE_DIR",
		"FIELDSYNC_S3_ENDPOINT",
		"FIELDSYNC_S3_BUCKET",
		"FIELDSYNC_S3_ACCESS_KEY",
		"FIELDSYNC_S3_SECRET_KEY",
		"FIELDSYNC_S3_REGION",
		"FIELDSYNC_S3_USE_SSL",
		"FIELDSYNC_LOG_LEVEL",
		"FIELDSYNC_LOG_FORMAT",
		"FIELDSYNC_CONFIG_PATH",
	}
	for _, v := range envVars {
		os.Unsetenv(v)
	}
}

// dur converts Duration to time.Duration for comparison
func dur(d Duration) time.Duration {
	return time.Duration(d)
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 8090 {
		t.Errorf("Server.Port = %d, want 8090", cfg.Server.Port)
	}
	if dur(cfg.Server.ShutdownTimeout) != 15*time.Second {
		t.Errorf("Server.ShutdownTimeout = %v, want 15s", cfg.Server.ShutdownTimeout)
	}
	if cfg.Database.Path != "data/fieldsync.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "data/fieldsync.db")
	}
	if cfg.Remote.BaseURL != "http://localhost:8080/api/v1" {
		t.Errorf("Remote.BaseURL = %q", cfg.Remote.BaseURL)
	}
	if dur(cfg.Remote.CallTimeout) != 10*time.Second {
		t.Errorf("Remote.CallTimeout = %v, want 10s", cfg.Remote.CallTimeout)
	}
	if dur(cfg.Remote.BulkTimeout) != 60*time.Second {
		t.Errorf("Remote.BulkTimeout = %v, want 60s", cfg.Remote.BulkTimeout)
	}
	if cfg.Queue.MaxAttempts != 5 {
		t.Errorf("Queue.MaxAttempts = %d, want 5", cfg.Queue.MaxAttempts)
	}
	if dur(cfg.Queue.Retention) != 7*24*time.Hour {
		t.Errorf("Queue.Retention = %v, want 168h", cfg.Queue.Retention)
	}
	if cfg.Scheduler.DrainSchedule != "@every 30s" {
		t.Errorf("Scheduler.DrainSchedule = %q", cfg.Scheduler.DrainSchedule)
	}
	if cfg.Scheduler.PullSchedule != "@every 2m" {
		t.Errorf("Scheduler.PullSchedule = %q", cfg.Scheduler.PullSchedule)
	}
	if cfg.Images.CacheDir != "data/images" {
		t.Errorf("Images.CacheDir = %q", cfg.Images.CacheDir)
	}
	if cfg.Images.S3.Bucket != "" {
		t.Errorf("Images.S3.Bucket = %q, want empty (signed-URL mode)", cfg.Images.S3.Bucket)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Errorf("Log = %+v, want info/json", cfg.Log)
	}
}

func TestLoad_YAMLFile(t *testing.T) {
	clearEnv(t)

	yamlContent := `
server:
  port: 9001
  read_timeout: 45s
database:
  path: /tmp/field.db
remote:
  base_url: https://api.field.example/v1
  bulk_timeout: 2m
queue:
  max_attempts: 8
  base_delay: 1s
  max_delay: 10m
scheduler:
  drain_schedule: "@every 10s"
images:
  cache_dir: /tmp/field-images
log:
  level: debug
`
	path := filepath.Join(t.TempDir(), "fieldsync.yaml")
	if err := os.WriteFile(path, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Server.Port != 9001 {
		t.Errorf("Server.Port = %d, want 9001", cfg.Server.Port)
	}
	if dur(cfg.Server.ReadTimeout) != 45*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 45s", cfg.Server.ReadTimeout)
	}
	if cfg.Database.Path != "/tmp/field.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.Remote.BaseURL != "https://api.field.example/v1" {
		t.Errorf("Remote.BaseURL = %q", cfg.Remote.BaseURL)
	}
	if dur(cfg.Remote.BulkTimeout) != 2*time.Minute {
		t.Errorf("Remote.BulkTimeout = %v, want 2m", cfg.Remote.BulkTimeout)
	}
	if cfg.Queue.MaxAttempts != 8 {
		t.Errorf("Queue.MaxAttempts = %d, want 8", cfg.Queue.MaxAttempts)
	}
	if cfg.Scheduler.DrainSchedule != "@every 10s" {
		t.Errorf("Scheduler.DrainSchedule = %q", cfg.Scheduler.DrainSchedule)
	}
	// Untouched sections keep their defaults.
	if dur(cfg.Server.WriteTimeout) != 30*time.Second {
		t.Errorf("Server.WriteTimeout = %v, want default 30s", cfg.Server.WriteTimeout)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want default json", cfg.Log.Format)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	clearEnv(t)

	yamlContent := `
remote:
  base_url: https://file.example/v1
queue:
  max_attempts: 4
`
	path := filepath.Join(t.TempDir(), "fieldsync.yaml")
	if err := os.WriteFile(path, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	os.Setenv("FIELDSYNC_REMOTE_URL", "https://env.example/v1")
	os.Setenv("FIELDSYNC_QUEUE_MAX_ATTEMPTS", "9")
	os.Setenv("FIELDSYNC_REMOTE_API_KEY", "secret-key")
	defer clearEnv(t)

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Remote.BaseURL != "https://env.example/v1" {
		t.Errorf("env should override file: Remote.BaseURL = %q", cfg.Remote.BaseURL)
	}
	if cfg.Queue.MaxAttempts != 9 {
		t.Errorf("env should override file: Queue.MaxAttempts = %d", cfg.Queue.MaxAttempts)
	}
	if cfg.Remote.APIKey != "secret-key" {
		t.Errorf("Remote.APIKey = %q, want env value", cfg.Remote.APIKey)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "fieldsync.yaml")
	if err := os.WriteFile(path, []byte("server:\n  read_timeout: soon\n"), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	_, err := LoadFromFile(path)
	if err == nil || !strings.Contains(err.Error(), "invalid duration") {
		t.Errorf("expected invalid duration error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	clearEnv(t)

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing base url", func(c *Config) { c.Remote.BaseURL = "" }, "base_url"},
		{"missing db path", func(c *Config) { c.Database.Path = "" }, "database path"},
		{"zero max attempts", func(c *Config) { c.Queue.MaxAttempts = 0 }, "max_attempts"},
		{"zero base delay", func(c *Config) { c.Queue.BaseDelay = 0 }, "base_delay"},
		{"max delay below base", func(c *Config) {
			c.Queue.BaseDelay = Duration(time.Minute)
			c.Queue.MaxDelay = Duration(time.Second)
		}, "max_delay"},
		{"bucket without endpoint", func(c *Config) { c.Images.S3.Bucket = "b" }, "endpoint"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := newDefaults()
			tt.mutate(cfg)
			err := cfg.validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}

	t.Run("defaults are valid", func(t *testing.T) {
		if err := newDefaults().validate(); err != nil {
			t.Errorf("defaults should validate, got %v", err)
		}
	})
}
