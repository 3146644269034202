package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Remote    RemoteConfig    `yaml:"remote"`
	Queue     QueueConfig     `yaml:"queue"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Images    ImagesConfig    `yaml:"images"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig contains the local control API settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	// APIKey protects the control API; empty disables auth (on-device use).
	APIKey string `yaml:"-"` // env-only, never in YAML
}

// DatabaseConfig contains local store settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RemoteConfig contains remote API settings. The base URL here is the
// startup default; a runtime override persisted in sync_meta wins.
type RemoteConfig struct {
	BaseURL     string   `yaml:"base_url"`
	APIKey      string   `yaml:"-"` // env-only, never in YAML
	CallTimeout Duration `yaml:"call_timeout"`
	BulkTimeout Duration `yaml:"bulk_timeout"`
	MaxRetries  int      `yaml:"max_retries"`
}

// QueueConfig contains operation queue settings.
type QueueConfig struct {
	BatchSize   int      `yaml:"batch_size"`
	MaxAttempts int      `yaml:"max_attempts"`
	BaseDelay   Duration `yaml:"base_delay"`
	MaxDelay    Duration `yaml:"max_delay"`
	Retention   Duration `yaml:"retention"`
}

// SchedulerConfig contains cron schedules for background work.
type SchedulerConfig struct {
	DrainSchedule   string `yaml:"drain_schedule"`
	PullSchedule    string `yaml:"pull_schedule"`
	SweepSchedule   string `yaml:"sweep_schedule"`
	CleanupSchedule string `yaml:"cleanup_schedule"`
}

// ImagesConfig contains attachment cache and blob storage settings.
type ImagesConfig struct {
	CacheDir string   `yaml:"cache_dir"`
	S3       S3Config `yaml:"s3"`
}

// S3Config contains direct-bucket settings for self-hosted deployments.
// An empty bucket selects the signed-URL proxy flow instead.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"-"` // env-only, never in YAML
	SecretKey string `yaml:"-"` // env-only, never in YAML
	Region    string `yaml:"region"`
	UseSSL    *bool  `yaml:"use_ssl"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("FIELDSYNC_CONFIG_PATH", "config/fieldsync.yaml")

	// Missing file is not an error; defaults carry.
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8090,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Database: DatabaseConfig{
			Path: "data/fieldsync.db",
		},
		Remote: RemoteConfig{
			BaseURL:     "http://localhost:8080/api/v1",
			CallTimeout: Duration(10 * time.Second),
			BulkTimeout: Duration(60 * time.Second),
			MaxRetries:  3,
		},
		Queue: QueueConfig{
			BatchSize:   50,
			MaxAttempts: 5,
			BaseDelay:   Duration(2 * time.Second),
			MaxDelay:    Duration(5 * time.Minute),
			Retention:   Duration(7 * 24 * time.Hour),
		},
		Scheduler: SchedulerConfig{
			DrainSchedule:   "@every 30s",
			PullSchedule:    "@every 2m",
			SweepSchedule:   "@every 15m",
			CleanupSchedule: "@daily",
		},
		Images: ImagesConfig{
			CacheDir: "data/images",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Server
	if v := os.Getenv("FIELDSYNC_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("FIELDSYNC_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ReadTimeout = Duration(d)
		}
	}
	if v := os.Getenv("FIELDSYNC_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.WriteTimeout = Duration(d)
		}
	}
	if v := os.Getenv("FIELDSYNC_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ShutdownTimeout = Duration(d)
		}
	}
	if v := os.Getenv("FIELDSYNC_API_KEY"); v != "" {
		cfg.Server.APIKey = v
	}

	// Database
	if v := os.Getenv("FIELDSYNC_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Remote
	if v := os.Getenv("FIELDSYNC_REMOTE_URL"); v != "" {
		cfg.Remote.BaseURL = v
	}
	if v := os.Getenv("FIELDSYNC_REMOTE_API_KEY"); v != "" {
		cfg.Remote.APIKey = v
	}
	if v := os.Getenv("FIELDSYNC_REMOTE_CALL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Remote.CallTimeout = Duration(d)
		}
	}
	if v := os.Getenv("FIELDSYNC_REMOTE_BULK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Remote.BulkTimeout = Duration(d)
		}
	}
	if v := os.Getenv("FIELDSYNC_REMOTE_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Remote.MaxRetries = n
		}
	}

	// Queue
	if v := os.Getenv("FIELDSYNC_QUEUE_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.BatchSize = n
		}
	}
	if v := os.Getenv("FIELDSYNC_QUEUE_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.MaxAttempts = n
		}
	}
	if v := os.Getenv("FIELDSYNC_QUEUE_BASE_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Queue.BaseDelay = Duration(d)
		}
	}
	if v := os.Getenv("FIELDSYNC_QUEUE_MAX_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Queue.MaxDelay = Duration(d)
		}
	}
	if v := os.Getenv("FIELDSYNC_QUEUE_RETENTION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Queue.Retention = Duration(d)
		}
	}

	// Scheduler
	if v := os.Getenv("FIELDSYNC_DRAIN_SCHEDULE"); v != "" {
		cfg.Scheduler.DrainSchedule = v
	}
	if v := os.Getenv("FIELDSYNC_PULL_SCHEDULE"); v != "" {
		cfg.Scheduler.PullSchedule = v
	}
	if v := os.Getenv("FIELDSYNC_SWEEP_SCHEDULE"); v != "" {
		cfg.Scheduler.SweepSchedule = v
	}
	if v := os.Getenv("FIELDSYNC_CLEANUP_SCHEDULE"); v != "" {
		cfg.Scheduler.CleanupSchedule = v
	}

	// Images
	if v := os.Getenv("FIELDSYNC_IMAGE_CACHE_DIR"); v != "" {
		cfg.Images.CacheDir = v
	}
	if v := os.Getenv("FIELDSYNC_S3_ENDPOINT"); v != "" {
		cfg.Images.S3.Endpoint = v
	}
	if v := os.Getenv("FIELDSYNC_S3_BUCKET"); v != "" {
		cfg.Images.S3.Bucket = v
	}
	if v := os.Getenv("FIELDSYNC_S3_ACCESS_KEY"); v != "" {
		cfg.Images.S3.AccessKey = v
	}
	if v := os.Getenv("FIELDSYNC_S3_SECRET_KEY"); v != "" {
		cfg.Images.S3.SecretKey = v
	}
	if v := os.Getenv("FIELDSYNC_S3_REGION"); v != "" {
		cfg.Images.S3.Region = v
	}
	if v := os.Getenv("FIELDSYNC_S3_USE_SSL"); v != "" {
		ssl := v == "true" || v == "1"
		cfg.Images.S3.UseSSL = &ssl
	}

	// Log
	if v := os.Getenv("FIELDSYNC_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("FIELDSYNC_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// validate checks that required configuration values are set and coherent.
func (c *Config) validate() error {
	if c.Remote.BaseURL == "" {
		return errors.New("remote base_url is required")
	}
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}
	if c.Queue.MaxAttempts < 1 {
		return errors.New("queue max_attempts must be at least 1")
	}
	if c.Queue.BaseDelay <= 0 {
		return errors.New("queue base_delay must be positive")
	}
	if c.Queue.MaxDelay < c.Queue.BaseDelay {
		return errors.New("queue max_delay must not be below base_delay")
	}
	if c.Images.S3.Bucket != "" && c.Images.S3.Endpoint == "" {
		return errors.New("s3 endpoint is required when a bucket is configured")
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
