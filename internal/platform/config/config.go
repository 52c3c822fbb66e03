package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
	"gopkg.in/yaml.v3"
)

// Persistence backends accepted by PERSISTENCE_BACKEND.
const (
	BackendNone     = "none"
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

type Config struct {
	URL       string   `env:"LIVEWIRE_URL" yaml:"url"`
	Protocols []string `env:"LIVEWIRE_PROTOCOLS" yaml:"protocols"`

	ReconnectEnabled     bool          `env:"RECONNECT_ENABLED" default:"true" yaml:"reconnect_enabled"`
	ReconnectInterval    time.Duration `env:"RECONNECT_INTERVAL" default:"1s" yaml:"reconnect_interval"`
	ReconnectMaxDelay    time.Duration `env:"RECONNECT_MAX_DELAY" default:"30s" yaml:"reconnect_max_delay"`
	ReconnectJitter      time.Duration `env:"RECONNECT_JITTER" default:"1s" yaml:"reconnect_jitter"`
	MaxReconnectAttempts int           `env:"MAX_RECONNECT_ATTEMPTS" default:"10" yaml:"max_reconnect_attempts"`

	HeartbeatInterval         time.Duration `env:"HEARTBEAT_INTERVAL" default:"30s" yaml:"heartbeat_interval"`
	HeartbeatTimeout          time.Duration `env:"HEARTBEAT_TIMEOUT" default:"10s" yaml:"heartbeat_timeout"`
	RejectPendingOnDisconnect bool          `env:"REJECT_PENDING_ON_DISCONNECT" default:"true" yaml:"reject_pending_on_disconnect"`
	RequestTimeout            time.Duration `env:"REQUEST_TIMEOUT" default:"10s" yaml:"request_timeout"`
	SendRateLimit             float64       `env:"SEND_RATE_LIMIT" default:"0" yaml:"send_rate_limit"`

	QueueMaxSize         int           `env:"QUEUE_MAX_SIZE" default:"1000" yaml:"queue_max_size"`
	QueueConcurrency     int           `env:"QUEUE_CONCURRENCY" default:"3" yaml:"queue_concurrency"`
	QueueProcessInterval time.Duration `env:"QUEUE_PROCESS_INTERVAL" default:"100ms" yaml:"queue_process_interval"`
	DefaultMaxRetries    int           `env:"DEFAULT_MAX_RETRIES" default:"3" yaml:"default_max_retries"`
	RetryBaseDelay       time.Duration `env:"RETRY_BASE_DELAY" default:"1s" yaml:"retry_base_delay"`
	RetryMaxDelay        time.Duration `env:"RETRY_MAX_DELAY" default:"30s" yaml:"retry_max_delay"`
	ProcessingTimeout    time.Duration `env:"PROCESSING_TIMEOUT" default:"30s" yaml:"processing_timeout"`
	FailedRetention      time.Duration `env:"FAILED_RETENTION" default:"5m" yaml:"failed_retention"`

	DiagnosticBufferSize int `env:"DIAGNOSTIC_BUFFER_SIZE" default:"100" yaml:"diagnostic_buffer_size"`

	PersistenceBackend string        `env:"PERSISTENCE_BACKEND" default:"none" yaml:"persistence_backend"`
	PersistenceKey     string        `env:"PERSISTENCE_KEY" default:"livewire:queue" yaml:"persistence_key"`
	PersistenceDir     string        `env:"PERSISTENCE_DIR" yaml:"persistence_dir"`
	RedisURL           string        `env:"REDIS_URL" yaml:"redis_url"`
	RedisSnapshotTTL   time.Duration `env:"REDIS_SNAPSHOT_TTL" default:"0" yaml:"redis_snapshot_ttl"`
	DatabaseURL        string        `env:"DATABASE_URL" yaml:"database_url"`

	BatchSize    int           `env:"BATCH_SIZE" default:"1" yaml:"batch_size"`
	BatchTimeout time.Duration `env:"BATCH_TIMEOUT" default:"1s" yaml:"batch_timeout"`

	HTTPPort     string  `env:"HTTP_PORT" default:"8080" yaml:"http_port"`
	APIRateLimit float64 `env:"API_RATE_LIMIT" default:"20" yaml:"api_rate_limit"`
	APIRateBurst int     `env:"API_RATE_BURST" default:"40" yaml:"api_rate_burst"`

	LogLevel   string `env:"LOG_LEVEL" default:"info" yaml:"log_level"`
	LogFormat  string `env:"LOG_FORMAT" default:"text" yaml:"log_format"`
	ConfigFile string `env:"CONFIG_FILE" yaml:"-"`
}

// Load reads .env, then the process environment, then the optional YAML
// overlay named by CONFIG_FILE, and validates the result.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, &env.Options{SliceSep: ","}); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if cfg.ConfigFile != "" {
		if err := applyFile(&cfg, cfg.ConfigFile); err != nil {
			return nil, err
		}
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyFile overlays keys present in a YAML file. ${VAR} references are
// expanded from the environment before parsing.
func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func validate(cfg *Config) error {
	if cfg.URL == "" {
		return errors.New("LIVEWIRE_URL is required")
	}
	if !strings.HasPrefix(cfg.URL, "ws://") && !strings.HasPrefix(cfg.URL, "wss://") {
		return fmt.Errorf("LIVEWIRE_URL must use ws:// or wss://, got %q", cfg.URL)
	}

	positive := map[string]int{
		"QUEUE_MAX_SIZE":         cfg.QueueMaxSize,
		"QUEUE_CONCURRENCY":      cfg.QueueConcurrency,
		"DIAGNOSTIC_BUFFER_SIZE": cfg.DiagnosticBufferSize,
		"BATCH_SIZE":             cfg.BatchSize,
	}
	for name, value := range positive {
		if value < 1 {
			return fmt.Errorf("%s must be at least 1", name)
		}
	}

	durations := map[string]time.Duration{
		"RECONNECT_INTERVAL":     cfg.ReconnectInterval,
		"HEARTBEAT_INTERVAL":     cfg.HeartbeatInterval,
		"HEARTBEAT_TIMEOUT":      cfg.HeartbeatTimeout,
		"REQUEST_TIMEOUT":        cfg.RequestTimeout,
		"QUEUE_PROCESS_INTERVAL": cfg.QueueProcessInterval,
		"PROCESSING_TIMEOUT":     cfg.ProcessingTimeout,
		"BATCH_TIMEOUT":          cfg.BatchTimeout,
	}
	for name, value := range durations {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if cfg.MaxReconnectAttempts < 0 || cfg.DefaultMaxRetries < 0 {
		return errors.New("MAX_RECONNECT_ATTEMPTS and DEFAULT_MAX_RETRIES must not be negative")
	}
	if cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		return errors.New("RETRY_MAX_DELAY must not be below RETRY_BASE_DELAY")
	}
	if cfg.APIRateLimit < 0 || cfg.RedisSnapshotTTL < 0 {
		return errors.New("API_RATE_LIMIT and REDIS_SNAPSHOT_TTL must not be negative")
	}
	if cfg.ReconnectMaxDelay < cfg.ReconnectInterval {
		return errors.New("RECONNECT_MAX_DELAY must not be below RECONNECT_INTERVAL")
	}

	switch cfg.PersistenceBackend {
	case BackendNone, BackendMemory:
	case BackendFile:
		if cfg.PersistenceDir == "" {
			return errors.New("PERSISTENCE_DIR is required for the file backend")
		}
	case BackendRedis:
		if cfg.RedisURL == "" {
			return errors.New("REDIS_URL is required for the redis backend")
		}
	case BackendPostgres:
		if cfg.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown PERSISTENCE_BACKEND %q", cfg.PersistenceBackend)
	}

	return nil
}
