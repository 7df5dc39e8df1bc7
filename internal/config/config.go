package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// ----------------------------
	// Transport
	// ----------------------------
	Transport string `envconfig:"EMAIL_TRANSPORT" default:"smtp"`

	SMTPHost     string `envconfig:"SMTP_HOST" default:"localhost"`
	SMTPPort     int    `envconfig:"SMTP_PORT" default:"1025"`
	SMTPUser     string `envconfig:"SMTP_USER" default:""`
	SMTPPassword string `envconfig:"SMTP_PASSWORD" default:""`

	PostmarkServerToken  string `envconfig:"POSTMARK_SERVER_TOKEN" default:""`
	PostmarkAccountToken string `envconfig:"POSTMARK_ACCOUNT_TOKEN" default:""`

	// ----------------------------
	// Workers
	// ----------------------------
	RunWorker       bool          `envconfig:"RUN_WORKER" default:"true"`
	WorkerCount     int           `envconfig:"WORKER_COUNT" default:"5"`
	RateLimit       float64       `envconfig:"RATE_LIMIT" default:"10"`
	SendDelay       time.Duration `envconfig:"SEND_DELAY" default:"2s"`
	SendTimeout     time.Duration `envconfig:"SEND_TIMEOUT" default:"30s"`
	RescheduleFloor time.Duration `envconfig:"RESCHEDULE_FLOOR" default:"60s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`

	// ----------------------------
	// Queue
	// ----------------------------
	QueueName    string        `envconfig:"QUEUE_NAME" default:"email-queue"`
	MaxRetries   int           `envconfig:"MAX_RETRIES" default:"3"`
	RetryBackoff time.Duration `envconfig:"RETRY_BACKOFF" default:"5s"`
	LeaseTimeout time.Duration `envconfig:"LEASE_TIMEOUT" default:"2m"`
	PollInterval time.Duration `envconfig:"POLL_INTERVAL" default:"500ms"`

	// ----------------------------
	// HTTP API
	// ----------------------------
	RunAPI       bool   `envconfig:"RUN_API" default:"true"`
	APIPort      string `envconfig:"API_PORT" default:"8080"`
	MaxBatchRows int    `envconfig:"MAX_BATCH_ROWS" default:"10000"`

	// ----------------------------
	// Metrics
	// ----------------------------
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`

	// ----------------------------
	// Storage
	// ----------------------------
	Storage        string `envconfig:"STORAGE" default:"postgres"`
	DatabaseURL    string `envconfig:"DATABASE_URL" default:""`
	RedisURL       string `envconfig:"REDIS_URL" default:"redis://localhost:6379/0"`
	MigrateOnStart bool   `envconfig:"MIGRATE_ON_START" default:"true"`

	// ----------------------------
	// Logging
	// ----------------------------
	LogDev bool `envconfig:"LOG_DEV" default:"false"`
}

// Load reads .env files when present, then the environment. Variables
// already set in the environment win over .env values.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Storage {
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required when STORAGE=postgres")
		}
		if c.RedisURL == "" {
			return errors.New("REDIS_URL is required when STORAGE=postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown STORAGE %q", c.Storage)
	}

	switch c.Transport {
	case "smtp", "log":
	case "postmark":
		if c.PostmarkServerToken == "" {
			return errors.New("POSTMARK_SERVER_TOKEN is required when EMAIL_TRANSPORT=postmark")
		}
	default:
		return fmt.Errorf("unknown EMAIL_TRANSPORT %q", c.Transport)
	}

	if c.WorkerCount < 1 {
		return errors.New("WORKER_COUNT must be at least 1")
	}
	if c.MaxRetries < 1 {
		return errors.New("MAX_RETRIES must be at least 1")
	}
	return nil
}
