package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// ----------------------------
	// SMTP
	// ----------------------------
	SMTPSendTimeout    time.Duration `envconfig:"SMTP_SEND_TIMEOUT" default:"30s"`
	SMTPPoolSize       int           `envconfig:"SMTP_POOL_SIZE" default:"5"`
	SMTPVerifyInterval time.Duration `envconfig:"SMTP_VERIFY_INTERVAL" default:"1m"`

	// ----------------------------
	// Workers
	// ----------------------------
	WorkerCount    int           `envconfig:"WORKER_COUNT" default:"5"`
	SendRate       int           `envconfig:"SEND_RATE" default:"10"`
	RetryAttempts  int           `envconfig:"RETRY_ATTEMPTS" default:"3"`
	BackoffBase    time.Duration `envconfig:"BACKOFF_BASE" default:"1s"`
	PollInterval   time.Duration `envconfig:"POLL_INTERVAL" default:"1s"`
	LockDuration   time.Duration `envconfig:"LOCK_DURATION" default:"30s"`
	StalledEvery   time.Duration `envconfig:"STALLED_INTERVAL" default:"30s"`
	MaxStalled     int           `envconfig:"MAX_STALLED_COUNT" default:"1"`
	RetainFinished time.Duration `envconfig:"RETAIN_FINISHED" default:"168h"`

	// ----------------------------
	// Rate limiting
	// ----------------------------
	RateLimit       int           `envconfig:"RATE_LIMIT" default:"100"`
	RateLimitWindow time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"60s"`

	// ----------------------------
	// Redis (queue + rate limiter)
	// ----------------------------
	RedisURL    string `envconfig:"REDIS_URL" default:"redis://localhost:6379/0"`
	QueuePrefix string `envconfig:"QUEUE_PREFIX" default:"email-queue"`

	// ----------------------------
	// HTTP API
	// ----------------------------
	APIPort    string `envconfig:"API_PORT" default:"8080"`
	MaxBatch   int    `envconfig:"MAX_BATCH" default:"100"`
	MaxCSVRows int    `envconfig:"MAX_CSV_ROWS" default:"1000"`

	// ----------------------------
	// Metrics
	// ----------------------------
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`

	// ----------------------------
	// Database
	// ----------------------------
	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
}

func Load() (*Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	return &cfg, err
}
