package infra

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string
	RedisAddr   string
	RedisDB     int

	ProviderBaseURL string
	ProviderToken   string
	WebhookBaseURL  string

	CronSecret string

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	// Lifecycle policy. The defaults match production tuning; tests and
	// deployments may override them without changing behavior semantics.
	StaleAfter      time.Duration
	JobTimeout      time.Duration
	LeaseTTL        time.Duration
	DequeueWait     time.Duration
	PollInterval    time.Duration
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	MaxAttempts     int
	ShutdownGrace   time.Duration
	ReclaimInterval time.Duration
}

// LoadConfig loads configuration from environment variables and applies
// defaults where needed. A .env file is honored when present.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load(".env", ".env.local")

	cfg := &Config{
		AppEnv:      getEnv("APP_ENV", "development"),
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisAddr:   getEnv("REDIS_ADDR", "localhost:6379"),
		RedisDB:     getEnvInt("REDIS_DB", 0),

		ProviderBaseURL: getEnv("PROVIDER_BASE_URL", "https://api.replicate.com"),
		ProviderToken:   os.Getenv("PROVIDER_API_TOKEN"),
		WebhookBaseURL:  os.Getenv("WEBHOOK_BASE_URL"),

		CronSecret: os.Getenv("CRON_SECRET"),

		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),

		StaleAfter:      time.Minute * time.Duration(getEnvInt("JOB_STALE_AFTER_MINUTES", 30)),
		JobTimeout:      time.Minute * time.Duration(getEnvInt("JOB_TIMEOUT_MINUTES", 10)),
		LeaseTTL:        time.Second * time.Duration(getEnvInt("QUEUE_LEASE_TTL_SECONDS", 60)),
		DequeueWait:     time.Second * time.Duration(getEnvInt("QUEUE_DEQUEUE_WAIT_SECONDS", 5)),
		PollInterval:    time.Second * time.Duration(getEnvInt("PROVIDER_POLL_INTERVAL_SECONDS", 2)),
		BackoffBase:     time.Second * time.Duration(getEnvInt("PROVIDER_BACKOFF_BASE_SECONDS", 1)),
		BackoffMax:      time.Second * time.Duration(getEnvInt("PROVIDER_BACKOFF_MAX_SECONDS", 30)),
		MaxAttempts:     getEnvInt("PROVIDER_MAX_ATTEMPTS", 5),
		ShutdownGrace:   time.Second * time.Duration(getEnvInt("SHUTDOWN_GRACE_SECONDS", 30)),
		ReclaimInterval: time.Second * time.Duration(getEnvInt("QUEUE_RECLAIM_INTERVAL_SECONDS", 30)),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("PROVIDER_MAX_ATTEMPTS must be at least 1")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
