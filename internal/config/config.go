// Package config loads process configuration from the environment,
// grounded on the teacher's cmd/app/main.go Config/getEnvWithDefault and
// internal/db/db.go InitFromEnv conventions.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the engine process's environment-derived configuration.
type Config struct {
	Port     string // HTTP port, only used if the embedding app adds a server; unused by the core itself
	Env      string // development/staging/production
	LogLevel string
	SentryDSN string

	DatabaseURL string

	// DefaultMaxConcurrency/DefaultRetryCount/DefaultTimeoutPerCall seed
	// BatchOptions when the caller does not override them.
	DefaultMaxConcurrency int
	DefaultRetryCount     int
	DefaultTimeoutPerCall time.Duration

	// ProgressPollInterval is how often ProgressTracker recomputes
	// snapshots, spec.md §4.5 default 2s.
	ProgressPollInterval time.Duration

	// ResultOutputDir is where ResultSink writes assembled artifacts.
	ResultOutputDir string
}

// Load reads configuration from the environment, loading a local .env file
// first if present (grounded on the teacher's godotenv.Load() call at the
// top of main).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:      getEnvWithDefault("PORT", "8080"),
		Env:       getEnvWithDefault("APP_ENV", "development"),
		LogLevel:  getEnvWithDefault("LOG_LEVEL", "info"),
		SentryDSN: os.Getenv("SENTRY_DSN"),

		DatabaseURL: os.Getenv("DATABASE_URL"),

		ResultOutputDir: getEnvWithDefault("RESULT_OUTPUT_DIR", "./results"),
	}

	var err error
	if cfg.DefaultMaxConcurrency, err = getEnvIntWithDefault("DEFAULT_MAX_CONCURRENCY", 5); err != nil {
		return nil, err
	}
	if cfg.DefaultRetryCount, err = getEnvIntWithDefault("DEFAULT_RETRY_COUNT", 3); err != nil {
		return nil, err
	}

	timeoutSeconds, err := getEnvIntWithDefault("DEFAULT_TIMEOUT_PER_CALL_SECONDS", 30)
	if err != nil {
		return nil, err
	}
	cfg.DefaultTimeoutPerCall = time.Duration(timeoutSeconds) * time.Second

	pollSeconds, err := getEnvIntWithDefault("PROGRESS_POLL_INTERVAL_SECONDS", 2)
	if err != nil {
		return nil, err
	}
	cfg.ProgressPollInterval = time.Duration(pollSeconds) * time.Second

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is not set")
	}

	return cfg, nil
}

func getEnvWithDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvIntWithDefault(key string, defaultValue int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, v, err)
	}
	return n, nil
}
