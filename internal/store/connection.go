package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"
)

// Config holds PostgreSQL connection configuration. Grounded on the
// teacher's internal/db/db.go Config, trimmed of the Supabase-pooler and
// multi-tenant application-name tagging this engine has no use for.
type Config struct {
	DatabaseURL     string
	MaxIdleConns    int
	MaxOpenConns    int
	MaxLifetime     time.Duration
	ApplicationName string
}

func poolLimitsForEnv(appEnv string) (maxOpen, maxIdle int) {
	switch appEnv {
	case "production":
		return 32, 10
	case "staging":
		return 10, 4
	default:
		return 4, 1
	}
}

// Open establishes a PostgreSQL connection pool using the pgx stdlib
// driver, grounded on the teacher's internal/db/db.go New/InitFromEnv.
func Open(config Config) (*sql.DB, error) {
	if strings.TrimSpace(config.DatabaseURL) == "" {
		return nil, fmt.Errorf("database url is required")
	}
	if config.MaxLifetime == 0 {
		config.MaxLifetime = 5 * time.Minute
	}

	log.Info().Msg("Opening PostgreSQL connection")

	db, err := sql.Open("pgx", config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.MaxLifetime)
	db.SetConnMaxIdleTime(2 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	return db, nil
}

// OpenFromEnv builds a Config from DATABASE_URL and APP_ENV-derived pool
// limits, grounded on the teacher's InitFromEnv.
func OpenFromEnv() (*sql.DB, error) {
	url := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if url == "" {
		return nil, fmt.Errorf("DATABASE_URL is not set")
	}
	maxOpen, maxIdle := poolLimitsForEnv(os.Getenv("APP_ENV"))
	return Open(Config{
		DatabaseURL:  url,
		MaxOpenConns: maxOpen,
		MaxIdleConns: maxIdle,
	})
}

// WaitForDatabase retries Ping with a capped exponential backoff until ctx
// is done, grounded on the teacher's internal/db/retry.go WaitForDatabase.
func WaitForDatabase(ctx context.Context, db *sql.DB) error {
	delay := time.Second
	const maxDelay = 30 * time.Second
	for {
		if err := db.PingContext(ctx); err == nil {
			return nil
		} else if ctx.Err() != nil {
			return fmt.Errorf("database did not become ready: %w", err)
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay = min(delay*2, maxDelay)
	}
}
