// Package config loads orchestrator settings from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

type Config struct {
	Port        string
	DatabaseURL string

	MaxConcurrentTasks int
	DispatchInterval   time.Duration
	TaskTimeout        time.Duration

	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Port:               envOr("PORT", "8080"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		MaxConcurrentTasks: 4,
		DispatchInterval:   500 * time.Millisecond,
		TaskTimeout:        60 * time.Second,
		RetryMaxAttempts:   3,
		RetryBaseDelay:     time.Second,
		RetryMaxDelay:      30 * time.Second,
	}

	if cfg.DatabaseURL == "" {
		// Fall back to DB_* parts, same convention as the migration runner.
		user := os.Getenv("DB_USERNAME")
		pass := os.Getenv("DB_PASSWORD")
		host := os.Getenv("DB_HOST")
		port := os.Getenv("DB_PORT")
		name := os.Getenv("DB_NAME")
		if user != "" && pass != "" && host != "" && port != "" && name != "" {
			cfg.DatabaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
				user, pass, host, port, name)
		}
	}

	var err error
	if cfg.MaxConcurrentTasks, err = envInt("MAX_CONCURRENT_TASKS", cfg.MaxConcurrentTasks); err != nil {
		return Config{}, err
	}
	if cfg.RetryMaxAttempts, err = envInt("RETRY_MAX_ATTEMPTS", cfg.RetryMaxAttempts); err != nil {
		return Config{}, err
	}
	if cfg.DispatchInterval, err = envDuration("DISPATCH_INTERVAL", cfg.DispatchInterval); err != nil {
		return Config{}, err
	}
	if cfg.TaskTimeout, err = envDuration("TASK_TIMEOUT", cfg.TaskTimeout); err != nil {
		return Config{}, err
	}
	if cfg.RetryBaseDelay, err = envDuration("RETRY_BASE_DELAY", cfg.RetryBaseDelay); err != nil {
		return Config{}, err
	}
	if cfg.RetryMaxDelay, err = envDuration("RETRY_MAX_DELAY", cfg.RetryMaxDelay); err != nil {
		return Config{}, err
	}
	if cfg.MaxConcurrentTasks <= 0 {
		return Config{}, errors.New("MAX_CONCURRENT_TASKS must be positive")
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Wrapf(err, "parsing %s", key)
	}
	return n, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, errors.Wrapf(err, "parsing %s", key)
	}
	return d, nil
}
