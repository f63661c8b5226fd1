// Package config loads process configuration from the environment, after an
// optional .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Store backends.
const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config holds the settings shared by the Convo binaries.
type Config struct {
	RedisAddr   string
	RedisDB     int
	NATSURL     string
	DatabaseURL string // empty disables the Postgres-backed topic and history stores

	HTTPAddr    string
	WSAddr      string
	MetricsAddr string

	JWTSecret string
	JWTIssuer string // empty accepts any issuer

	WorkerPoolSize int
	MaxConnections int

	LogLevel  string
	LogFormat string

	MatchPolicy      string
	MaxClaimAttempts int
	SweepInterval    time.Duration
	StaleSearchAfter time.Duration

	StoreBackend string
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		RedisAddr:        "localhost:6379",
		NATSURL:          "nats://localhost:4222",
		HTTPAddr:         ":8081",
		WSAddr:           ":8080",
		MetricsAddr:      ":9090",
		WorkerPoolSize:   256,
		MaxConnections:   100000,
		LogLevel:         "info",
		LogFormat:        "json",
		MatchPolicy:      "first",
		MaxClaimAttempts: 3,
		SweepInterval:    5 * time.Second,
		StaleSearchAfter: 2 * time.Minute,
		StoreBackend:     BackendRedis,
	}
}

// Load reads .env (if present) and then the process environment on top of
// Default. Malformed numbers and durations are errors, not silent defaults.
func Load() (Config, error) {
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function.
func FromEnv(getenv func(string) string) (Config, error) {
	cfg := Default()

	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	str("REDIS_ADDR", &cfg.RedisAddr)
	str("NATS_URL", &cfg.NATSURL)
	str("DATABASE_URL", &cfg.DatabaseURL)
	str("HTTP_ADDR", &cfg.HTTPAddr)
	str("WS_ADDR", &cfg.WSAddr)
	str("METRICS_ADDR", &cfg.MetricsAddr)
	str("JWT_SECRET", &cfg.JWTSecret)
	str("JWT_ISSUER", &cfg.JWTIssuer)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("LOG_FORMAT", &cfg.LogFormat)
	str("MATCH_POLICY", &cfg.MatchPolicy)
	str("STORE_BACKEND", &cfg.StoreBackend)

	if v := getenv("REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("config: REDIS_DB: %w", err)
		}
		cfg.RedisDB = n
	}
	if v := getenv("MATCH_MAX_CLAIM_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return cfg, fmt.Errorf("config: MATCH_MAX_CLAIM_ATTEMPTS must be a positive integer, got %q", v)
		}
		cfg.MaxClaimAttempts = n
	}
	for key, dst := range map[string]*int{
		"WORKER_POOL_SIZE": &cfg.WorkerPoolSize,
		"MAX_CONNECTIONS":  &cfg.MaxConnections,
	} {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				return cfg, fmt.Errorf("config: %s must be a positive integer, got %q", key, v)
			}
			*dst = n
		}
	}
	if err := duration(getenv, "SWEEP_INTERVAL", &cfg.SweepInterval); err != nil {
		return cfg, err
	}
	if err := duration(getenv, "STALE_SEARCH_AFTER", &cfg.StaleSearchAfter); err != nil {
		return cfg, err
	}

	switch cfg.StoreBackend {
	case BackendRedis, BackendMemory:
	default:
		return cfg, fmt.Errorf("config: STORE_BACKEND must be %q or %q, got %q", BackendRedis, BackendMemory, cfg.StoreBackend)
	}
	return cfg, nil
}

func duration(getenv func(string) string, key string, dst *time.Duration) error {
	v := getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	if d <= 0 {
		return fmt.Errorf("config: %s must be positive, got %s", key, d)
	}
	*dst = d
	return nil
}
