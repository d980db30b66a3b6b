// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store backends accepted by KOKORO_STORE.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreRedis    = "redis"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	HTTPAddr            string
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	ShutdownTimeout     time.Duration
	MaxRequestBodyBytes int64

	// HTTP rate limit per client IP: burst requests, then one per interval.
	// A zero burst disables it.
	HTTPRateInterval time.Duration
	HTTPRateBurst    int

	// Store settings.
	Store            string // memory, postgres, sqlite or redis
	PostgresDSN      string
	PostgresMaxConns int
	SQLitePath       string
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	RedisTTL         time.Duration // Expiry of conversation keys. Zero keeps them forever.

	// Engine settings.
	CatalogPath    string // Empty uses the built-in catalog.
	HistoryWindow  int
	MinRelevance   float64
	InFlightTTL    time.Duration
	BatchLimit     int
	PacingInterval time.Duration // Minimum spacing between newly introduced modules.
	PacingBurst    int

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
// Every malformed variable is reported, not just the first.
func Load() (Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	cfg := Config{
		HTTPAddr:      envStr("KOKORO_HTTP_ADDR", ":8080"),
		Store:         strings.ToLower(envStr("KOKORO_STORE", StoreMemory)),
		PostgresDSN:   envStr("KOKORO_POSTGRES_DSN", ""),
		SQLitePath:    envStr("KOKORO_SQLITE_PATH", "kokoro.db"),
		RedisAddr:     envStr("KOKORO_REDIS_ADDR", "localhost:6379"),
		RedisPassword: envStr("KOKORO_REDIS_PASSWORD", ""),
		CatalogPath:   envStr("KOKORO_CATALOG_PATH", ""),
		OTELEndpoint:  envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:   envStr("OTEL_SERVICE_NAME", "kokoro"),
		LogLevel:      strings.ToLower(envStr("KOKORO_LOG_LEVEL", "info")),
	}

	var err error
	cfg.ReadTimeout, err = envDuration("KOKORO_READ_TIMEOUT", 30*time.Second)
	collect(err)
	cfg.WriteTimeout, err = envDuration("KOKORO_WRITE_TIMEOUT", 30*time.Second)
	collect(err)
	cfg.ShutdownTimeout, err = envDuration("KOKORO_SHUTDOWN_TIMEOUT", 15*time.Second)
	collect(err)
	var maxBody int
	maxBody, err = envInt("KOKORO_MAX_REQUEST_BODY_BYTES", 1*1024*1024) // 1 MB default
	collect(err)
	cfg.MaxRequestBodyBytes = int64(maxBody)
	cfg.HTTPRateInterval, err = envDuration("KOKORO_HTTP_RATE_INTERVAL", 100*time.Millisecond)
	collect(err)
	cfg.HTTPRateBurst, err = envInt("KOKORO_HTTP_RATE_BURST", 50)
	collect(err)

	cfg.PostgresMaxConns, err = envInt("KOKORO_POSTGRES_MAX_CONNS", 10)
	collect(err)
	cfg.RedisDB, err = envInt("KOKORO_REDIS_DB", 0)
	collect(err)
	cfg.RedisTTL, err = envDuration("KOKORO_REDIS_TTL", 0)
	collect(err)

	cfg.HistoryWindow, err = envInt("KOKORO_HISTORY_WINDOW", 50)
	collect(err)
	cfg.MinRelevance, err = envFloat("KOKORO_MIN_RELEVANCE", 0.35)
	collect(err)
	cfg.InFlightTTL, err = envDuration("KOKORO_IN_FLIGHT_TTL", 24*time.Hour)
	collect(err)
	cfg.BatchLimit, err = envInt("KOKORO_BATCH_LIMIT", 8)
	collect(err)
	cfg.PacingInterval, err = envDuration("KOKORO_PACING_INTERVAL", 10*time.Minute)
	collect(err)
	cfg.PacingBurst, err = envInt("KOKORO_PACING_BURST", 1)
	collect(err)

	cfg.OTELInsecure, err = envBool("OTEL_EXPORTER_OTLP_INSECURE", false)
	collect(err)

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that values are in range and that the selected store has
// what it needs.
func (c Config) Validate() error {
	var errs []error
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("KOKORO_POSTGRES_DSN is required when KOKORO_STORE=postgres"))
		}
		if c.PostgresMaxConns <= 0 {
			errs = append(errs, errors.New("KOKORO_POSTGRES_MAX_CONNS must be positive"))
		}
	case StoreSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("KOKORO_SQLITE_PATH is required when KOKORO_STORE=sqlite"))
		}
	case StoreRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("KOKORO_REDIS_ADDR is required when KOKORO_STORE=redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("KOKORO_STORE=%q must be one of memory, postgres, sqlite, redis", c.Store))
	}

	if c.HistoryWindow <= 0 {
		errs = append(errs, errors.New("KOKORO_HISTORY_WINDOW must be positive"))
	}
	if c.MinRelevance < 0 || c.MinRelevance > 1 {
		errs = append(errs, errors.New("KOKORO_MIN_RELEVANCE must be within [0, 1]"))
	}
	if c.InFlightTTL <= 0 {
		errs = append(errs, errors.New("KOKORO_IN_FLIGHT_TTL must be positive"))
	}
	if c.BatchLimit <= 0 {
		errs = append(errs, errors.New("KOKORO_BATCH_LIMIT must be positive"))
	}
	if c.PacingInterval < 0 || c.PacingBurst < 0 {
		errs = append(errs, errors.New("KOKORO_PACING_INTERVAL and KOKORO_PACING_BURST must not be negative"))
	}
	if c.HTTPRateBurst < 0 || (c.HTTPRateBurst > 0 && c.HTTPRateInterval <= 0) {
		errs = append(errs, errors.New("KOKORO_HTTP_RATE_INTERVAL must be positive when rate limiting is enabled"))
	}
	if c.MaxRequestBodyBytes <= 0 {
		errs = append(errs, errors.New("KOKORO_MAX_REQUEST_BODY_BYTES must be positive"))
	}
	if c.RedisTTL < 0 {
		errs = append(errs, errors.New("KOKORO_REDIS_TTL must not be negative"))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("KOKORO_LOG_LEVEL=%q must be one of debug, info, warn, error", c.LogLevel))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// PacingEnabled reports whether new-module pacing is on.
func (c Config) PacingEnabled() bool {
	return c.PacingInterval > 0 && c.PacingBurst > 0
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
