package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	v, err := envInt("TEST_INT", 0)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestEnvIntFallback(t *testing.T) {
	// TEST_INT_MISSING is not set.
	v, err := envInt("TEST_INT_MISSING", 99)
	require.NoError(t, err)
	assert.Equal(t, 99, v)
}

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	_, err := envInt("TEST_INT_BAD", 0)
	require.Error(t, err)
	assert.Equal(t, `TEST_INT_BAD="abc" is not a valid integer`, err.Error())
}

func TestEnvFloat(t *testing.T) {
	t.Setenv("TEST_FLOAT", "0.5")
	v, err := envFloat("TEST_FLOAT", 0)
	require.NoError(t, err)
	assert.Equal(t, 0.5, v)

	t.Setenv("TEST_FLOAT_BAD", "half")
	_, err = envFloat("TEST_FLOAT_BAD", 0)
	require.Error(t, err)
	assert.Equal(t, `TEST_FLOAT_BAD="half" is not a valid number`, err.Error())
}

func TestEnvBoolValid(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	v, err := envBool("TEST_BOOL", false)
	require.NoError(t, err)
	assert.True(t, v)
}

func TestEnvBoolInvalid(t *testing.T) {
	t.Setenv("TEST_BOOL_BAD", "maybe")
	_, err := envBool("TEST_BOOL_BAD", false)
	require.Error(t, err)
	assert.Equal(t, `TEST_BOOL_BAD="maybe" is not a valid boolean`, err.Error())
}

func TestEnvDurationValid(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	v, err := envDuration("TEST_DUR", 0)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, v)
}

func TestEnvDurationInvalid(t *testing.T) {
	t.Setenv("TEST_DUR_BAD", "five-seconds")
	_, err := envDuration("TEST_DUR_BAD", 0)
	require.Error(t, err)
	assert.Equal(t, `TEST_DUR_BAD="five-seconds" is not a valid duration`, err.Error())
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	// With no env vars set, Load should succeed using all defaults.
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, 50, cfg.HistoryWindow)
	assert.Equal(t, 0.35, cfg.MinRelevance)
	assert.Equal(t, 24*time.Hour, cfg.InFlightTTL)
	assert.True(t, cfg.PacingEnabled())
}

func TestLoadFailsOnInvalidWindow(t *testing.T) {
	t.Setenv("KOKORO_HISTORY_WINDOW", "abc")
	_, err := Load()
	require.Error(t, err)
	// Error should mention the variable name and value.
	assert.Contains(t, err.Error(), "KOKORO_HISTORY_WINDOW")
	assert.Contains(t, err.Error(), "abc")
}

func TestLoadFailsOnMultipleInvalid(t *testing.T) {
	t.Setenv("KOKORO_HISTORY_WINDOW", "abc")
	t.Setenv("KOKORO_IN_FLIGHT_TTL", "forever")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "sometimes")
	_, err := Load()
	require.Error(t, err)
	for _, key := range []string{"KOKORO_HISTORY_WINDOW", "KOKORO_IN_FLIGHT_TTL", "OTEL_EXPORTER_OTLP_INSECURE"} {
		assert.Contains(t, err.Error(), key)
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Store:               StoreMemory,
			HistoryWindow:       50,
			MinRelevance:        0.35,
			InFlightTTL:         time.Hour,
			BatchLimit:          4,
			PacingInterval:      time.Minute,
			PacingBurst:         1,
			HTTPRateInterval:    time.Second,
			HTTPRateBurst:       10,
			MaxRequestBodyBytes: 1024,
			LogLevel:            "info",
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "unknown store", mutate: func(c *Config) { c.Store = "mongo" }, wantErr: "KOKORO_STORE"},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Store = StorePostgres; c.PostgresMaxConns = 4 }, wantErr: "KOKORO_POSTGRES_DSN"},
		{name: "sqlite without path", mutate: func(c *Config) { c.Store = StoreSQLite }, wantErr: "KOKORO_SQLITE_PATH"},
		{name: "redis without addr", mutate: func(c *Config) { c.Store = StoreRedis }, wantErr: "KOKORO_REDIS_ADDR"},
		{name: "zero window", mutate: func(c *Config) { c.HistoryWindow = 0 }, wantErr: "KOKORO_HISTORY_WINDOW"},
		{name: "relevance above one", mutate: func(c *Config) { c.MinRelevance = 1.5 }, wantErr: "KOKORO_MIN_RELEVANCE"},
		{name: "zero batch limit", mutate: func(c *Config) { c.BatchLimit = 0 }, wantErr: "KOKORO_BATCH_LIMIT"},
		{name: "bad log level", mutate: func(c *Config) { c.LogLevel = "loud" }, wantErr: "KOKORO_LOG_LEVEL"},
		{name: "rate limit without interval", mutate: func(c *Config) { c.HTTPRateInterval = 0 }, wantErr: "KOKORO_HTTP_RATE_INTERVAL"},
		{name: "rate limit disabled", mutate: func(c *Config) { c.HTTPRateBurst = 0; c.HTTPRateInterval = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestPacingEnabled(t *testing.T) {
	assert.False(t, Config{PacingInterval: 0, PacingBurst: 1}.PacingEnabled())
	assert.False(t, Config{PacingInterval: time.Minute, PacingBurst: 0}.PacingEnabled())
	assert.True(t, Config{PacingInterval: time.Minute, PacingBurst: 1}.PacingEnabled())
}
