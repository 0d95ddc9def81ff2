package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 30*time.Millisecond, cfg.Stream.BatchInterval)
	assert.Equal(t, 100.0, cfg.Stream.RatePerSecond)
	assert.Equal(t, 100, cfg.Stream.RateBurst)
	assert.Equal(t, 5*time.Minute, cfg.Stream.SessionTTL)
	assert.Equal(t, 16, cfg.Stream.SubscriptionShards)
	assert.Equal(t, 60*time.Second, cfg.Alerts.Interval)
	assert.True(t, cfg.Auth.AllowAnonymous)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("WS_PORT", "9090")
	t.Setenv("BATCH_INTERVAL", "50ms")
	t.Setenv("RATE_LIMIT_PER_SECOND", "20")
	t.Setenv("ALLOW_ANONYMOUS", "false")
	t.Setenv("JWT_SECRET", "s3cret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 50*time.Millisecond, cfg.Stream.BatchInterval)
	assert.Equal(t, 20.0, cfg.Stream.RatePerSecond)
	assert.False(t, cfg.Auth.AllowAnonymous)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Server:   ServerConfig{Port: "8080"},
			Redis:    RedisConfig{URL: "redis://localhost:6379/0"},
			Postgres: PostgresConfig{URL: "postgres://localhost/db"},
			Auth:     AuthConfig{AllowAnonymous: true},
			Stream: StreamConfig{
				BatchInterval: 30 * time.Millisecond,
				RatePerSecond: 100,
				RateBurst:     100,
				SessionTTL:    5 * time.Minute,
			},
			Alerts: AlertConfig{Interval: time.Minute},
		}
	}

	assert.NoError(t, base().Validate())

	c := base()
	c.Server.Port = ""
	assert.Error(t, c.Validate())

	c = base()
	c.Stream.BatchInterval = 0
	assert.Error(t, c.Validate())

	c = base()
	c.Stream.RateBurst = 0
	assert.Error(t, c.Validate())

	c = base()
	c.Alerts.Interval = -time.Second
	assert.Error(t, c.Validate())

	c = base()
	c.Auth.AllowAnonymous = false
	assert.Error(t, c.Validate(), "disabling anonymous requires a JWT secret")

	c = base()
	c.Auth.AllowAnonymous = false
	c.Auth.JWTSecret = "secret"
	assert.NoError(t, c.Validate())
}
