package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 24*time.Hour, cfg.JWTExpiration)
	assert.Equal(t, 5*time.Minute, cfg.DeployTimeout)
	assert.Equal(t, int64(1<<20), cfg.MaxRequestBodyBytes)
	assert.True(t, cfg.SandboxEnabled)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Equal(t, "kiban", cfg.ServiceName)
	assert.Equal(t, 72*time.Hour, cfg.AggregateGrace)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("KIBAN_PORT", "9090")
	t.Setenv("KIBAN_INVOKE_TIMEOUT", "5s")
	t.Setenv("KIBAN_RATE_LIMIT_RPS", "2.5")
	t.Setenv("KIBAN_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 5*time.Second, cfg.InvokeTimeout)
	assert.InDelta(t, 2.5, cfg.RateLimitRPS, 0.0001)

	lvl, err := cfg.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, lvl)
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	t.Setenv("KIBAN_PORT", "abc")
	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg, err := Load()
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad port", func(c *Config) { c.Port = 0 }, "KIBAN_PORT"},
		{"body limit", func(c *Config) { c.MaxRequestBodyBytes = 0 }, "KIBAN_MAX_REQUEST_BODY_BYTES"},
		{"vault without key", func(c *Config) { c.VaultPath = "/tmp/keys.db" }, "KIBAN_VAULT_MASTER_KEY"},
		{"short vault key", func(c *Config) {
			c.VaultPath = "/tmp/keys.db"
			c.VaultMasterKey = "abcd"
		}, "KIBAN_VAULT_MASTER_KEY"},
		{"no backend", func(c *Config) { c.SandboxEnabled = false }, "no backend configured"},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "KIBAN_LOG_LEVEL"},
		{"rate limit", func(c *Config) { c.RateLimitBurst = 0 }, "KIBAN_RATE_LIMIT_BURST"},
		{"negative grace", func(c *Config) { c.AggregateGrace = -time.Hour }, "KIBAN_AGGREGATE_GRACE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestVaultKey(t *testing.T) {
	cfg := Config{VaultMasterKey: strings.Repeat("ab", 32)}
	key, err := cfg.VaultKey()
	require.NoError(t, err)
	assert.Len(t, key, 32)
}
