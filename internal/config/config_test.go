package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"PORT", "DATABASE_URL", "REDIS_URL", "RABBITMQ_URL", "JWT_SECRET",
		"WALLET_SERVICE_URL", "DEV_WALLET_BALANCE", "WALLET_TIMEOUT",
		"SCAN_INTERVAL", "SCAN_INITIAL_DELAY", "LOCK_TTL", "LOCK_WAIT", "CACHE_TTL",
	} {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("JWT_SECRET", "s3cret")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", c.Port)
	assert.Equal(t, []byte("s3cret"), c.JWTSecret)
	assert.Empty(t, c.DatabaseURL)
	assert.True(t, c.DevWalletBalance.Equal(decimal.NewFromInt(20000000)))
	assert.Equal(t, 60*time.Second, c.ScanInterval)
	assert.Equal(t, 30*time.Second, c.ScanInitialDelay)
	assert.Equal(t, 5*time.Second, c.LockTTL)
	assert.Equal(t, 30*time.Second, c.CacheTTL)
	assert.Equal(t, 3*time.Second, c.WalletTimeout)
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("PORT", "9090")
	t.Setenv("SCAN_INTERVAL", "15s")
	t.Setenv("DEV_WALLET_BALANCE", "1500.25")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9090", c.Port)
	assert.Equal(t, 15*time.Second, c.ScanInterval)
	assert.True(t, c.DevWalletBalance.Equal(decimal.RequireFromString("1500.25")))
	assert.Equal(t, "redis://localhost:6379/0", c.RedisURL)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing secret", map[string]string{}},
		{"bad duration", map[string]string{"JWT_SECRET": "x", "LOCK_TTL": "soon"}},
		{"negative duration", map[string]string{"JWT_SECRET": "x", "CACHE_TTL": "-1s"}},
		{"zero scan interval", map[string]string{"JWT_SECRET": "x", "SCAN_INTERVAL": "0s"}},
		{"bad amount", map[string]string{"JWT_SECRET": "x", "DEV_WALLET_BALANCE": "lots"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
