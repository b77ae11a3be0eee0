// Package config loads runtime settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

var ErrMissingSecret = errors.New("config: JWT_SECRET is required")

type Config struct {
	Port             string
	DatabaseURL      string
	RedisURL         string
	RabbitMQURL      string
	JWTSecret        []byte
	WalletServiceURL string
	DevWalletBalance decimal.Decimal
	WalletTimeout    time.Duration
	ScanInterval     time.Duration
	ScanInitialDelay time.Duration
	LockTTL          time.Duration
	LockWait         time.Duration
	CacheTTL         time.Duration
}

// Load reads the configuration. Values already in the environment win over
// the .env file.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("could not read .env file", "err", err)
	}

	c := Config{
		Port:             env("PORT", "8080"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RedisURL:         os.Getenv("REDIS_URL"),
		RabbitMQURL:      os.Getenv("RABBITMQ_URL"),
		JWTSecret:        []byte(os.Getenv("JWT_SECRET")),
		WalletServiceURL: os.Getenv("WALLET_SERVICE_URL"),
	}
	if len(c.JWTSecret) == 0 {
		return Config{}, ErrMissingSecret
	}

	var err error
	if c.DevWalletBalance, err = decimalEnv("DEV_WALLET_BALANCE", "20000000"); err != nil {
		return Config{}, err
	}
	durations := []struct {
		key  string
		def  time.Duration
		dest *time.Duration
	}{
		{"WALLET_TIMEOUT", 3 * time.Second, &c.WalletTimeout},
		{"SCAN_INTERVAL", 60 * time.Second, &c.ScanInterval},
		{"SCAN_INITIAL_DELAY", 30 * time.Second, &c.ScanInitialDelay},
		{"LOCK_TTL", 5 * time.Second, &c.LockTTL},
		{"LOCK_WAIT", 2 * time.Second, &c.LockWait},
		{"CACHE_TTL", 30 * time.Second, &c.CacheTTL},
	}
	for _, d := range durations {
		if *d.dest, err = durationEnv(d.key, d.def); err != nil {
			return Config{}, err
		}
	}
	if c.ScanInterval <= 0 {
		return Config{}, errors.New("config: SCAN_INTERVAL must be positive")
	}
	return c, nil
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("config: %s must not be negative", key)
	}
	return d, nil
}

func decimalEnv(key, def string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(env(key, def))
	if err != nil {
		return decimal.Zero, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, nil
}
