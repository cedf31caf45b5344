package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/xraph/allowance/calendar"
	"github.com/xraph/allowance/plan"
)

// Config holds all configuration for the allowanced server.
type Config struct {
	Addr              string
	AdminKey          string
	ResetTimezone     string
	TrialDailyTokens  int64
	MemberDailyTokens int64
	DatabaseURL       string
	RedisURL          string
	LogLevel          string
	AdminUsageLog     bool
	ShutdownTimeout   time.Duration
}

// LoadConfig loads server configuration from environment variables. envFile
// is loaded first when set; otherwise a .env file in the working directory
// is loaded if present.
func LoadConfig(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	} else {
		// Best-effort .env loading (not required)
		_ = godotenv.Load()
	}

	trial, err := envOrDefaultInt64("ALLOWANCE_TRIAL_DAILY_TOKENS", plan.DefaultTrialDailyTokens)
	if err != nil {
		return nil, err
	}
	member, err := envOrDefaultInt64("ALLOWANCE_MEMBER_DAILY_TOKENS", plan.DefaultMemberDailyTokens)
	if err != nil {
		return nil, err
	}
	adminUsageLog, err := envOrDefaultBool("ALLOWANCE_ADMIN_USAGE_LOG", false)
	if err != nil {
		return nil, err
	}
	shutdown, err := envOrDefaultDuration("ALLOWANCE_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Addr:              envOrDefault("ALLOWANCE_ADDR", ":8080"),
		AdminKey:          strings.TrimSpace(os.Getenv("ALLOWANCE_ADMIN_KEY")),
		ResetTimezone:     envOrDefault("ALLOWANCE_RESET_TZ", calendar.Default().String()),
		TrialDailyTokens:  trial,
		MemberDailyTokens: member,
		DatabaseURL:       strings.TrimSpace(os.Getenv("ALLOWANCE_DATABASE_URL")),
		RedisURL:          strings.TrimSpace(os.Getenv("ALLOWANCE_REDIS_URL")),
		LogLevel:          envOrDefault("ALLOWANCE_LOG_LEVEL", "info"),
		AdminUsageLog:     adminUsageLog,
		ShutdownTimeout:   shutdown,
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate allowanced config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Addr == "" {
		return fmt.Errorf("ALLOWANCE_ADDR must not be empty")
	}
	if c.TrialDailyTokens <= 0 {
		return fmt.Errorf("ALLOWANCE_TRIAL_DAILY_TOKENS must be greater than 0, got %d", c.TrialDailyTokens)
	}
	if c.MemberDailyTokens <= 0 {
		return fmt.Errorf("ALLOWANCE_MEMBER_DAILY_TOKENS must be greater than 0, got %d", c.MemberDailyTokens)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("ALLOWANCE_SHUTDOWN_TIMEOUT must be positive, got %s", c.ShutdownTimeout)
	}
	if _, err := calendar.Parse(c.ResetTimezone); err != nil {
		return fmt.Errorf("ALLOWANCE_RESET_TZ: %w", err)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("ALLOWANCE_LOG_LEVEL: %w", err)
	}
	if _, _, err := databaseTarget(c.DatabaseURL); err != nil {
		return fmt.Errorf("ALLOWANCE_DATABASE_URL: %w", err)
	}
	if c.RedisURL != "" {
		if _, err := redis.ParseURL(c.RedisURL); err != nil {
			return fmt.Errorf("ALLOWANCE_REDIS_URL must be a valid redis URL: %w", err)
		}
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, err
	}
	return level, nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt64(key string, fallback int64) (int64, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultBool(key string, fallback bool) (bool, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("%s must be a boolean: %w", key, err)
		}
		return b, nil
	}
	return fallback, nil
}

func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a duration: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}
