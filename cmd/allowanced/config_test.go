package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/allowance"
	"github.com/xraph/allowance/entitlement"
	"github.com/xraph/allowance/plan"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"ALLOWANCE_ADDR",
		"ALLOWANCE_ADMIN_KEY",
		"ALLOWANCE_RESET_TZ",
		"ALLOWANCE_TRIAL_DAILY_TOKENS",
		"ALLOWANCE_MEMBER_DAILY_TOKENS",
		"ALLOWANCE_DATABASE_URL",
		"ALLOWANCE_REDIS_URL",
		"ALLOWANCE_LOG_LEVEL",
		"ALLOWANCE_ADMIN_USAGE_LOG",
		"ALLOWANCE_SHUTDOWN_TIMEOUT",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	clearEnv(t)
	t.Chdir(t.TempDir())

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "UTC+7", cfg.ResetTimezone)
	assert.Equal(t, int64(10), cfg.TrialDailyTokens)
	assert.Equal(t, int64(100), cfg.MemberDailyTokens)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, cfg.AdminUsageLog)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
}

func TestLoadConfigFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("ALLOWANCE_ADDR", "127.0.0.1:9000")
	t.Setenv("ALLOWANCE_ADMIN_KEY", "secret")
	t.Setenv("ALLOWANCE_RESET_TZ", "Asia/Bangkok")
	t.Setenv("ALLOWANCE_TRIAL_DAILY_TOKENS", "20")
	t.Setenv("ALLOWANCE_MEMBER_DAILY_TOKENS", "500")
	t.Setenv("ALLOWANCE_DATABASE_URL", "postgres://allowance@localhost/allowance")
	t.Setenv("ALLOWANCE_REDIS_URL", "redis://localhost:6379/2")
	t.Setenv("ALLOWANCE_LOG_LEVEL", "debug")
	t.Setenv("ALLOWANCE_ADMIN_USAGE_LOG", "true")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Addr)
	assert.Equal(t, "secret", cfg.AdminKey)
	assert.Equal(t, int64(20), cfg.TrialDailyTokens)
	assert.Equal(t, int64(500), cfg.MemberDailyTokens)
	assert.Equal(t, "postgres://allowance@localhost/allowance", cfg.DatabaseURL)
	assert.Equal(t, "redis://localhost:6379/2", cfg.RedisURL)
	assert.True(t, cfg.AdminUsageLog)
}

func TestLoadConfigFromEnvFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "allowance.env")
	require.NoError(t, os.WriteFile(path, []byte("ALLOWANCE_MEMBER_DAILY_TOKENS=42\n"), 0o600))
	// godotenv does not override variables that are already set.
	require.NoError(t, os.Unsetenv("ALLOWANCE_MEMBER_DAILY_TOKENS"))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, int64(42), cfg.MemberDailyTokens)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"ALLOWANCE_TRIAL_DAILY_TOKENS", "0"},
		{"ALLOWANCE_MEMBER_DAILY_TOKENS", "lots"},
		{"ALLOWANCE_RESET_TZ", "Nowhere/Special"},
		{"ALLOWANCE_LOG_LEVEL", "loud"},
		{"ALLOWANCE_REDIS_URL", "http://localhost"},
		{"ALLOWANCE_DATABASE_URL", "mysql://localhost/allowance"},
		{"ALLOWANCE_DATABASE_URL", "sqlite://"},
		{"ALLOWANCE_ADMIN_USAGE_LOG", "maybe"},
		{"ALLOWANCE_SHUTDOWN_TIMEOUT", "-1s"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			clearEnv(t)
			t.Chdir(t.TempDir())
			t.Setenv(tt.key, tt.value)

			_, err := LoadConfig("")
			assert.Error(t, err)
		})
	}
}

func TestBuildEngineAppliesConfig(t *testing.T) {
	cfg := &Config{
		ResetTimezone:     "UTC",
		TrialDailyTokens:  3,
		MemberDailyTokens: 30,
		LogLevel:          "info",
	}
	s, err := buildStore(context.Background(), cfg)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine, err := buildEngine(cfg, s, logger, prometheus.NewRegistry())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, engine.Start(ctx))
	t.Cleanup(func() { _ = engine.Stop() })

	limit, ok := engine.Plans().Limit(plan.Trial)
	require.True(t, ok)
	assert.Equal(t, int64(3), limit)
	assert.Equal(t, "UTC", engine.Calendar().String())
	assert.Equal(t, 2, engine.Plugins().Count())

	ends := time.Now().Add(time.Hour)
	require.NoError(t, engine.ProvisionUser(ctx, &entitlement.UserEntitlement{
		UserID:      "u1",
		Role:        entitlement.RoleMember,
		Plan:        plan.Trial,
		Status:      entitlement.StatusActive,
		TrialEndsAt: &ends,
	}))
	res, err := engine.TryConsume(ctx, "u1", "summarize", 4)
	require.NoError(t, err)
	assert.False(t, res.Granted)
}

func TestDatabaseTarget(t *testing.T) {
	tests := []struct {
		url      string
		wantKind string
		wantDSN  string
	}{
		{"", databaseMemory, ""},
		{"postgres://u:p@db:5432/allowance", databasePostgres, "postgres://u:p@db:5432/allowance"},
		{"postgresql://db/allowance", databasePostgres, "postgresql://db/allowance"},
		{"mongodb://db:27017/allowance", databaseMongo, "mongodb://db:27017/allowance"},
		{"mongodb+srv://cluster.example.com/allowance", databaseMongo, "mongodb+srv://cluster.example.com/allowance"},
		{"sqlite:///var/lib/allowance.db", databaseSQLite, "/var/lib/allowance.db"},
		{"file:allowance.db?mode=rwc", databaseSQLite, "file:allowance.db?mode=rwc"},
	}

	for _, tt := range tests {
		t.Run(tt.wantKind+" "+tt.url, func(t *testing.T) {
			kind, dsn, err := databaseTarget(tt.url)
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, kind)
			assert.Equal(t, tt.wantDSN, dsn)
		})
	}

	_, _, err := databaseTarget("mysql://root:hunter2@db/allowance")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "hunter2")
}

func TestBuildStoreSQLitePersists(t *testing.T) {
	cfg := &Config{
		ResetTimezone:     "UTC",
		TrialDailyTokens:  10,
		MemberDailyTokens: 100,
		LogLevel:          "info",
		DatabaseURL:       "sqlite://" + filepath.Join(t.TempDir(), "allowance.db"),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	start := func() *allowance.Engine {
		s, err := buildStore(ctx, cfg)
		require.NoError(t, err)
		engine, err := buildEngine(cfg, s, logger, prometheus.NewRegistry())
		require.NoError(t, err)
		require.NoError(t, engine.Start(ctx))
		return engine
	}

	engine := start()
	require.NoError(t, engine.ProvisionUser(ctx, &entitlement.UserEntitlement{
		UserID: "u1",
		Role:   entitlement.RoleMember,
		Plan:   plan.Member,
		Status: entitlement.StatusActive,
	}))
	res, err := engine.TryConsume(ctx, "u1", "summarize", 40)
	require.NoError(t, err)
	require.True(t, res.Granted)
	require.NoError(t, engine.Stop())

	engine = start()
	t.Cleanup(func() { _ = engine.Stop() })

	snap, err := engine.Usage(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(40), snap.Consumed)
	assert.Equal(t, int64(60), snap.Remaining)
}
