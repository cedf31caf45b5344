package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/xraph/allowance"
	"github.com/xraph/allowance/api"
	audithook "github.com/xraph/allowance/audit_hook"
	"github.com/xraph/allowance/calendar"
	"github.com/xraph/allowance/observability"
	"github.com/xraph/allowance/plan"
	"github.com/xraph/allowance/store"
	redisstore "github.com/xraph/allowance/store/redis"
)

func newLogger(level string) (*slog.Logger, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}

// buildStore opens the configured database, with daily counters moved to
// Redis when a Redis URL is configured.
func buildStore(ctx context.Context, cfg *Config) (store.Store, error) {
	base, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.RedisURL == "" {
		return base, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		_ = base.Close()
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return store.WithCounters(base, redisstore.New(redis.NewClient(opts))), nil
}

// buildEngine wires the engine and its plugins from cfg.
func buildEngine(cfg *Config, s store.Store, logger *slog.Logger, reg prometheus.Registerer) (*allowance.Engine, error) {
	cal, err := calendar.Parse(cfg.ResetTimezone)
	if err != nil {
		return nil, err
	}
	plans, err := plan.NewTable(
		plan.Quota{Plan: plan.Trial, DailyTokenLimit: cfg.TrialDailyTokens},
		plan.Quota{Plan: plan.Member, DailyTokenLimit: cfg.MemberDailyTokens},
	)
	if err != nil {
		return nil, err
	}

	audit := audithook.New(audithook.RecorderFunc(func(ctx context.Context, ev *audithook.AuditEvent) error {
		logger.LogAttrs(ctx, slog.LevelInfo, "audit",
			slog.String("action", ev.Action),
			slog.String("resource", ev.Resource),
			slog.String("resource_id", ev.ResourceID),
			slog.String("outcome", ev.Outcome),
			slog.String("severity", ev.Severity),
			slog.Any("metadata", ev.Metadata),
		)
		return nil
	}), audithook.WithLogger(logger))

	metrics := observability.NewMetricsExtension(observability.NewPrometheusFactory(reg))

	return allowance.New(s,
		allowance.WithLogger(logger),
		allowance.WithCalendar(cal),
		allowance.WithPlanTable(plans),
		allowance.WithAdminUsageLog(cfg.AdminUsageLog),
		allowance.WithPlugin(metrics),
		allowance.WithPlugin(audit),
	), nil
}

func databaseKind(url string) string {
	kind, _, _ := databaseTarget(url)
	return kind
}

func runServer(ctx context.Context, cfg *Config) error {
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}

	s, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}

	engine, err := buildEngine(cfg, s, logger, prometheus.DefaultRegisterer)
	if err != nil {
		_ = s.Close()
		return err
	}
	if err := engine.Start(ctx); err != nil {
		_ = s.Close()
		return err
	}

	if cfg.AdminKey == "" {
		logger.Warn("ALLOWANCE_ADMIN_KEY is not set; admin routes are open")
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.New(engine, api.WithAdminKey(cfg.AdminKey), api.WithLogger(logger)),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("allowanced listening",
			"addr", cfg.Addr,
			"version", Version,
			"reset_timezone", engine.Calendar().String(),
			"database", databaseKind(cfg.DatabaseURL),
			"redis_counters", cfg.RedisURL != "",
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			_ = engine.Stop()
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown", "error", err)
	}
	return engine.Stop()
}
