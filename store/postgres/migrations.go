package postgres

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the Allowance store.
var Migrations = migrate.NewGroup("allowance")

func init() {
	Migrations.MustRegister(
		&migrate.Migration{
			Name:    "create_allowance_entitlements",
			Version: "20260301000001",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS allowance_entitlements (
    user_id        TEXT PRIMARY KEY,
    role           TEXT NOT NULL DEFAULT 'member',
    plan           TEXT NOT NULL DEFAULT 'trial',
    status         TEXT NOT NULL DEFAULT 'pending',
    trial_ends_at  TIMESTAMPTZ,
    member_ends_at TIMESTAMPTZ,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CONSTRAINT allowance_entitlements_role_check CHECK (role IN ('admin', 'member')),
    CONSTRAINT allowance_entitlements_plan_check CHECK (plan IN ('trial', 'member')),
    CONSTRAINT allowance_entitlements_status_check CHECK (status IN ('active', 'pending', 'disabled'))
);

CREATE INDEX IF NOT EXISTS idx_allowance_entitlements_plan_status ON allowance_entitlements (plan, status);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS allowance_entitlements`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_allowance_daily_usage",
			Version: "20260301000002",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS allowance_daily_usage (
    user_id    TEXT NOT NULL,
    day        TEXT NOT NULL,
    consumed   BIGINT NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (user_id, day),
    CONSTRAINT allowance_daily_usage_consumed_check CHECK (consumed >= 0)
);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS allowance_daily_usage`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_allowance_usage_log",
			Version: "20260301000003",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS allowance_usage_log (
    id         TEXT PRIMARY KEY,
    user_id    TEXT NOT NULL,
    tool_id    TEXT NOT NULL,
    consumed   BIGINT NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CONSTRAINT allowance_usage_log_consumed_check CHECK (consumed >= 0)
);

CREATE INDEX IF NOT EXISTS idx_allowance_usage_log_created ON allowance_usage_log (created_at DESC);
CREATE INDEX IF NOT EXISTS idx_allowance_usage_log_user ON allowance_usage_log (user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_allowance_usage_log_tool ON allowance_usage_log (tool_id, created_at DESC);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS allowance_usage_log`)
				return err
			},
		},
	)
}
