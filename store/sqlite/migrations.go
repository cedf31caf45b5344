package sqlite

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the Allowance store (SQLite).
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
    role           TEXT NOT NULL DEFAULT 'member' CHECK (role IN ('admin', 'member')),
    plan           TEXT NOT NULL DEFAULT 'trial' CHECK (plan IN ('trial', 'member')),
    status         TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('active', 'pending', 'disabled')),
    trial_ends_at  DATETIME,
    member_ends_at DATETIME,
    created_at     DATETIME NOT NULL DEFAULT (datetime('now')),
    updated_at     DATETIME NOT NULL DEFAULT (datetime('now'))
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
    consumed   INTEGER NOT NULL DEFAULT 0 CHECK (consumed >= 0),
    created_at DATETIME NOT NULL DEFAULT (datetime('now')),
    updated_at DATETIME NOT NULL DEFAULT (datetime('now')),
    PRIMARY KEY (user_id, day)
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
    consumed   INTEGER NOT NULL DEFAULT 0 CHECK (consumed >= 0),
    created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_allowance_usage_log_created ON allowance_usage_log (created_at);
CREATE INDEX IF NOT EXISTS idx_allowance_usage_log_user ON allowance_usage_log (user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_allowance_usage_log_tool ON allowance_usage_log (tool_id, created_at);
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
