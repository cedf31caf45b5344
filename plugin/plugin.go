// Package plugin provides an extensible plugin system for Allowance.
// Plugins can hook into lifecycle and quota events to extend functionality.
package plugin

import (
	"context"
	"time"

	"github.com/xraph/allowance/entitlement"
	"github.com/xraph/allowance/usagelog"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// ConsumeEvent describes the outcome of one consume request.
type ConsumeEvent struct {
	UserID    string
	ToolID    string
	Tokens    int64
	Consumed  int64
	Limit     int64
	Remaining int64
	Day       string
	Unmetered bool
	Reason    entitlement.Reason
	Elapsed   time.Duration
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called when the engine starts.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, engine interface{}) error
}

// OnShutdown is called when the engine stops.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Entitlement hooks
// ──────────────────────────────────────────────────

// OnEntitlementResolved is called after every entitlement resolution.
type OnEntitlementResolved interface {
	Plugin
	OnEntitlementResolved(ctx context.Context, d *entitlement.Decision) error
}

// OnEntitlementChanged is called after the administrative path writes an
// entitlement. prev is nil when the user was just provisioned.
type OnEntitlementChanged interface {
	Plugin
	OnEntitlementChanged(ctx context.Context, prev, next *entitlement.UserEntitlement) error
}

// ──────────────────────────────────────────────────
// Quota hooks
// ──────────────────────────────────────────────────

// OnConsumeGranted is called when a consume request is granted.
type OnConsumeGranted interface {
	Plugin
	OnConsumeGranted(ctx context.Context, ev *ConsumeEvent) error
}

// OnConsumeDenied is called when a consume request is denied, including
// denials caused by system errors.
type OnConsumeDenied interface {
	Plugin
	OnConsumeDenied(ctx context.Context, ev *ConsumeEvent) error
}

// ──────────────────────────────────────────────────
// Usage log hooks
// ──────────────────────────────────────────────────

// OnUsageRecorded is called after an entry is appended to the usage log.
type OnUsageRecorded interface {
	Plugin
	OnUsageRecorded(ctx context.Context, e *usagelog.Entry) error
}

// ──────────────────────────────────────────────────
// Store hooks
// ──────────────────────────────────────────────────

// OnStoreError is called when a storage operation fails.
type OnStoreError interface {
	Plugin
	OnStoreError(ctx context.Context, op string, err error) error
}
