package store

import (
	"context"

	"github.com/xraph/allowance/counter"
	"github.com/xraph/allowance/entitlement"
	"github.com/xraph/allowance/usagelog"
)

// Store is the unified storage interface for all Allowance entities. The
// per-entity method names are distinct so the sub-interfaces embed cleanly.
type Store interface {
	entitlement.Store
	counter.Store
	usagelog.Store

	// Core methods
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
