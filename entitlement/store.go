package entitlement

import "context"

// Store persists entitlements. There is no delete: users are disabled, never
// removed.
type Store interface {
	CreateEntitlement(ctx context.Context, e *UserEntitlement) error
	GetEntitlement(ctx context.Context, userID string) (*UserEntitlement, error)
	UpdateEntitlement(ctx context.Context, e *UserEntitlement) error
	ListEntitlements(ctx context.Context, opts ListOpts) ([]*UserEntitlement, error)
}
