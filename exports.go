package allowance

import (
	"github.com/xraph/allowance/entitlement"
	"github.com/xraph/allowance/types"
)

// Re-export common types for convenience so users don't have to import the
// entitlement and types packages for the basics.

// Reason is re-exported from the entitlement package.
type Reason = entitlement.Reason

// Re-export reasons
const (
	ReasonUserNotFound       = entitlement.ReasonUserNotFound
	ReasonUserNotActive      = entitlement.ReasonUserNotActive
	ReasonTrialExpired       = entitlement.ReasonTrialExpired
	ReasonMembershipExpired  = entitlement.ReasonMembershipExpired
	ReasonInsufficientTokens = entitlement.ReasonInsufficientTokens
	ReasonSystemError        = entitlement.ReasonSystemError
)

// Entity is re-exported from types package.
type Entity = types.Entity

// Re-export Entity constructor
var NewEntity = types.NewEntity
