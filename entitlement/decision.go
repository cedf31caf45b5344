package entitlement

import (
	"time"

	"github.com/xraph/allowance/plan"
)

// Decision is the outcome of resolving a user's entitlement at one instant.
// It is never cached across requests.
type Decision struct {
	UserID      string           `json:"user_id"`
	CanAct      bool             `json:"can_act"`
	Admin       bool             `json:"admin"`
	Reason      Reason           `json:"reason,omitempty"`
	Plan        plan.Plan        `json:"plan,omitempty"`
	Limit       int64            `json:"limit"`
	ExpiresAt   *time.Time       `json:"expires_at,omitempty"`
	EvaluatedAt time.Time        `json:"evaluated_at"`
	Entitlement *UserEntitlement `json:"entitlement,omitempty"`
}

// Evaluate applies the access rules to e at now:
//
//   - admins may always act;
//   - otherwise status must be active (checked first);
//   - otherwise the plan's expiry must be nil or after now.
//
// Limit is left for the caller to fill from the plan table.
func Evaluate(e *UserEntitlement, now time.Time) Decision {
	d := Decision{
		UserID:      e.UserID,
		Plan:        e.Plan,
		ExpiresAt:   e.ExpiresAt(),
		EvaluatedAt: now,
		Entitlement: e,
	}

	if e.IsAdmin() {
		d.CanAct = true
		d.Admin = true
		return d
	}

	if e.Status != StatusActive {
		d.Reason = ReasonUserNotActive
		return d
	}

	if exp := d.ExpiresAt; exp != nil && !exp.After(now) {
		if e.Plan == plan.Member {
			d.Reason = ReasonMembershipExpired
		} else {
			d.Reason = ReasonTrialExpired
		}
		return d
	}

	d.CanAct = true
	return d
}

// NotFound is the decision for a user with no entitlement record.
func NotFound(userID string, now time.Time) Decision {
	return Decision{
		UserID:      userID,
		Reason:      ReasonUserNotFound,
		EvaluatedAt: now,
	}
}
