package entitlement

import (
	"time"

	"github.com/xraph/allowance/plan"
	"github.com/xraph/allowance/types"
)

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

func (r Role) IsValid() bool {
	return r == RoleAdmin || r == RoleMember
}

type Status string

const (
	StatusActive   Status = "active"
	StatusPending  Status = "pending"
	StatusDisabled Status = "disabled"
)

func (s Status) IsValid() bool {
	switch s {
	case StatusActive, StatusPending, StatusDisabled:
		return true
	}
	return false
}

// UserEntitlement is one user's standing. Only the expiry that matches Plan
// is consulted.
type UserEntitlement struct {
	types.Entity
	UserID       string     `json:"user_id"`
	Role         Role       `json:"role"`
	Plan         plan.Plan  `json:"plan"`
	Status       Status     `json:"status"`
	TrialEndsAt  *time.Time `json:"trial_ends_at,omitempty"`
	MemberEndsAt *time.Time `json:"member_ends_at,omitempty"`
}

// ExpiresAt returns the expiry that applies to the current plan, or nil.
func (e *UserEntitlement) ExpiresAt() *time.Time {
	switch e.Plan {
	case plan.Trial:
		return e.TrialEndsAt
	case plan.Member:
		return e.MemberEndsAt
	}
	return nil
}

func (e *UserEntitlement) IsAdmin() bool {
	return e.Role == RoleAdmin
}

// Clone returns a deep copy.
func (e *UserEntitlement) Clone() *UserEntitlement {
	if e == nil {
		return nil
	}
	c := *e
	if e.TrialEndsAt != nil {
		t := *e.TrialEndsAt
		c.TrialEndsAt = &t
	}
	if e.MemberEndsAt != nil {
		t := *e.MemberEndsAt
		c.MemberEndsAt = &t
	}
	return &c
}

type ListOpts struct {
	Role   Role
	Plan   plan.Plan
	Status Status
	Limit  int
	Offset int
}
