package entitlement_test

import (
	"testing"
	"time"

	"github.com/xraph/allowance/entitlement"
	"github.com/xraph/allowance/plan"
)

func TestEvaluate(t *testing.T) {
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	past := now.Add(-24 * time.Hour)
	future := now.Add(24 * time.Hour)

	tests := []struct {
		name       string
		ent        entitlement.UserEntitlement
		wantCanAct bool
		wantAdmin  bool
		wantReason entitlement.Reason
	}{
		{
			name:       "active trial without expiry",
			ent:        entitlement.UserEntitlement{Role: entitlement.RoleMember, Plan: plan.Trial, Status: entitlement.StatusActive},
			wantCanAct: true,
		},
		{
			name:       "active trial in future",
			ent:        entitlement.UserEntitlement{Role: entitlement.RoleMember, Plan: plan.Trial, Status: entitlement.StatusActive, TrialEndsAt: &future},
			wantCanAct: true,
		},
		{
			name:       "trial expired",
			ent:        entitlement.UserEntitlement{Role: entitlement.RoleMember, Plan: plan.Trial, Status: entitlement.StatusActive, TrialEndsAt: &past},
			wantReason: entitlement.ReasonTrialExpired,
		},
		{
			name:       "trial ends exactly now",
			ent:        entitlement.UserEntitlement{Role: entitlement.RoleMember, Plan: plan.Trial, Status: entitlement.StatusActive, TrialEndsAt: &now},
			wantReason: entitlement.ReasonTrialExpired,
		},
		{
			name:       "membership expired",
			ent:        entitlement.UserEntitlement{Role: entitlement.RoleMember, Plan: plan.Member, Status: entitlement.StatusActive, MemberEndsAt: &past},
			wantReason: entitlement.ReasonMembershipExpired,
		},
		{
			name:       "member ignores trial expiry",
			ent:        entitlement.UserEntitlement{Role: entitlement.RoleMember, Plan: plan.Member, Status: entitlement.StatusActive, TrialEndsAt: &past, MemberEndsAt: &future},
			wantCanAct: true,
		},
		{
			name:       "disabled checked before expiry",
			ent:        entitlement.UserEntitlement{Role: entitlement.RoleMember, Plan: plan.Member, Status: entitlement.StatusDisabled, MemberEndsAt: &past},
			wantReason: entitlement.ReasonUserNotActive,
		},
		{
			name:       "pending",
			ent:        entitlement.UserEntitlement{Role: entitlement.RoleMember, Plan: plan.Trial, Status: entitlement.StatusPending},
			wantReason: entitlement.ReasonUserNotActive,
		},
		{
			name:       "admin bypasses disabled and expiry",
			ent:        entitlement.UserEntitlement{Role: entitlement.RoleAdmin, Plan: plan.Trial, Status: entitlement.StatusDisabled, TrialEndsAt: &past},
			wantCanAct: true,
			wantAdmin:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := entitlement.Evaluate(&tt.ent, now)
			if d.CanAct != tt.wantCanAct {
				t.Errorf("CanAct = %v, want %v", d.CanAct, tt.wantCanAct)
			}
			if d.Admin != tt.wantAdmin {
				t.Errorf("Admin = %v, want %v", d.Admin, tt.wantAdmin)
			}
			if d.Reason != tt.wantReason {
				t.Errorf("Reason = %q, want %q", d.Reason, tt.wantReason)
			}
			if !d.EvaluatedAt.Equal(now) {
				t.Errorf("EvaluatedAt = %s", d.EvaluatedAt)
			}
		})
	}
}

func TestEvaluateDoesNotWriteBack(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	ent := entitlement.UserEntitlement{Role: entitlement.RoleMember, Plan: plan.Member, Status: entitlement.StatusActive, MemberEndsAt: &past}

	_ = entitlement.Evaluate(&ent, now)

	if ent.Status != entitlement.StatusActive {
		t.Errorf("status changed to %q", ent.Status)
	}
}

func TestNotFound(t *testing.T) {
	d := entitlement.NotFound("u-404", time.Now())
	if d.CanAct || d.Reason != entitlement.ReasonUserNotFound || d.UserID != "u-404" {
		t.Errorf("unexpected decision: %+v", d)
	}
}

func TestClone(t *testing.T) {
	end := time.Now()
	orig := &entitlement.UserEntitlement{UserID: "u1", TrialEndsAt: &end}
	c := orig.Clone()
	*c.TrialEndsAt = end.Add(time.Hour)
	if !orig.TrialEndsAt.Equal(end) {
		t.Error("clone shares TrialEndsAt with original")
	}

	var nilEnt *entitlement.UserEntitlement
	if nilEnt.Clone() != nil {
		t.Error("Clone of nil should be nil")
	}
}

func TestEnumValidity(t *testing.T) {
	if entitlement.Role("owner").IsValid() {
		t.Error("unexpected valid role")
	}
	if entitlement.Status("banned").IsValid() {
		t.Error("unexpected valid status")
	}
	for _, r := range []entitlement.Reason{entitlement.ReasonInsufficientTokens, entitlement.ReasonSystemError} {
		if !r.Retryable() {
			t.Errorf("%s should be retryable", r)
		}
	}
	if entitlement.ReasonTrialExpired.Retryable() {
		t.Error("TRIAL_EXPIRED should not be retryable")
	}
}
