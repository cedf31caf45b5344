package postgres

import (
	"time"

	"github.com/xraph/grove"

	"github.com/xraph/allowance/counter"
	"github.com/xraph/allowance/entitlement"
	"github.com/xraph/allowance/id"
	"github.com/xraph/allowance/plan"
	"github.com/xraph/allowance/types"
	"github.com/xraph/allowance/usagelog"
)

// ==================== Entitlement models ====================

type entitlementModel struct {
	grove.BaseModel `grove:"table:allowance_entitlements"`

	UserID       string     `grove:"user_id,pk"`
	Role         string     `grove:"role"`
	Plan         string     `grove:"plan"`
	Status       string     `grove:"status"`
	TrialEndsAt  *time.Time `grove:"trial_ends_at"`
	MemberEndsAt *time.Time `grove:"member_ends_at"`
	CreatedAt    time.Time  `grove:"created_at"`
	UpdatedAt    time.Time  `grove:"updated_at"`
}

func toEntitlementModel(e *entitlement.UserEntitlement) *entitlementModel {
	return &entitlementModel{
		UserID:       e.UserID,
		Role:         string(e.Role),
		Plan:         string(e.Plan),
		Status:       string(e.Status),
		TrialEndsAt:  utcPtr(e.TrialEndsAt),
		MemberEndsAt: utcPtr(e.MemberEndsAt),
		CreatedAt:    e.CreatedAt.UTC(),
		UpdatedAt:    e.UpdatedAt.UTC(),
	}
}

func fromEntitlementModel(m *entitlementModel) *entitlement.UserEntitlement {
	return &entitlement.UserEntitlement{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		UserID:       m.UserID,
		Role:         entitlement.Role(m.Role),
		Plan:         plan.Plan(m.Plan),
		Status:       entitlement.Status(m.Status),
		TrialEndsAt:  m.TrialEndsAt,
		MemberEndsAt: m.MemberEndsAt,
	}
}

// ==================== Counter models ====================

type dailyUsageModel struct {
	grove.BaseModel `grove:"table:allowance_daily_usage"`

	UserID    string    `grove:"user_id,pk"`
	Day       string    `grove:"day,pk"`
	Consumed  int64     `grove:"consumed"`
	CreatedAt time.Time `grove:"created_at"`
	UpdatedAt time.Time `grove:"updated_at"`
}

func fromDailyUsageModel(m *dailyUsageModel) *counter.DailyUsage {
	return &counter.DailyUsage{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		UserID:   m.UserID,
		Day:      m.Day,
		Consumed: m.Consumed,
	}
}

// ==================== Usage log models ====================

type usageEntryModel struct {
	grove.BaseModel `grove:"table:allowance_usage_log"`

	ID        string    `grove:"id,pk"`
	UserID    string    `grove:"user_id"`
	ToolID    string    `grove:"tool_id"`
	Consumed  int64     `grove:"consumed"`
	CreatedAt time.Time `grove:"created_at"`
}

func toUsageEntryModel(e *usagelog.Entry) *usageEntryModel {
	return &usageEntryModel{
		ID:        e.ID.String(),
		UserID:    e.UserID,
		ToolID:    e.ToolID,
		Consumed:  e.Consumed,
		CreatedAt: e.CreatedAt.UTC(),
	}
}

func fromUsageEntryModel(m *usageEntryModel) (*usagelog.Entry, error) {
	entryID, err := id.ParseUsageEntryID(m.ID)
	if err != nil {
		return nil, err
	}

	return &usagelog.Entry{
		ID:        entryID,
		UserID:    m.UserID,
		ToolID:    m.ToolID,
		Consumed:  m.Consumed,
		CreatedAt: m.CreatedAt,
	}, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
