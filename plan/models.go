package plan

import (
	"errors"
	"fmt"
	"sort"
)

type Plan string

const (
	Trial  Plan = "trial"
	Member Plan = "member"
)

func (p Plan) IsValid() bool {
	switch p {
	case Trial, Member:
		return true
	}
	return false
}

// Default daily token limits.
const (
	DefaultTrialDailyTokens  int64 = 10
	DefaultMemberDailyTokens int64 = 100
)

type Quota struct {
	Plan            Plan  `json:"plan"`
	DailyTokenLimit int64 `json:"daily_token_limit"`
}

var ErrInvalidQuota = errors.New("plan: invalid quota")

// Table is an immutable plan to daily-limit lookup. The zero value has no
// rows.
type Table struct {
	limits map[Plan]int64
}

// NewTable builds a table from quotas. Every plan may appear once and limits
// must be positive.
func NewTable(quotas ...Quota) (Table, error) {
	limits := make(map[Plan]int64, len(quotas))
	for _, q := range quotas {
		if !q.Plan.IsValid() {
			return Table{}, fmt.Errorf("%w: unknown plan %q", ErrInvalidQuota, q.Plan)
		}
		if q.DailyTokenLimit <= 0 {
			return Table{}, fmt.Errorf("%w: %s limit must be positive, got %d", ErrInvalidQuota, q.Plan, q.DailyTokenLimit)
		}
		if _, dup := limits[q.Plan]; dup {
			return Table{}, fmt.Errorf("%w: duplicate plan %q", ErrInvalidQuota, q.Plan)
		}
		limits[q.Plan] = q.DailyTokenLimit
	}
	return Table{limits: limits}, nil
}

// MustTable is like NewTable but panics on error.
func MustTable(quotas ...Quota) Table {
	t, err := NewTable(quotas...)
	if err != nil {
		panic(err)
	}
	return t
}

// DefaultTable returns trial=10, member=100.
func DefaultTable() Table {
	return MustTable(
		Quota{Plan: Trial, DailyTokenLimit: DefaultTrialDailyTokens},
		Quota{Plan: Member, DailyTokenLimit: DefaultMemberDailyTokens},
	)
}

func (t Table) Limit(p Plan) (int64, bool) {
	limit, ok := t.limits[p]
	return limit, ok
}

// Quotas returns the rows sorted by plan name.
func (t Table) Quotas() []Quota {
	out := make([]Quota, 0, len(t.limits))
	for p, limit := range t.limits {
		out = append(out, Quota{Plan: p, DailyTokenLimit: limit})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Plan < out[j].Plan })
	return out
}

func (t Table) Len() int {
	return len(t.limits)
}
