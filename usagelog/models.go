package usagelog

import (
	"time"

	"github.com/xraph/allowance/id"
)

// Entry is one consumption event. Entries are append-only.
type Entry struct {
	ID        id.UsageEntryID `json:"id"`
	UserID    string          `json:"user_id"`
	ToolID    string          `json:"tool_id"`
	Consumed  int64           `json:"consumed"`
	CreatedAt time.Time       `json:"created_at"`
}

// Filter selects entries. Zero fields match everything. StartDate is
// inclusive, EndDate exclusive.
type Filter struct {
	UserID    string    `json:"user_id,omitempty"`
	ToolID    string    `json:"tool_id,omitempty"`
	StartDate time.Time `json:"start_date,omitempty"`
	EndDate   time.Time `json:"end_date,omitempty"`
}

// Matches reports whether e passes the filter.
func (f Filter) Matches(e *Entry) bool {
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.ToolID != "" && e.ToolID != f.ToolID {
		return false
	}
	if !f.StartDate.IsZero() && e.CreatedAt.Before(f.StartDate) {
		return false
	}
	if !f.EndDate.IsZero() && !e.CreatedAt.Before(f.EndDate) {
		return false
	}
	return true
}

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 500
	DefaultTopN      = 10
)

type Pagination struct {
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
	Total  int64 `json:"total"`
}

// Normalize applies the default and maximum page size and clamps a negative
// offset to zero.
func (p Pagination) Normalize() Pagination {
	switch {
	case p.Limit <= 0:
		p.Limit = DefaultPageLimit
	case p.Limit > MaxPageLimit:
		p.Limit = MaxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// Page is one page of entries, newest first.
type Page struct {
	Entries    []*Entry   `json:"entries"`
	Pagination Pagination `json:"pagination"`
}

// Ranked is a per-user or per-tool aggregate.
type Ranked struct {
	ID             string `json:"id"`
	RequestCount   int64  `json:"request_count"`
	TokensConsumed int64  `json:"tokens_consumed"`
}

type Stats struct {
	TotalRequests       int64    `json:"total_requests"`
	TotalTokensConsumed int64    `json:"total_tokens_consumed"`
	UniqueUsers         int64    `json:"unique_users"`
	UniqueTools         int64    `json:"unique_tools"`
	TopUsers            []Ranked `json:"top_users"`
	TopTools            []Ranked `json:"top_tools"`
}
