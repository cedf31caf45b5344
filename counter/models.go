package counter

import (
	"errors"
	"time"

	"github.com/xraph/allowance/types"
)

// ErrLimitExceeded is returned by Debit when the debit would push the day's
// total past the limit. The counter is left unchanged.
var ErrLimitExceeded = errors.New("counter: daily limit exceeded")

// DailyUsage is the number of tokens one user consumed on one day.
type DailyUsage struct {
	types.Entity
	UserID   string `json:"user_id"`
	Day      string `json:"day"`
	Consumed int64  `json:"consumed"`
}

// Key returns the "<user>:<day>" identity of the counter.
func Key(userID, day string) string {
	return userID + ":" + day
}

// Snapshot is a read-only view of today's counter for display.
type Snapshot struct {
	UserID    string    `json:"user_id"`
	Day       string    `json:"day"`
	Consumed  int64     `json:"consumed"`
	Limit     int64     `json:"limit"`
	Remaining int64     `json:"remaining"`
	Unmetered bool      `json:"unmetered"`
	ResetsAt  time.Time `json:"resets_at"`
}

// Remaining returns limit - consumed, floored at zero.
func Remaining(limit, consumed int64) int64 {
	if consumed >= limit {
		return 0
	}
	return limit - consumed
}
