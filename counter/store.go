package counter

import "context"

// Store holds per-day counters.
type Store interface {
	// Debit adds tokens to the (userID, day) counter if the result stays
	// within limit, creating the counter when absent. It returns the new
	// consumed total. When the debit does not fit it returns the current
	// total and ErrLimitExceeded without mutating anything.
	//
	// The check and the increment must be one atomic step.
	Debit(ctx context.Context, userID, day string, tokens, limit int64) (int64, error)

	// GetUsage returns the consumed total for the day, zero when no counter
	// exists yet.
	GetUsage(ctx context.Context, userID, day string) (int64, error)
}
