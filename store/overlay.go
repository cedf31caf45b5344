package store

import (
	"context"
	"errors"

	"github.com/xraph/allowance/counter"
)

// CounterBackend is a counter store with its own connection lifecycle, such
// as the Redis store.
type CounterBackend interface {
	counter.Store
	Ping(ctx context.Context) error
	Close() error
}

// WithCounters returns a Store that keeps entitlements and the usage log in
// base but routes daily counters to counters.
func WithCounters(base Store, counters CounterBackend) Store {
	return &overlay{Store: base, counters: counters}
}

type overlay struct {
	Store
	counters CounterBackend
}

func (o *overlay) Debit(ctx context.Context, userID, day string, tokens, limit int64) (int64, error) {
	return o.counters.Debit(ctx, userID, day, tokens, limit)
}

func (o *overlay) GetUsage(ctx context.Context, userID, day string) (int64, error) {
	return o.counters.GetUsage(ctx, userID, day)
}

func (o *overlay) Ping(ctx context.Context) error {
	if err := o.Store.Ping(ctx); err != nil {
		return err
	}
	return o.counters.Ping(ctx)
}

func (o *overlay) Close() error {
	return errors.Join(o.counters.Close(), o.Store.Close())
}
