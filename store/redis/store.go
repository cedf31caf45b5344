// Package redis keeps daily token counters in Redis.
//
// It only implements the counter half of the store. Wrap a full store with
// store.WithCounters to route Debit and GetUsage here while entitlements and
// the usage log stay in the database.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xraph/allowance/counter"
	allowancestore "github.com/xraph/allowance/store"
)

// DefaultNamespace prefixes every counter key.
const DefaultNamespace = "allowance"

// DefaultTTL keeps a day's counter around long enough to be read back for
// reporting after the day ends.
const DefaultTTL = 8 * 24 * time.Hour

// compile-time interface check
var _ allowancestore.CounterBackend = (*Store)(nil)

// debitScript adds ARGV[1] to the counter at KEYS[1] unless the result would
// exceed ARGV[2]. It returns {1, total} on success and {0, current} when the
// limit would be exceeded. A rejected debit never creates the key.
var debitScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local tokens = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
if current + tokens > limit then
	return {0, current}
end
local total = redis.call('INCRBY', KEYS[1], tokens)
redis.call('EXPIRE', KEYS[1], tonumber(ARGV[3]))
return {1, total}
`)

// Store implements store.CounterBackend on a Redis client.
type Store struct {
	client    redis.UniversalClient
	namespace string
	ttl       time.Duration
}

// Option configures the Redis store.
type Option func(*Store)

// WithNamespace sets the key prefix.
func WithNamespace(ns string) Option {
	return func(s *Store) {
		if ns != "" {
			s.namespace = ns
		}
	}
}

// WithTTL sets how long a counter key lives after its last debit.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// New creates a Redis counter store. The store takes ownership of client and
// closes it in Close.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client:    client,
		namespace: DefaultNamespace,
		ttl:       DefaultTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() redis.UniversalClient { return s.client }

// Ping checks Redis connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("allowance/redis: ping: %w", err)
	}
	return nil
}

// Close closes the Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Debit atomically adds tokens to the user's counter for day when the new
// total stays within limit.
func (s *Store) Debit(ctx context.Context, userID, day string, tokens, limit int64) (int64, error) {
	res, err := debitScript.Run(ctx, s.client,
		[]string{s.key(userID, day)},
		tokens, limit, int64(s.ttl/time.Second),
	).Int64Slice()
	if err != nil {
		return 0, fmt.Errorf("allowance/redis: debit: %w", err)
	}
	if len(res) != 2 {
		return 0, fmt.Errorf("allowance/redis: debit: unexpected reply %v", res)
	}
	if res[0] == 0 {
		return res[1], counter.ErrLimitExceeded
	}
	return res[1], nil
}

// GetUsage returns the user's consumption for day, or 0 when no key exists.
func (s *Store) GetUsage(ctx context.Context, userID, day string) (int64, error) {
	raw, err := s.client.Get(ctx, s.key(userID, day)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("allowance/redis: get usage: %w", err)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("allowance/redis: parse usage %q: %w", raw, err)
	}
	return n, nil
}

func (s *Store) key(userID, day string) string {
	return s.namespace + ":usage:" + counter.Key(userID, day)
}
