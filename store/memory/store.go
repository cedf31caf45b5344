// Package memory is an in-process Store. It is the reference backend for
// tests and single-instance deployments.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/xraph/allowance"
	"github.com/xraph/allowance/counter"
	"github.com/xraph/allowance/entitlement"
	"github.com/xraph/allowance/store"
	"github.com/xraph/allowance/usagelog"
)

var _ store.Store = (*Store)(nil)

type Store struct {
	mu     sync.RWMutex
	closed bool

	// Entitlement storage
	entitlements map[string]*entitlement.UserEntitlement

	// Daily counters keyed by counter.Key
	counters map[string]*counter.DailyUsage

	// Usage log, append-only in insertion order
	entries []usagelog.Entry
}

func New() *Store {
	return &Store{
		entitlements: make(map[string]*entitlement.UserEntitlement),
		counters:     make(map[string]*counter.DailyUsage),
		entries:      make([]usagelog.Entry, 0),
	}
}

// Entitlement Store implementation
func (s *Store) CreateEntitlement(_ context.Context, e *entitlement.UserEntitlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return allowance.ErrStoreClosed
	}
	if _, exists := s.entitlements[e.UserID]; exists {
		return allowance.ErrAlreadyExists
	}

	s.entitlements[e.UserID] = e.Clone()
	return nil
}

func (s *Store) GetEntitlement(_ context.Context, userID string) (*entitlement.UserEntitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, allowance.ErrStoreClosed
	}
	if e, ok := s.entitlements[userID]; ok {
		return e.Clone(), nil
	}
	return nil, allowance.ErrUserNotFound
}

func (s *Store) UpdateEntitlement(_ context.Context, e *entitlement.UserEntitlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return allowance.ErrStoreClosed
	}
	if _, exists := s.entitlements[e.UserID]; !exists {
		return allowance.ErrUserNotFound
	}

	s.entitlements[e.UserID] = e.Clone()
	return nil
}

func (s *Store) ListEntitlements(_ context.Context, opts entitlement.ListOpts) ([]*entitlement.UserEntitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, allowance.ErrStoreClosed
	}

	var result []*entitlement.UserEntitlement
	for _, e := range s.entitlements {
		if opts.Role != "" && e.Role != opts.Role {
			continue
		}
		if opts.Plan != "" && e.Plan != opts.Plan {
			continue
		}
		if opts.Status != "" && e.Status != opts.Status {
			continue
		}
		result = append(result, e.Clone())
	}

	sort.Slice(result, func(i, j int) bool { return result[i].UserID < result[j].UserID })

	return paginate(result, opts.Limit, opts.Offset), nil
}

// Counter Store implementation
func (s *Store) Debit(_ context.Context, userID, day string, tokens, limit int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, allowance.ErrStoreClosed
	}

	key := counter.Key(userID, day)
	c, ok := s.counters[key]

	var current int64
	if ok {
		current = c.Consumed
	}
	if current+tokens > limit {
		return current, counter.ErrLimitExceeded
	}

	if !ok {
		c = &counter.DailyUsage{Entity: allowance.NewEntity(), UserID: userID, Day: day}
		s.counters[key] = c
	}
	c.Consumed += tokens
	c.Touch()

	return c.Consumed, nil
}

func (s *Store) GetUsage(_ context.Context, userID, day string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, allowance.ErrStoreClosed
	}
	if c, ok := s.counters[counter.Key(userID, day)]; ok {
		return c.Consumed, nil
	}
	return 0, nil
}

// HasCounter reports whether a counter row exists for (userID, day).
func (s *Store) HasCounter(userID, day string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.counters[counter.Key(userID, day)]
	return ok
}

// Usage log Store implementation
func (s *Store) AppendEntry(_ context.Context, e *usagelog.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return allowance.ErrStoreClosed
	}
	s.entries = append(s.entries, *e)
	return nil
}

func (s *Store) ListEntries(_ context.Context, f usagelog.Filter, limit, offset int) ([]*usagelog.Entry, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, 0, allowance.ErrStoreClosed
	}

	matched := s.matching(f)

	// Newest first; equal timestamps keep reverse insertion order.
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	return paginate(matched, limit, offset), int64(len(matched)), nil
}

func (s *Store) AggregateEntries(_ context.Context, f usagelog.Filter, topN int) (*usagelog.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, allowance.ErrStoreClosed
	}
	return usagelog.Summarize(s.matching(f), topN), nil
}

// matching returns copies of the entries that pass f, newest insertion
// first. Caller must hold the lock.
func (s *Store) matching(f usagelog.Filter) []*usagelog.Entry {
	var out []*usagelog.Entry
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if f.Matches(&e) {
			out = append(out, &e)
		}
	}
	return out
}

// Core methods
func (s *Store) Migrate(_ context.Context) error {
	return nil
}

func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return allowance.ErrStoreClosed
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return []T{}
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
