package usagelog

import "context"

// Store is append-only: there is no update or delete.
type Store interface {
	AppendEntry(ctx context.Context, e *Entry) error
	// ListEntries returns matching entries newest first, with the total
	// number of matches before pagination.
	ListEntries(ctx context.Context, f Filter, limit, offset int) ([]*Entry, int64, error)
	AggregateEntries(ctx context.Context, f Filter, topN int) (*Stats, error)
}
