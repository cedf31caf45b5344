package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/mongodriver"

	"github.com/xraph/allowance"
	"github.com/xraph/allowance/counter"
	"github.com/xraph/allowance/entitlement"
	allowancestore "github.com/xraph/allowance/store"
	"github.com/xraph/allowance/usagelog"
)

// Collection name constants.
const (
	colEntitlements = "allowance_entitlements"
	colDailyUsage   = "allowance_daily_usage"
	colUsageLog     = "allowance_usage_log"
)

// compile-time interface check
var _ allowancestore.Store = (*Store)(nil)

// Store implements store.Store using MongoDB via Grove ORM.
type Store struct {
	db  *grove.DB
	mdb *mongodriver.MongoDB
}

// New creates a new MongoDB store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		mdb: mongodriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates indexes for all allowance collections.
func (s *Store) Migrate(ctx context.Context) error {
	indexes := migrationIndexes()

	for col, models := range indexes {
		if len(models) == 0 {
			continue
		}
		_, err := s.mdb.Collection(col).Indexes().CreateMany(ctx, models)
		if err != nil {
			return fmt.Errorf("allowance/mongo: migrate %s indexes: %w", col, err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Entitlement Store ====================

func (s *Store) CreateEntitlement(ctx context.Context, e *entitlement.UserEntitlement) error {
	m := toEntitlementModel(e)
	_, err := s.mdb.NewInsert(m).Exec(ctx)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return allowance.ErrAlreadyExists
		}
		return fmt.Errorf("allowance/mongo: create entitlement: %w", err)
	}
	return nil
}

func (s *Store) GetEntitlement(ctx context.Context, userID string) (*entitlement.UserEntitlement, error) {
	var m entitlementModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": userID}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, allowance.ErrUserNotFound
		}
		return nil, fmt.Errorf("allowance/mongo: get entitlement: %w", err)
	}
	return fromEntitlementModel(&m), nil
}

func (s *Store) UpdateEntitlement(ctx context.Context, e *entitlement.UserEntitlement) error {
	m := toEntitlementModel(e)
	res, err := s.mdb.NewUpdate(m).
		Filter(bson.M{"_id": m.UserID}).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("allowance/mongo: update entitlement: %w", err)
	}
	if res.MatchedCount() == 0 {
		return allowance.ErrUserNotFound
	}
	return nil
}

func (s *Store) ListEntitlements(ctx context.Context, opts entitlement.ListOpts) ([]*entitlement.UserEntitlement, error) {
	filter := bson.M{}
	if opts.Role != "" {
		filter["role"] = string(opts.Role)
	}
	if opts.Plan != "" {
		filter["plan"] = string(opts.Plan)
	}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}

	var models []entitlementModel
	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "_id", Value: 1}})
	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("allowance/mongo: list entitlements: %w", err)
	}

	result := make([]*entitlement.UserEntitlement, len(models))
	for i := range models {
		result[i] = fromEntitlementModel(&models[i])
	}
	return result, nil
}

// ==================== Counter Store ====================

// debitAttempts bounds the upsert retries in Debit.
const debitAttempts = 2

// Debit increments the day's counter with a conditional upsert. The filter
// only matches a counter with room for tokens; when an existing counter has
// no room the upsert tries to insert a second document with the same _id and
// fails with a duplicate key error.
//
// Two first debits of the day can also race on the insert. The loser sees the
// same duplicate key error, so the upsert is retried once against the now
// existing document before the error is reported as ErrLimitExceeded.
func (s *Store) Debit(ctx context.Context, userID, day string, tokens, limit int64) (int64, error) {
	if tokens > limit {
		current, err := s.GetUsage(ctx, userID, day)
		if err != nil {
			return 0, err
		}
		return current, counter.ErrLimitExceeded
	}

	t := now()
	filter := bson.M{
		"_id":      counter.Key(userID, day),
		"consumed": bson.M{"$lte": limit - tokens},
	}
	update := bson.M{
		"$inc": bson.M{"consumed": tokens},
		"$set": bson.M{"updated_at": t},
		"$setOnInsert": bson.M{
			"user_id":    userID,
			"day":        day,
			"created_at": t,
		},
	}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	for attempt := 0; attempt < debitAttempts; attempt++ {
		var m dailyUsageModel
		err := s.mdb.Collection(colDailyUsage).FindOneAndUpdate(ctx, filter, update, opts).Decode(&m)
		if err == nil {
			return m.Consumed, nil
		}
		if !mongo.IsDuplicateKeyError(err) {
			return 0, fmt.Errorf("allowance/mongo: debit: %w", err)
		}
	}

	current, err := s.GetUsage(ctx, userID, day)
	if err != nil {
		return 0, err
	}
	return current, counter.ErrLimitExceeded
}

func (s *Store) GetUsage(ctx context.Context, userID, day string) (int64, error) {
	c, err := s.Counter(ctx, userID, day)
	if err != nil {
		return 0, err
	}
	if c == nil {
		return 0, nil
	}
	return c.Consumed, nil
}

// Counter returns the stored counter document, or nil when the user has not
// consumed anything that day.
func (s *Store) Counter(ctx context.Context, userID, day string) (*counter.DailyUsage, error) {
	var m dailyUsageModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": counter.Key(userID, day)}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("allowance/mongo: get counter: %w", err)
	}
	return fromDailyUsageModel(&m), nil
}

// ==================== Usage Log Store ====================

func (s *Store) AppendEntry(ctx context.Context, e *usagelog.Entry) error {
	m := toUsageEntryModel(e)
	if _, err := s.mdb.NewInsert(m).Exec(ctx); err != nil {
		return fmt.Errorf("allowance/mongo: append entry: %w", err)
	}
	return nil
}

func (s *Store) ListEntries(ctx context.Context, f usagelog.Filter, limit, offset int) ([]*usagelog.Entry, int64, error) {
	filter := entryFilter(f)

	total, err := s.mdb.Collection(colUsageLog).CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("allowance/mongo: count entries: %w", err)
	}

	var models []usageEntryModel
	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	if limit > 0 {
		q = q.Limit(int64(limit))
	}
	if offset > 0 {
		q = q.Skip(int64(offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, 0, fmt.Errorf("allowance/mongo: list entries: %w", err)
	}

	result := make([]*usagelog.Entry, len(models))
	for i := range models {
		e, err := fromUsageEntryModel(&models[i])
		if err != nil {
			return nil, 0, err
		}
		result[i] = e
	}
	return result, total, nil
}

func (s *Store) AggregateEntries(ctx context.Context, f usagelog.Filter, topN int) (*usagelog.Stats, error) {
	pipeline := bson.A{
		bson.M{"$match": entryFilter(f)},
		bson.M{"$facet": bson.M{
			"totals": bson.A{
				bson.M{"$group": bson.M{
					"_id":                   nil,
					"total_requests":        bson.M{"$sum": 1},
					"total_tokens_consumed": bson.M{"$sum": "$consumed"},
					"users":                 bson.M{"$addToSet": "$user_id"},
					"tools":                 bson.M{"$addToSet": "$tool_id"},
				}},
				bson.M{"$project": bson.M{
					"total_requests":        1,
					"total_tokens_consumed": 1,
					"unique_users":          bson.M{"$size": "$users"},
					"unique_tools":          bson.M{"$size": "$tools"},
				}},
			},
			"top_users": rankStages("$user_id", topN),
			"top_tools": rankStages("$tool_id", topN),
		}},
	}

	cursor, err := s.mdb.Collection(colUsageLog).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("allowance/mongo: aggregate entries: %w", err)
	}
	defer cursor.Close(ctx)

	var results []struct {
		Totals []struct {
			TotalRequests       int64 `bson:"total_requests"`
			TotalTokensConsumed int64 `bson:"total_tokens_consumed"`
			UniqueUsers         int64 `bson:"unique_users"`
			UniqueTools         int64 `bson:"unique_tools"`
		} `bson:"totals"`
		TopUsers []rankedModel `bson:"top_users"`
		TopTools []rankedModel `bson:"top_tools"`
	}
	if err := cursor.All(ctx, &results); err != nil {
		return nil, fmt.Errorf("allowance/mongo: aggregate decode: %w", err)
	}

	stats := &usagelog.Stats{}
	if len(results) == 0 {
		return stats, nil
	}
	r := results[0]
	if len(r.Totals) > 0 {
		stats.TotalRequests = r.Totals[0].TotalRequests
		stats.TotalTokensConsumed = r.Totals[0].TotalTokensConsumed
		stats.UniqueUsers = r.Totals[0].UniqueUsers
		stats.UniqueTools = r.Totals[0].UniqueTools
	}
	stats.TopUsers = fromRankedModels(r.TopUsers)
	stats.TopTools = fromRankedModels(r.TopTools)
	return stats, nil
}

func rankStages(field string, n int) bson.A {
	stages := bson.A{
		bson.M{"$group": bson.M{
			"_id":             field,
			"request_count":   bson.M{"$sum": 1},
			"tokens_consumed": bson.M{"$sum": "$consumed"},
		}},
		bson.M{"$sort": bson.D{
			{Key: "tokens_consumed", Value: -1},
			{Key: "request_count", Value: -1},
			{Key: "_id", Value: 1},
		}},
	}
	if n > 0 {
		stages = append(stages, bson.M{"$limit": n})
	}
	return stages
}

func fromRankedModels(ms []rankedModel) []usagelog.Ranked {
	out := make([]usagelog.Ranked, len(ms))
	for i, m := range ms {
		out[i] = usagelog.Ranked{
			ID:             m.ID,
			RequestCount:   m.RequestCount,
			TokensConsumed: m.TokensConsumed,
		}
	}
	usagelog.SortRanked(out)
	return out
}

func entryFilter(f usagelog.Filter) bson.M {
	filter := bson.M{}
	if f.UserID != "" {
		filter["user_id"] = f.UserID
	}
	if f.ToolID != "" {
		filter["tool_id"] = f.ToolID
	}
	created := bson.M{}
	if !f.StartDate.IsZero() {
		created["$gte"] = f.StartDate.UTC()
	}
	if !f.EndDate.IsZero() {
		created["$lt"] = f.EndDate.UTC()
	}
	if len(created) > 0 {
		filter["created_at"] = created
	}
	return filter
}

func now() time.Time {
	return time.Now().UTC()
}

func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// migrationIndexes returns the index definitions for all allowance collections.
func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colEntitlements: {
			{Keys: bson.D{{Key: "role", Value: 1}, {Key: "plan", Value: 1}, {Key: "status", Value: 1}}},
		},
		colDailyUsage: {
			{
				Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "day", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		colUsageLog: {
			{Keys: bson.D{{Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "tool_id", Value: 1}, {Key: "created_at", Value: -1}}},
		},
	}
}
