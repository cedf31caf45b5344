package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/sqlitedriver"
	_ "github.com/xraph/grove/drivers/sqlitedriver/sqlitemigrate" // registers the migration executor
	"github.com/xraph/grove/migrate"

	"github.com/xraph/allowance"
	"github.com/xraph/allowance/counter"
	"github.com/xraph/allowance/entitlement"
	allowancestore "github.com/xraph/allowance/store"
	"github.com/xraph/allowance/usagelog"
)

// compile-time interface check
var _ allowancestore.Store = (*Store)(nil)

// Store implements store.Store using SQLite via Grove ORM.
type Store struct {
	db  *grove.DB
	sdb *sqlitedriver.SqliteDB
}

// New creates a new SQLite store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		sdb: sqlitedriver.Unwrap(db),
	}
}

// BusyTimeout is how long a connection waits for the write lock before a
// statement fails with SQLITE_BUSY.
const BusyTimeout = 5 * time.Second

// DSN adds the connection pragmas the store relies on to a modernc SQLite
// DSN, unless dsn already sets them. Concurrent debits serialize on the
// write lock and need busy_timeout to wait for it.
func DSN(dsn string) string {
	if strings.Contains(dsn, "busy_timeout") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout(%d)", dsn, sep, BusyTimeout.Milliseconds())
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.sdb)
	if err != nil {
		return fmt.Errorf("allowance/sqlite: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("allowance/sqlite: migration failed: %w", err)
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
	res, err := s.sdb.NewInsert(m).
		OnConflict("(user_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("allowance/sqlite: create entitlement: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return allowance.ErrAlreadyExists
	}
	return nil
}

func (s *Store) GetEntitlement(ctx context.Context, userID string) (*entitlement.UserEntitlement, error) {
	m := new(entitlementModel)
	err := s.sdb.NewSelect(m).
		Where("user_id = ?", userID).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, allowance.ErrUserNotFound
		}
		return nil, fmt.Errorf("allowance/sqlite: get entitlement: %w", err)
	}
	return fromEntitlementModel(m), nil
}

func (s *Store) UpdateEntitlement(ctx context.Context, e *entitlement.UserEntitlement) error {
	m := toEntitlementModel(e)
	res, err := s.sdb.NewUpdate(m).WherePK().Exec(ctx)
	if err != nil {
		return fmt.Errorf("allowance/sqlite: update entitlement: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return allowance.ErrUserNotFound
	}
	return nil
}

func (s *Store) ListEntitlements(ctx context.Context, opts entitlement.ListOpts) ([]*entitlement.UserEntitlement, error) {
	var models []entitlementModel
	q := s.sdb.NewSelect(&models)

	if opts.Role != "" {
		q = q.Where("role = ?", string(opts.Role))
	}
	if opts.Plan != "" {
		q = q.Where("plan = ?", string(opts.Plan))
	}
	if opts.Status != "" {
		q = q.Where("status = ?", string(opts.Status))
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("user_id ASC")

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("allowance/sqlite: list entitlements: %w", err)
	}

	result := make([]*entitlement.UserEntitlement, len(models))
	for i := range models {
		result[i] = fromEntitlementModel(&models[i])
	}
	return result, nil
}

// ==================== Counter Store ====================

// debitSQL inserts the day's counter or adds to it, in one statement, only
// when the new total stays within the limit. No row comes back when it
// would not. The SELECT needs its WHERE clause for the upsert to parse.
const debitSQL = `
INSERT INTO allowance_daily_usage (user_id, day, consumed, created_at, updated_at)
SELECT ?, ?, ?, ?, ?
WHERE ? <= ?
ON CONFLICT (user_id, day) DO UPDATE
SET consumed = consumed + excluded.consumed,
    updated_at = excluded.updated_at
WHERE consumed + excluded.consumed <= ?
RETURNING consumed`

func (s *Store) Debit(ctx context.Context, userID, day string, tokens, limit int64) (int64, error) {
	ts := now()

	var consumed int64
	err := s.sdb.NewRaw(debitSQL, userID, day, tokens, ts, ts, tokens, limit, limit).Scan(ctx, &consumed)
	if err == nil {
		return consumed, nil
	}
	if !isNoRows(err) {
		return 0, fmt.Errorf("allowance/sqlite: debit: %w", err)
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

// Counter returns the stored counter row, or nil when the user has not
// consumed anything that day.
func (s *Store) Counter(ctx context.Context, userID, day string) (*counter.DailyUsage, error) {
	m := new(dailyUsageModel)
	err := s.sdb.NewSelect(m).
		Where("user_id = ?", userID).
		Where("day = ?", day).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("allowance/sqlite: get counter: %w", err)
	}
	return fromDailyUsageModel(m), nil
}

// ==================== Usage Log Store ====================

func (s *Store) AppendEntry(ctx context.Context, e *usagelog.Entry) error {
	m := toUsageEntryModel(e)
	if _, err := s.sdb.NewInsert(m).Exec(ctx); err != nil {
		return fmt.Errorf("allowance/sqlite: append entry: %w", err)
	}
	return nil
}

func (s *Store) ListEntries(ctx context.Context, f usagelog.Filter, limit, offset int) ([]*usagelog.Entry, int64, error) {
	clauses, args := filterClauses(f)

	var total int64
	countSQL := "SELECT COUNT(*) FROM allowance_usage_log WHERE " + whereSQL(clauses)
	if err := s.sdb.NewRaw(countSQL, args...).Scan(ctx, &total); err != nil {
		return nil, 0, fmt.Errorf("allowance/sqlite: count entries: %w", err)
	}

	var models []usageEntryModel
	q := s.sdb.NewSelect(&models)
	for i, clause := range clauses {
		q = q.Where(clause, args[i])
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}
	q = q.OrderExpr("created_at DESC, id DESC")

	if err := q.Scan(ctx); err != nil {
		return nil, 0, fmt.Errorf("allowance/sqlite: list entries: %w", err)
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
	clauses, args := filterClauses(f)
	where := whereSQL(clauses)

	var totals string
	err := s.sdb.NewRaw(`
		SELECT json_object(
			'total_requests', COUNT(*),
			'total_tokens_consumed', COALESCE(SUM(consumed), 0),
			'unique_users', COUNT(DISTINCT user_id),
			'unique_tools', COUNT(DISTINCT tool_id)
		)
		FROM allowance_usage_log WHERE `+where, args...).Scan(ctx, &totals)
	if err != nil {
		return nil, fmt.Errorf("allowance/sqlite: aggregate totals: %w", err)
	}

	stats := &usagelog.Stats{}
	if err := json.Unmarshal([]byte(totals), stats); err != nil {
		return nil, fmt.Errorf("allowance/sqlite: decode totals: %w", err)
	}

	if stats.TopUsers, err = s.top(ctx, "user_id", where, args, topN); err != nil {
		return nil, err
	}
	if stats.TopTools, err = s.top(ctx, "tool_id", where, args, topN); err != nil {
		return nil, err
	}
	return stats, nil
}

// top ranks groups of column. column is always a constant from this package.
// json_group_array does not promise to keep the subquery order, so the
// result is sorted again after decoding.
func (s *Store) top(ctx context.Context, column, where string, args []any, n int) ([]usagelog.Ranked, error) {
	query := fmt.Sprintf(`
		SELECT COALESCE(json_group_array(json_object(
			'id', r.id, 'request_count', r.request_count, 'tokens_consumed', r.tokens_consumed
		)), '[]')
		FROM (
			SELECT %[1]s AS id, COUNT(*) AS request_count, COALESCE(SUM(consumed), 0) AS tokens_consumed
			FROM allowance_usage_log WHERE %[2]s
			GROUP BY %[1]s
			ORDER BY tokens_consumed DESC, request_count DESC, id ASC
			LIMIT %[3]d
		) r`, column, where, n)

	var raw string
	if err := s.sdb.NewRaw(query, args...).Scan(ctx, &raw); err != nil {
		return nil, fmt.Errorf("allowance/sqlite: top %s: %w", column, err)
	}

	var ranked []usagelog.Ranked
	if err := json.Unmarshal([]byte(raw), &ranked); err != nil {
		return nil, fmt.Errorf("allowance/sqlite: decode top %s: %w", column, err)
	}
	usagelog.SortRanked(ranked)
	return ranked, nil
}

// filterClauses returns one condition per set filter field, with args
// aligned by index.
func filterClauses(f usagelog.Filter) ([]string, []any) {
	var clauses []string
	var args []any

	add := func(cond string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, cond)
	}

	if f.UserID != "" {
		add("user_id = ?", f.UserID)
	}
	if f.ToolID != "" {
		add("tool_id = ?", f.ToolID)
	}
	if !f.StartDate.IsZero() {
		add("created_at >= ?", f.StartDate.UTC())
	}
	if !f.EndDate.IsZero() {
		add("created_at < ?", f.EndDate.UTC())
	}
	return clauses, args
}

func whereSQL(clauses []string) string {
	if len(clauses) == 0 {
		return "1 = 1"
	}
	return strings.Join(clauses, " AND ")
}

func now() time.Time {
	return time.Now().UTC()
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
