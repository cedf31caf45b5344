package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/pgdriver"
	_ "github.com/xraph/grove/drivers/pgdriver/pgmigrate" // registers the migration executor
	"github.com/xraph/grove/migrate"

	"github.com/xraph/allowance"
	"github.com/xraph/allowance/counter"
	"github.com/xraph/allowance/entitlement"
	allowancestore "github.com/xraph/allowance/store"
	"github.com/xraph/allowance/usagelog"
)

// compile-time interface check
var _ allowancestore.Store = (*Store)(nil)

// Store implements store.Store using PostgreSQL via Grove ORM.
type Store struct {
	db *grove.DB
	pg *pgdriver.PgDB
}

// New creates a new PostgreSQL store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db: db,
		pg: pgdriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.pg)
	if err != nil {
		return fmt.Errorf("allowance/postgres: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("allowance/postgres: migration failed: %w", err)
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
	res, err := s.pg.NewInsert(m).
		OnConflict("(user_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("allowance/postgres: create entitlement: %w", err)
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
	err := s.pg.NewSelect(m).
		Where("user_id = $1", userID).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, allowance.ErrUserNotFound
		}
		return nil, fmt.Errorf("allowance/postgres: get entitlement: %w", err)
	}
	return fromEntitlementModel(m), nil
}

func (s *Store) UpdateEntitlement(ctx context.Context, e *entitlement.UserEntitlement) error {
	m := toEntitlementModel(e)
	res, err := s.pg.NewUpdate(m).WherePK().Exec(ctx)
	if err != nil {
		return fmt.Errorf("allowance/postgres: update entitlement: %w", err)
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
	q := s.pg.NewSelect(&models)

	argIdx := 0
	if opts.Role != "" {
		argIdx++
		q = q.Where(fmt.Sprintf("role = $%d", argIdx), string(opts.Role))
	}
	if opts.Plan != "" {
		argIdx++
		q = q.Where(fmt.Sprintf("plan = $%d", argIdx), string(opts.Plan))
	}
	if opts.Status != "" {
		argIdx++
		q = q.Where(fmt.Sprintf("status = $%d", argIdx), string(opts.Status))
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("user_id ASC")

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("allowance/postgres: list entitlements: %w", err)
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
// would not.
const debitSQL = `
INSERT INTO allowance_daily_usage AS t (user_id, day, consumed, created_at, updated_at)
SELECT $1::text, $2::text, $3::bigint, $5::timestamptz, $5::timestamptz
WHERE $3::bigint <= $4::bigint
ON CONFLICT (user_id, day) DO UPDATE
SET consumed = t.consumed + EXCLUDED.consumed,
    updated_at = EXCLUDED.updated_at
WHERE t.consumed + EXCLUDED.consumed <= $4::bigint
RETURNING t.consumed`

func (s *Store) Debit(ctx context.Context, userID, day string, tokens, limit int64) (int64, error) {
	var consumed int64
	err := s.pg.NewRaw(debitSQL, userID, day, tokens, limit, now()).Scan(ctx, &consumed)
	if err == nil {
		return consumed, nil
	}
	if !isNoRows(err) {
		return 0, fmt.Errorf("allowance/postgres: debit: %w", err)
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
	err := s.pg.NewSelect(m).
		Where("user_id = $1", userID).
		Where("day = $2", day).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("allowance/postgres: get counter: %w", err)
	}
	return fromDailyUsageModel(m), nil
}

// ==================== Usage Log Store ====================

func (s *Store) AppendEntry(ctx context.Context, e *usagelog.Entry) error {
	m := toUsageEntryModel(e)
	if _, err := s.pg.NewInsert(m).Exec(ctx); err != nil {
		return fmt.Errorf("allowance/postgres: append entry: %w", err)
	}
	return nil
}

func (s *Store) ListEntries(ctx context.Context, f usagelog.Filter, limit, offset int) ([]*usagelog.Entry, int64, error) {
	clauses, args := filterClauses(f)

	var total int64
	countSQL := "SELECT COUNT(*) FROM allowance_usage_log WHERE " + whereSQL(clauses)
	if err := s.pg.NewRaw(countSQL, args...).Scan(ctx, &total); err != nil {
		return nil, 0, fmt.Errorf("allowance/postgres: count entries: %w", err)
	}

	var models []usageEntryModel
	q := s.pg.NewSelect(&models)
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
		return nil, 0, fmt.Errorf("allowance/postgres: list entries: %w", err)
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
	err := s.pg.NewRaw(`
		SELECT json_build_object(
			'total_requests', COUNT(*),
			'total_tokens_consumed', COALESCE(SUM(consumed), 0),
			'unique_users', COUNT(DISTINCT user_id),
			'unique_tools', COUNT(DISTINCT tool_id)
		)::text
		FROM allowance_usage_log WHERE `+where, args...).Scan(ctx, &totals)
	if err != nil {
		return nil, fmt.Errorf("allowance/postgres: aggregate totals: %w", err)
	}

	stats := &usagelog.Stats{}
	if err := json.Unmarshal([]byte(totals), stats); err != nil {
		return nil, fmt.Errorf("allowance/postgres: decode totals: %w", err)
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
func (s *Store) top(ctx context.Context, column, where string, args []any, n int) ([]usagelog.Ranked, error) {
	query := fmt.Sprintf(`
		SELECT COALESCE(json_agg(r ORDER BY r.tokens_consumed DESC, r.request_count DESC, r.id ASC), '[]'::json)::text
		FROM (
			SELECT %[1]s AS id, COUNT(*) AS request_count, COALESCE(SUM(consumed), 0) AS tokens_consumed
			FROM allowance_usage_log WHERE %[2]s
			GROUP BY %[1]s
			ORDER BY tokens_consumed DESC, request_count DESC, id ASC
			LIMIT %[3]d
		) r`, column, where, n)

	var raw string
	if err := s.pg.NewRaw(query, args...).Scan(ctx, &raw); err != nil {
		return nil, fmt.Errorf("allowance/postgres: top %s: %w", column, err)
	}

	var ranked []usagelog.Ranked
	if err := json.Unmarshal([]byte(raw), &ranked); err != nil {
		return nil, fmt.Errorf("allowance/postgres: decode top %s: %w", column, err)
	}
	usagelog.SortRanked(ranked)
	return ranked, nil
}

// filterClauses returns one numbered condition per set filter field, with
// args aligned by index.
func filterClauses(f usagelog.Filter) ([]string, []any) {
	var clauses []string
	var args []any

	add := func(cond string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(cond, len(args)))
	}

	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.ToolID != "" {
		add("tool_id = $%d", f.ToolID)
	}
	if !f.StartDate.IsZero() {
		add("created_at >= $%d", f.StartDate.UTC())
	}
	if !f.EndDate.IsZero() {
		add("created_at < $%d", f.EndDate.UTC())
	}
	return clauses, args
}

func whereSQL(clauses []string) string {
	if len(clauses) == 0 {
		return "TRUE"
	}
	return strings.Join(clauses, " AND ")
}

func now() time.Time {
	return time.Now().UTC()
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
