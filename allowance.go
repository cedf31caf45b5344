package allowance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/allowance/calendar"
	"github.com/xraph/allowance/counter"
	"github.com/xraph/allowance/entitlement"
	"github.com/xraph/allowance/id"
	"github.com/xraph/allowance/plan"
	"github.com/xraph/allowance/plugin"
	"github.com/xraph/allowance/store"
	"github.com/xraph/allowance/types"
	"github.com/xraph/allowance/usagelog"
)

// Engine is the token entitlement and quota engine. It holds no
// per-request state and is safe for concurrent use.
type Engine struct {
	store   store.Store
	plugins *plugin.Registry
	logger  *slog.Logger

	// Configuration
	plans         plan.Table
	calendar      calendar.Calendar
	now           func() time.Time
	logAdminUsage bool
}

// New creates a new Engine backed by s.
func New(s store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:    s,
		plugins:  plugin.NewRegistry(),
		logger:   slog.Default(),
		plans:    plan.DefaultTable(),
		calendar: calendar.Default(),
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Option configures an Engine instance.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
		e.plugins.WithLogger(logger)
	}
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Engine) {
		if err := e.plugins.Register(p); err != nil {
			e.logger.Warn("allowance: plugin not registered", "plugin", p.Name(), "error", err)
		}
	}
}

// WithPluginTimeout bounds each plugin hook call.
func WithPluginTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.plugins.WithTimeout(d)
	}
}

// WithPlanTable sets the daily limit per plan.
func WithPlanTable(t plan.Table) Option {
	return func(e *Engine) {
		e.plans = t
	}
}

// WithCalendar sets the reporting calendar that decides where a day starts.
func WithCalendar(c calendar.Calendar) Option {
	return func(e *Engine) {
		e.calendar = c
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithAdminUsageLog makes admin actions append a usage entry with zero
// tokens. Admin actions are not logged by default.
func WithAdminUsageLog(enabled bool) Option {
	return func(e *Engine) {
		e.logAdminUsage = enabled
	}
}

// Start migrates the store and initializes plugins.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.store.Migrate(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrMigrationFailed, err)
	}

	e.plugins.EmitInit(ctx, e)

	e.logger.Info("allowance started",
		"timezone", e.calendar.String(),
		"plans", e.plans.Len(),
		"admin_usage_log", e.logAdminUsage,
		"plugins", e.plugins.Count(),
	)

	return nil
}

// Stop notifies plugins and closes the store.
func (e *Engine) Stop() error {
	e.plugins.EmitShutdown(context.Background())
	return e.store.Close()
}

// Ping checks the store.
func (e *Engine) Ping(ctx context.Context) error {
	if err := e.store.Ping(ctx); err != nil {
		return systemError("ping", err)
	}
	return nil
}

// Store returns the underlying store.
func (e *Engine) Store() store.Store { return e.store }

// Plugins returns the plugin registry.
func (e *Engine) Plugins() *plugin.Registry { return e.plugins }

// Plans returns the plan table.
func (e *Engine) Plans() plan.Table { return e.plans }

// Calendar returns the reporting calendar.
func (e *Engine) Calendar() calendar.Calendar { return e.calendar }

// ──────────────────────────────────────────────────
// Entitlement Resolver
// ──────────────────────────────────────────────────

// Resolve decides whether userID may act right now. A missing user is a
// decision with reason USER_NOT_FOUND, not an error. Errors are returned
// only for invalid input and system failures; in the latter case the
// returned decision carries SYSTEM_ERROR.
func (e *Engine) Resolve(ctx context.Context, userID string) (*entitlement.Decision, error) {
	if userID == "" {
		return nil, ValidationError{Field: "user_id", Message: "required"}
	}

	now := e.now()

	ent, err := e.store.GetEntitlement(ctx, userID)
	if err != nil {
		if IsNotFound(err) {
			d := entitlement.NotFound(userID, now)
			e.plugins.EmitEntitlementResolved(ctx, &d)
			return &d, nil
		}
		e.plugins.EmitStoreError(ctx, "get_entitlement", err)
		return &entitlement.Decision{
			UserID:      userID,
			Reason:      entitlement.ReasonSystemError,
			EvaluatedAt: now,
		}, systemError("get entitlement", err)
	}

	d := entitlement.Evaluate(ent, now)

	if !d.Admin {
		limit, ok := e.plans.Limit(ent.Plan)
		switch {
		case ok:
			d.Limit = limit
		case d.CanAct:
			d.CanAct = false
			d.Reason = entitlement.ReasonSystemError
			return &d, systemError("plan lookup", fmt.Errorf("%w: %q", ErrPlanNotConfigured, ent.Plan))
		}
	}

	e.plugins.EmitEntitlementResolved(ctx, &d)
	return &d, nil
}

// ──────────────────────────────────────────────────
// Quota Ledger
// ──────────────────────────────────────────────────

// Result is the outcome of TryConsume. Remaining is -1 for unmetered (admin)
// results.
type Result struct {
	DecisionID id.DecisionID `json:"decision_id"`
	Granted    bool          `json:"granted"`
	UserID     string        `json:"user_id"`
	ToolID     string        `json:"tool_id"`
	Tokens     int64         `json:"tokens"`
	Consumed   int64         `json:"consumed"`
	Limit      int64         `json:"limit"`
	Remaining  int64         `json:"remaining"`
	Unmetered  bool          `json:"unmetered"`
	Day        string        `json:"day"`
	ResetsAt   time.Time     `json:"resets_at"`
	Reason     Reason        `json:"reason,omitempty"`
	Denial     *Denial       `json:"denial,omitempty"`
	EntryID    string        `json:"entry_id,omitempty"`
}

// TryConsume atomically debits tokens from today's allowance of userID for
// toolID. Invalid input is returned as an error with no result.
//
// A denied request is a result with Granted false and a nil error. A system
// failure returns a result with reason SYSTEM_ERROR together with an error
// wrapping ErrSystem; the caller must not proceed. If the usage log append
// fails after a successful debit, the charge stands.
//
// Retries are not deduplicated: calling TryConsume twice debits twice.
func (e *Engine) TryConsume(ctx context.Context, userID, toolID string, tokens int64) (*Result, error) {
	if userID == "" {
		return nil, ValidationError{Field: "user_id", Message: "required"}
	}
	if toolID == "" {
		return nil, ValidationError{Field: "tool_id", Message: "required"}
	}
	if tokens <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidTokens, tokens)
	}

	start := e.now()
	res := &Result{
		DecisionID: id.NewDecisionID(),
		UserID:     userID,
		ToolID:     toolID,
		Tokens:     tokens,
		Day:        e.calendar.Day(start),
		ResetsAt:   e.calendar.NextReset(start),
	}

	d, err := e.Resolve(ctx, userID)
	if err != nil {
		return e.fail(ctx, res, start, err)
	}
	if !d.CanAct {
		return e.deny(ctx, res, start, d.Reason), nil
	}

	if d.Admin {
		res.Unmetered = true
		res.Remaining = -1
		if e.logAdminUsage {
			entry, err := e.record(ctx, userID, toolID, 0)
			if err != nil {
				return e.fail(ctx, res, start, err)
			}
			res.EntryID = entry.ID.String()
		}
		return e.grant(ctx, res, start), nil
	}

	limit := d.Limit
	res.Limit = limit

	if tokens > limit {
		consumed, err := e.store.GetUsage(ctx, userID, res.Day)
		if err != nil {
			e.plugins.EmitStoreError(ctx, "get_usage", err)
			return e.fail(ctx, res, start, systemError("get usage", err))
		}
		res.Consumed = consumed
		res.Remaining = counter.Remaining(limit, consumed)
		return e.deny(ctx, res, start, entitlement.ReasonInsufficientTokens), nil
	}

	consumed, err := e.store.Debit(ctx, userID, res.Day, tokens, limit)
	switch {
	case errors.Is(err, counter.ErrLimitExceeded):
		res.Consumed = consumed
		res.Remaining = counter.Remaining(limit, consumed)
		return e.deny(ctx, res, start, entitlement.ReasonInsufficientTokens), nil
	case err != nil:
		e.plugins.EmitStoreError(ctx, "debit", err)
		return e.fail(ctx, res, start, systemError("debit", err))
	}

	res.Consumed = consumed
	res.Remaining = counter.Remaining(limit, consumed)

	entry, err := e.record(ctx, userID, toolID, tokens)
	if err != nil {
		e.logger.Error("usage log append failed after debit",
			"user_id", userID,
			"tool_id", toolID,
			"tokens", tokens,
			"day", res.Day,
			"error", err,
		)
		return e.fail(ctx, res, start, err)
	}
	res.EntryID = entry.ID.String()

	return e.grant(ctx, res, start), nil
}

func (e *Engine) grant(ctx context.Context, res *Result, start time.Time) *Result {
	res.Granted = true

	e.plugins.EmitConsumeGranted(ctx, e.consumeEvent(res, start))

	e.logger.Debug("tokens consumed",
		"user_id", res.UserID,
		"tool_id", res.ToolID,
		"tokens", res.Tokens,
		"remaining", res.Remaining,
		"unmetered", res.Unmetered,
		"day", res.Day,
	)

	return res
}

func (e *Engine) deny(ctx context.Context, res *Result, start time.Time, reason Reason) *Result {
	res.Granted = false
	res.Reason = reason
	res.Denial = DenialFor(reason, res.ResetsAt)

	e.plugins.EmitConsumeDenied(ctx, e.consumeEvent(res, start))

	e.logger.Debug("consume denied",
		"user_id", res.UserID,
		"tool_id", res.ToolID,
		"tokens", res.Tokens,
		"reason", reason,
	)

	return res
}

func (e *Engine) fail(ctx context.Context, res *Result, start time.Time, err error) (*Result, error) {
	res.Granted = false
	res.Reason = entitlement.ReasonSystemError
	res.Denial = DenialFor(entitlement.ReasonSystemError, res.ResetsAt)

	e.plugins.EmitConsumeDenied(ctx, e.consumeEvent(res, start))

	e.logger.Error("consume failed",
		"user_id", res.UserID,
		"tool_id", res.ToolID,
		"tokens", res.Tokens,
		"error", err,
	)

	return res, err
}

func (e *Engine) consumeEvent(res *Result, start time.Time) *plugin.ConsumeEvent {
	return &plugin.ConsumeEvent{
		UserID:    res.UserID,
		ToolID:    res.ToolID,
		Tokens:    res.Tokens,
		Consumed:  res.Consumed,
		Limit:     res.Limit,
		Remaining: res.Remaining,
		Day:       res.Day,
		Unmetered: res.Unmetered,
		Reason:    res.Reason,
		Elapsed:   e.now().Sub(start),
	}
}

// Usage returns today's counter for userID without changing it.
func (e *Engine) Usage(ctx context.Context, userID string) (*counter.Snapshot, error) {
	d, err := e.Resolve(ctx, userID)
	if err != nil {
		return nil, err
	}
	if d.Reason == entitlement.ReasonUserNotFound {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}

	now := d.EvaluatedAt
	snap := &counter.Snapshot{
		UserID:   userID,
		Day:      e.calendar.Day(now),
		ResetsAt: e.calendar.NextReset(now),
	}

	if d.Admin {
		snap.Unmetered = true
		snap.Remaining = -1
		return snap, nil
	}

	consumed, err := e.store.GetUsage(ctx, userID, snap.Day)
	if err != nil {
		e.plugins.EmitStoreError(ctx, "get_usage", err)
		return nil, systemError("get usage", err)
	}

	snap.Consumed = consumed
	snap.Limit = d.Limit
	snap.Remaining = counter.Remaining(d.Limit, consumed)
	return snap, nil
}

// ──────────────────────────────────────────────────
// Usage Log
// ──────────────────────────────────────────────────

// Record appends a usage entry. TryConsume already records every granted
// metered debit; call Record directly only for unmetered actions.
func (e *Engine) Record(ctx context.Context, userID, toolID string, tokensConsumed int64) (*usagelog.Entry, error) {
	if userID == "" {
		return nil, ValidationError{Field: "user_id", Message: "required"}
	}
	if toolID == "" {
		return nil, ValidationError{Field: "tool_id", Message: "required"}
	}
	if tokensConsumed < 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidTokens, tokensConsumed)
	}
	return e.record(ctx, userID, toolID, tokensConsumed)
}

func (e *Engine) record(ctx context.Context, userID, toolID string, tokens int64) (*usagelog.Entry, error) {
	entry := &usagelog.Entry{
		ID:        id.NewUsageEntryID(),
		UserID:    userID,
		ToolID:    toolID,
		Consumed:  tokens,
		CreatedAt: e.now().UTC(),
	}

	if err := e.store.AppendEntry(ctx, entry); err != nil {
		e.plugins.EmitStoreError(ctx, "append_entry", err)
		return nil, systemError("append usage entry", err)
	}

	e.plugins.EmitUsageRecorded(ctx, entry)
	return entry, nil
}

// ListEntries returns a page of usage entries, newest first.
func (e *Engine) ListEntries(ctx context.Context, f usagelog.Filter, p usagelog.Pagination) (*usagelog.Page, error) {
	if err := validateFilter(f); err != nil {
		return nil, err
	}
	p = p.Normalize()

	entries, total, err := e.store.ListEntries(ctx, f, p.Limit, p.Offset)
	if err != nil {
		e.plugins.EmitStoreError(ctx, "list_entries", err)
		return nil, systemError("list usage entries", err)
	}
	if entries == nil {
		entries = []*usagelog.Entry{}
	}

	return &usagelog.Page{
		Entries: entries,
		Pagination: usagelog.Pagination{
			Limit:  p.Limit,
			Offset: p.Offset,
			Total:  total,
		},
	}, nil
}

// AggregateStats summarizes matching entries. topN <= 0 means the default
// of 10.
func (e *Engine) AggregateStats(ctx context.Context, f usagelog.Filter, topN int) (*usagelog.Stats, error) {
	if err := validateFilter(f); err != nil {
		return nil, err
	}
	if topN <= 0 {
		topN = usagelog.DefaultTopN
	}

	stats, err := e.store.AggregateEntries(ctx, f, topN)
	if err != nil {
		e.plugins.EmitStoreError(ctx, "aggregate_entries", err)
		return nil, systemError("aggregate usage entries", err)
	}
	if stats.TopUsers == nil {
		stats.TopUsers = []usagelog.Ranked{}
	}
	if stats.TopTools == nil {
		stats.TopTools = []usagelog.Ranked{}
	}
	return stats, nil
}

func validateFilter(f usagelog.Filter) error {
	if !f.StartDate.IsZero() && !f.EndDate.IsZero() && f.EndDate.Before(f.StartDate) {
		return ValidationError{Field: "end_date", Message: "before start_date"}
	}
	return nil
}

// ──────────────────────────────────────────────────
// Administrative path
// ──────────────────────────────────────────────────

// ProvisionUser creates the entitlement for a new user.
func (e *Engine) ProvisionUser(ctx context.Context, ent *entitlement.UserEntitlement) error {
	if err := validateEntitlement(ent); err != nil {
		return err
	}
	ent.Entity = types.EntityAt(e.now())

	if err := e.store.CreateEntitlement(ctx, ent); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return err
		}
		e.plugins.EmitStoreError(ctx, "create_entitlement", err)
		return systemError("create entitlement", err)
	}

	e.logger.Info("user provisioned",
		"user_id", ent.UserID,
		"role", ent.Role,
		"plan", ent.Plan,
		"status", ent.Status,
	)

	e.plugins.EmitEntitlementChanged(ctx, nil, ent.Clone())
	return nil
}

// UpdateEntitlement replaces role, plan, status and expiries of an existing
// user. Renewals and upgrades go through here.
func (e *Engine) UpdateEntitlement(ctx context.Context, ent *entitlement.UserEntitlement) (*entitlement.UserEntitlement, error) {
	if err := validateEntitlement(ent); err != nil {
		return nil, err
	}

	prev, err := e.store.GetEntitlement(ctx, ent.UserID)
	if err != nil {
		if IsNotFound(err) {
			return nil, err
		}
		e.plugins.EmitStoreError(ctx, "get_entitlement", err)
		return nil, systemError("get entitlement", err)
	}

	next := ent.Clone()
	next.CreatedAt = prev.CreatedAt
	next.TouchAt(e.now())

	if err := e.store.UpdateEntitlement(ctx, next); err != nil {
		if IsNotFound(err) {
			return nil, err
		}
		e.plugins.EmitStoreError(ctx, "update_entitlement", err)
		return nil, systemError("update entitlement", err)
	}

	e.logger.Info("entitlement updated",
		"user_id", next.UserID,
		"role", next.Role,
		"plan", next.Plan,
		"status", next.Status,
	)

	e.plugins.EmitEntitlementChanged(ctx, prev, next.Clone())
	return next, nil
}

// GetEntitlement returns the stored entitlement for userID.
func (e *Engine) GetEntitlement(ctx context.Context, userID string) (*entitlement.UserEntitlement, error) {
	ent, err := e.store.GetEntitlement(ctx, userID)
	if err != nil {
		if IsNotFound(err) {
			return nil, err
		}
		return nil, systemError("get entitlement", err)
	}
	return ent, nil
}

// ListEntitlements lists stored entitlements for administration.
func (e *Engine) ListEntitlements(ctx context.Context, opts entitlement.ListOpts) ([]*entitlement.UserEntitlement, error) {
	ents, err := e.store.ListEntitlements(ctx, opts)
	if err != nil {
		return nil, systemError("list entitlements", err)
	}
	return ents, nil
}

func validateEntitlement(ent *entitlement.UserEntitlement) error {
	var errs MultiError

	if ent == nil {
		return fmt.Errorf("%w: %w", ErrInvalidEntitlement, ValidationError{Field: "entitlement", Message: "required"})
	}
	if ent.UserID == "" {
		errs.Add(ValidationError{Field: "user_id", Message: "required"})
	}
	if !ent.Role.IsValid() {
		errs.Add(ValidationError{Field: "role", Message: fmt.Sprintf("unknown role %q", ent.Role)})
	}
	if !ent.Plan.IsValid() {
		errs.Add(ValidationError{Field: "plan", Message: fmt.Sprintf("unknown plan %q", ent.Plan)})
	}
	if !ent.Status.IsValid() {
		errs.Add(ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", ent.Status)})
	}

	if err := errs.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEntitlement, err)
	}
	return nil
}
