package allowance_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xraph/allowance"
	"github.com/xraph/allowance/calendar"
	"github.com/xraph/allowance/entitlement"
	"github.com/xraph/allowance/plan"
	"github.com/xraph/allowance/plugin"
	"github.com/xraph/allowance/store/memory"
	"github.com/xraph/allowance/usagelog"
)

// clock is a settable time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	engine *allowance.Engine
	store  *memory.Store
	clock  *clock
}

func newHarness(t *testing.T, opts ...allowance.Option) *harness {
	t.Helper()

	s := memory.New()
	c := &clock{now: time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC)}

	base := []allowance.Option{
		allowance.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		allowance.WithClock(c.Now),
		allowance.WithCalendar(calendar.FixedOffset(7)),
	}
	e := allowance.New(s, append(base, opts...)...)
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = e.Stop() })

	return &harness{engine: e, store: s, clock: c}
}

func (h *harness) provision(t *testing.T, ent *entitlement.UserEntitlement) {
	t.Helper()
	if err := h.engine.ProvisionUser(context.Background(), ent); err != nil {
		t.Fatalf("provision %s: %v", ent.UserID, err)
	}
}

func (h *harness) entries(t *testing.T, userID string) []*usagelog.Entry {
	t.Helper()
	page, err := h.engine.ListEntries(context.Background(), usagelog.Filter{UserID: userID}, usagelog.Pagination{Limit: 500})
	if err != nil {
		t.Fatal(err)
	}
	return page.Entries
}

func trialUser(userID string) *entitlement.UserEntitlement {
	return &entitlement.UserEntitlement{
		UserID: userID,
		Role:   entitlement.RoleMember,
		Plan:   plan.Trial,
		Status: entitlement.StatusActive,
	}
}

func memberUser(userID string, endsAt *time.Time) *entitlement.UserEntitlement {
	return &entitlement.UserEntitlement{
		UserID:       userID,
		Role:         entitlement.RoleMember,
		Plan:         plan.Member,
		Status:       entitlement.StatusActive,
		MemberEndsAt: endsAt,
	}
}

func TestTrialConsumeGranted(t *testing.T) {
	h := newHarness(t)
	h.provision(t, trialUser("trial-1"))

	res, err := h.engine.TryConsume(context.Background(), "trial-1", "summarize", 3)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Granted || res.Remaining != 7 || res.Limit != 10 || res.Consumed != 3 {
		t.Errorf("unexpected result: %+v", res)
	}
	if res.Denial != nil || res.Reason != "" {
		t.Errorf("granted result carries denial: %+v", res.Denial)
	}
	if res.EntryID == "" || res.DecisionID.IsNil() {
		t.Error("missing ids")
	}

	entries := h.entries(t, "trial-1")
	if len(entries) != 1 || entries[0].Consumed != 3 || entries[0].ToolID != "summarize" {
		t.Errorf("log entries = %+v", entries)
	}
	if entries[0].ID.String() != res.EntryID {
		t.Errorf("entry id mismatch: %s != %s", entries[0].ID, res.EntryID)
	}
}

func TestInsufficientTokensLeavesCounter(t *testing.T) {
	h := newHarness(t)
	h.provision(t, trialUser("trial-2"))
	ctx := context.Background()

	if _, err := h.engine.TryConsume(ctx, "trial-2", "ocr", 8); err != nil {
		t.Fatal(err)
	}

	res, err := h.engine.TryConsume(ctx, "trial-2", "ocr", 5)
	if err != nil {
		t.Fatal(err)
	}
	if res.Granted || res.Reason != allowance.ReasonInsufficientTokens {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Consumed != 8 || res.Remaining != 2 {
		t.Errorf("consumed=%d remaining=%d", res.Consumed, res.Remaining)
	}
	if res.Denial == nil || res.Denial.Code != allowance.ReasonInsufficientTokens || res.Denial.Action != allowance.ActionWait {
		t.Errorf("denial = %+v", res.Denial)
	}

	snap, err := h.engine.Usage(ctx, "trial-2")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Consumed != 8 {
		t.Errorf("counter mutated on rejection: %d", snap.Consumed)
	}
	if n := len(h.entries(t, "trial-2")); n != 1 {
		t.Errorf("rejected call logged: %d entries", n)
	}
}

func TestRequestAboveLimitNeverTouchesStore(t *testing.T) {
	h := newHarness(t)
	h.provision(t, trialUser("trial-3"))

	res, err := h.engine.TryConsume(context.Background(), "trial-3", "ocr", 11)
	if err != nil {
		t.Fatal(err)
	}
	if res.Granted || res.Reason != allowance.ReasonInsufficientTokens || res.Remaining != 10 {
		t.Errorf("unexpected result: %+v", res)
	}
	if h.store.HasCounter("trial-3", res.Day) {
		t.Error("counter created for over-limit request")
	}
}

func TestAdminBypass(t *testing.T) {
	h := newHarness(t)
	past := h.clock.Now().Add(-48 * time.Hour)
	h.provision(t, &entitlement.UserEntitlement{
		UserID:      "admin-1",
		Role:        entitlement.RoleAdmin,
		Plan:        plan.Trial,
		Status:      entitlement.StatusDisabled,
		TrialEndsAt: &past,
	})

	for range 3 {
		res, err := h.engine.TryConsume(context.Background(), "admin-1", "ocr", 1000)
		if err != nil {
			t.Fatal(err)
		}
		if !res.Granted || !res.Unmetered || res.Remaining != -1 {
			t.Fatalf("unexpected result: %+v", res)
		}
		if h.store.HasCounter("admin-1", res.Day) {
			t.Fatal("admin consume created a counter")
		}
	}

	if n := len(h.entries(t, "admin-1")); n != 0 {
		t.Errorf("admin actions logged by default: %d", n)
	}

	snap, err := h.engine.Usage(context.Background(), "admin-1")
	if err != nil {
		t.Fatal(err)
	}
	if !snap.Unmetered || snap.Remaining != -1 {
		t.Errorf("admin snapshot = %+v", snap)
	}
}

func TestAdminUsageLog(t *testing.T) {
	h := newHarness(t, allowance.WithAdminUsageLog(true))
	h.provision(t, &entitlement.UserEntitlement{
		UserID: "admin-2",
		Role:   entitlement.RoleAdmin,
		Plan:   plan.Member,
		Status: entitlement.StatusActive,
	})

	res, err := h.engine.TryConsume(context.Background(), "admin-2", "tts", 40)
	if err != nil {
		t.Fatal(err)
	}
	entries := h.entries(t, "admin-2")
	if len(entries) != 1 || entries[0].Consumed != 0 || entries[0].ID.String() != res.EntryID {
		t.Errorf("admin entries = %+v", entries)
	}
}

func TestEntitlementGating(t *testing.T) {
	h := newHarness(t)
	now := h.clock.Now()
	yesterday := now.Add(-24 * time.Hour)
	tomorrow := now.Add(24 * time.Hour)

	disabled := memberUser("disabled", &yesterday)
	disabled.Status = entitlement.StatusDisabled

	expiredTrial := trialUser("trial-expired")
	expiredTrial.TrialEndsAt = &yesterday

	pending := trialUser("pending")
	pending.Status = entitlement.StatusPending

	h.provision(t, memberUser("member-expired", &yesterday))
	h.provision(t, memberUser("member-ok", &tomorrow))
	h.provision(t, disabled)
	h.provision(t, expiredTrial)
	h.provision(t, pending)

	tests := []struct {
		user        string
		wantGranted bool
		wantReason  allowance.Reason
		wantAction  allowance.Action
	}{
		{"member-expired", false, allowance.ReasonMembershipExpired, allowance.ActionRenew},
		{"member-ok", true, "", ""},
		{"disabled", false, allowance.ReasonUserNotActive, allowance.ActionContactSupport},
		{"trial-expired", false, allowance.ReasonTrialExpired, allowance.ActionUpgrade},
		{"pending", false, allowance.ReasonUserNotActive, allowance.ActionContactSupport},
		{"ghost", false, allowance.ReasonUserNotFound, allowance.ActionContactSupport},
	}

	for _, tt := range tests {
		t.Run(tt.user, func(t *testing.T) {
			res, err := h.engine.TryConsume(context.Background(), tt.user, "ocr", 1)
			if err != nil {
				t.Fatal(err)
			}
			if res.Granted != tt.wantGranted || res.Reason != tt.wantReason {
				t.Errorf("granted=%v reason=%q, want %v %q", res.Granted, res.Reason, tt.wantGranted, tt.wantReason)
			}
			if !tt.wantGranted {
				if res.Denial == nil || res.Denial.Action != tt.wantAction {
					t.Errorf("denial = %+v", res.Denial)
				}
				if n := len(h.entries(t, tt.user)); n != 0 {
					t.Errorf("denied call logged %d entries", n)
				}
			}
		})
	}
}

func TestConcurrentRaceForLastTokens(t *testing.T) {
	h := newHarness(t)
	h.provision(t, trialUser("racer"))

	var wg sync.WaitGroup
	results := make([]*allowance.Result, 2)
	errs := make([]error, 2)
	start := make(chan struct{})

	for i := range 2 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = h.engine.TryConsume(context.Background(), "racer", "ocr", 6)
		}(i)
	}
	close(start)
	wg.Wait()

	granted, denied := 0, 0
	for i, res := range results {
		if errs[i] != nil {
			t.Fatal(errs[i])
		}
		if res.Granted {
			granted++
			if res.Remaining != 4 {
				t.Errorf("winner remaining = %d", res.Remaining)
			}
		} else {
			denied++
			if res.Reason != allowance.ReasonInsufficientTokens {
				t.Errorf("loser reason = %s", res.Reason)
			}
		}
	}
	if granted != 1 || denied != 1 {
		t.Errorf("granted=%d denied=%d", granted, denied)
	}
}

func TestConcurrentNeverOverspends(t *testing.T) {
	h := newHarness(t)
	h.provision(t, memberUser("busy", nil))

	var wg sync.WaitGroup
	var mu sync.Mutex
	var sum int64

	for range 60 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.engine.TryConsume(context.Background(), "busy", "ocr", 7)
			if err == nil && res.Granted {
				mu.Lock()
				sum += res.Tokens
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	snap, err := h.engine.Usage(context.Background(), "busy")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Consumed > 100 || snap.Consumed != sum || sum != 98 {
		t.Errorf("consumed=%d granted sum=%d", snap.Consumed, sum)
	}
	if n := len(h.entries(t, "busy")); n != 14 {
		t.Errorf("entries = %d, want 14", n)
	}
}

func TestDailyReset(t *testing.T) {
	h := newHarness(t)
	h.provision(t, trialUser("daily"))
	ctx := context.Background()

	first, err := h.engine.TryConsume(ctx, "daily", "ocr", 10)
	if err != nil || !first.Granted {
		t.Fatalf("first = %+v, %v", first, err)
	}
	denied, _ := h.engine.TryConsume(ctx, "daily", "ocr", 1)
	if denied.Granted {
		t.Fatal("consume past limit granted")
	}

	// 03:00 UTC is 10:00 local; the next local midnight is 17:00 UTC.
	h.clock.Advance(14 * time.Hour)

	snap, err := h.engine.Usage(ctx, "daily")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Day == first.Day || snap.Consumed != 0 || snap.Remaining != 10 {
		t.Errorf("snapshot after reset = %+v", snap)
	}

	res, err := h.engine.TryConsume(ctx, "daily", "ocr", 10)
	if err != nil || !res.Granted || res.Remaining != 0 {
		t.Errorf("consume after reset = %+v, %v", res, err)
	}
}

func TestResetBoundaryIsLocalMidnight(t *testing.T) {
	h := newHarness(t)
	h.provision(t, trialUser("edge"))
	ctx := context.Background()

	// 16:59:59 UTC is still the same local day.
	h.clock.Advance(13*time.Hour + 59*time.Minute + 59*time.Second)
	res, _ := h.engine.TryConsume(ctx, "edge", "ocr", 10)
	if !res.Granted || res.Day != "2026-03-10" {
		t.Fatalf("res = %+v", res)
	}
	if want := time.Date(2026, 3, 10, 17, 0, 0, 0, time.UTC); !res.ResetsAt.Equal(want) {
		t.Errorf("ResetsAt = %s", res.ResetsAt.UTC())
	}

	h.clock.Advance(time.Second)
	res, _ = h.engine.TryConsume(ctx, "edge", "ocr", 10)
	if !res.Granted || res.Day != "2026-03-11" {
		t.Errorf("after midnight res = %+v", res)
	}
}

func TestRenewalRestoresAccess(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	yesterday := h.clock.Now().Add(-24 * time.Hour)
	h.provision(t, memberUser("renew", &yesterday))

	res, _ := h.engine.TryConsume(ctx, "renew", "ocr", 1)
	if res.Reason != allowance.ReasonMembershipExpired {
		t.Fatalf("reason = %s", res.Reason)
	}

	nextMonth := h.clock.Now().AddDate(0, 1, 0)
	updated, err := h.engine.UpdateEntitlement(ctx, memberUser("renew", &nextMonth))
	if err != nil {
		t.Fatal(err)
	}
	if updated.CreatedAt.IsZero() || !updated.UpdatedAt.Equal(h.clock.Now().UTC()) {
		t.Errorf("timestamps = %+v", updated.Entity)
	}

	res, _ = h.engine.TryConsume(ctx, "renew", "ocr", 1)
	if !res.Granted || res.Remaining != 99 {
		t.Errorf("after renewal = %+v", res)
	}
}

func TestInvalidInput(t *testing.T) {
	h := newHarness(t)
	h.provision(t, trialUser("u"))
	ctx := context.Background()

	tests := []struct {
		name   string
		user   string
		tool   string
		tokens int64
		want   error
	}{
		{"empty user", "", "ocr", 1, allowance.ErrInvalidInput},
		{"empty tool", "u", "", 1, allowance.ErrInvalidInput},
		{"zero tokens", "u", "ocr", 0, allowance.ErrInvalidTokens},
		{"negative tokens", "u", "ocr", -3, allowance.ErrInvalidTokens},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := h.engine.TryConsume(ctx, tt.user, tt.tool, tt.tokens)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
			if res != nil {
				t.Errorf("result for invalid input: %+v", res)
			}
			if !allowance.IsValidationError(err) || allowance.IsSystemError(err) {
				t.Errorf("misclassified: %v", err)
			}
		})
	}
}

func TestProvisionValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	err := h.engine.ProvisionUser(ctx, &entitlement.UserEntitlement{UserID: "x", Role: "owner", Plan: "gold", Status: entitlement.StatusActive})
	if !errors.Is(err, allowance.ErrInvalidEntitlement) {
		t.Fatalf("err = %v", err)
	}
	var ve allowance.ValidationError
	if !errors.As(err, &ve) {
		t.Errorf("no ValidationError in %v", err)
	}

	h.provision(t, trialUser("dup"))
	if err := h.engine.ProvisionUser(ctx, trialUser("dup")); !errors.Is(err, allowance.ErrAlreadyExists) {
		t.Errorf("duplicate provision err = %v", err)
	}

	if _, err := h.engine.UpdateEntitlement(ctx, trialUser("missing")); !allowance.IsNotFound(err) {
		t.Errorf("update missing err = %v", err)
	}
}

func TestPlanTableOption(t *testing.T) {
	table := plan.MustTable(
		plan.Quota{Plan: plan.Trial, DailyTokenLimit: 3},
		plan.Quota{Plan: plan.Member, DailyTokenLimit: 30},
	)
	h := newHarness(t, allowance.WithPlanTable(table))
	h.provision(t, trialUser("small"))

	res, _ := h.engine.TryConsume(context.Background(), "small", "ocr", 3)
	if !res.Granted || res.Limit != 3 || res.Remaining != 0 {
		t.Errorf("res = %+v", res)
	}
}

func TestPlanNotConfiguredFailsClosed(t *testing.T) {
	table := plan.MustTable(plan.Quota{Plan: plan.Member, DailyTokenLimit: 30})
	h := newHarness(t, allowance.WithPlanTable(table))
	h.provision(t, trialUser("orphan"))

	res, err := h.engine.TryConsume(context.Background(), "orphan", "ocr", 1)
	if !errors.Is(err, allowance.ErrPlanNotConfigured) || !allowance.IsSystemError(err) {
		t.Fatalf("err = %v", err)
	}
	if allowance.IsRetryable(err) {
		t.Error("configuration error reported as retryable")
	}
	if res == nil || res.Granted || res.Reason != allowance.ReasonSystemError {
		t.Errorf("res = %+v", res)
	}
}

// faultyStore fails selected operations.
type faultyStore struct {
	*memory.Store
	failGet    bool
	failDebit  bool
	failAppend bool
}

var errBackend = errors.New("backend unavailable")

func (f *faultyStore) GetEntitlement(ctx context.Context, userID string) (*entitlement.UserEntitlement, error) {
	if f.failGet {
		return nil, errBackend
	}
	return f.Store.GetEntitlement(ctx, userID)
}

func (f *faultyStore) Debit(ctx context.Context, userID, day string, tokens, limit int64) (int64, error) {
	if f.failDebit {
		return 0, errBackend
	}
	return f.Store.Debit(ctx, userID, day, tokens, limit)
}

func (f *faultyStore) AppendEntry(ctx context.Context, e *usagelog.Entry) error {
	if f.failAppend {
		return errBackend
	}
	return f.Store.AppendEntry(ctx, e)
}

type storeErrorCounter struct {
	mu  sync.Mutex
	ops []string
}

func (s *storeErrorCounter) Name() string { return "store-errors" }

func (s *storeErrorCounter) OnStoreError(_ context.Context, op string, _ error) error {
	s.mu.Lock()
	s.ops = append(s.ops, op)
	s.mu.Unlock()
	return nil
}

func TestSystemErrorsFailClosed(t *testing.T) {
	tests := []struct {
		name        string
		store       *faultyStore
		wantCharged bool
		wantOp      string
	}{
		{"entitlement read", &faultyStore{failGet: true}, false, "get_entitlement"},
		{"debit", &faultyStore{failDebit: true}, false, "debit"},
		{"log append after debit", &faultyStore{failAppend: true}, true, "append_entry"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := memory.New()
			tt.store.Store = mem
			_ = mem.CreateEntitlement(context.Background(), trialUser("u"))

			hook := &storeErrorCounter{}
			e := allowance.New(tt.store,
				allowance.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
				allowance.WithPlugin(hook),
			)

			res, err := e.TryConsume(context.Background(), "u", "ocr", 4)
			if !errors.Is(err, allowance.ErrSystem) || !errors.Is(err, errBackend) {
				t.Fatalf("err = %v", err)
			}
			if !allowance.IsRetryable(err) {
				t.Error("backend failure should be retryable")
			}
			if res == nil || res.Granted || res.Reason != allowance.ReasonSystemError {
				t.Fatalf("res = %+v", res)
			}
			if res.Denial == nil || res.Denial.Action != allowance.ActionRetry {
				t.Errorf("denial = %+v", res.Denial)
			}

			consumed, _ := mem.GetUsage(context.Background(), "u", res.Day)
			if charged := consumed == 4; charged != tt.wantCharged {
				t.Errorf("charged = %v, want %v", charged, tt.wantCharged)
			}

			if len(hook.ops) != 1 || hook.ops[0] != tt.wantOp {
				t.Errorf("store error hook ops = %v", hook.ops)
			}
		})
	}
}

type consumeTracker struct {
	mu      sync.Mutex
	granted []*plugin.ConsumeEvent
	denied  []*plugin.ConsumeEvent
}

func (c *consumeTracker) Name() string { return "tracker" }

func (c *consumeTracker) OnConsumeGranted(_ context.Context, ev *plugin.ConsumeEvent) error {
	c.mu.Lock()
	c.granted = append(c.granted, ev)
	c.mu.Unlock()
	return nil
}

func (c *consumeTracker) OnConsumeDenied(_ context.Context, ev *plugin.ConsumeEvent) error {
	c.mu.Lock()
	c.denied = append(c.denied, ev)
	c.mu.Unlock()
	return nil
}

func TestPluginEvents(t *testing.T) {
	tracker := &consumeTracker{}
	h := newHarness(t, allowance.WithPlugin(tracker))
	h.provision(t, trialUser("p"))
	ctx := context.Background()

	_, _ = h.engine.TryConsume(ctx, "p", "ocr", 6)
	_, _ = h.engine.TryConsume(ctx, "p", "ocr", 6)

	if len(tracker.granted) != 1 || len(tracker.denied) != 1 {
		t.Fatalf("granted=%d denied=%d", len(tracker.granted), len(tracker.denied))
	}
	if tracker.denied[0].Reason != allowance.ReasonInsufficientTokens || tracker.granted[0].Remaining != 4 {
		t.Errorf("events = %+v / %+v", tracker.granted[0], tracker.denied[0])
	}
}

func TestDuplicatePluginIsLogged(t *testing.T) {
	var buf bytes.Buffer
	first, second := &consumeTracker{}, &consumeTracker{}

	e := allowance.New(memory.New(),
		allowance.WithLogger(slog.New(slog.NewTextHandler(&buf, nil))),
		allowance.WithPlugin(first),
		allowance.WithPlugin(second),
	)

	if got := e.Plugins().Count(); got != 1 {
		t.Errorf("plugins = %d, want 1", got)
	}
	out := buf.String()
	if !strings.Contains(out, "plugin not registered") || !strings.Contains(out, "tracker") {
		t.Errorf("duplicate registration not logged: %q", out)
	}
}

func TestResolve(t *testing.T) {
	h := newHarness(t)
	h.provision(t, memberUser("m", nil))
	ctx := context.Background()

	d, err := h.engine.Resolve(ctx, "m")
	if err != nil {
		t.Fatal(err)
	}
	if !d.CanAct || d.Limit != 100 || d.Admin {
		t.Errorf("decision = %+v", d)
	}

	d, err = h.engine.Resolve(ctx, "nobody")
	if err != nil {
		t.Fatal(err)
	}
	if d.CanAct || d.Reason != allowance.ReasonUserNotFound {
		t.Errorf("missing user decision = %+v", d)
	}

	if _, err := h.engine.Usage(ctx, "nobody"); !allowance.IsNotFound(err) {
		t.Errorf("Usage(nobody) err = %v", err)
	}
}

func TestRecordAndReports(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.engine.Record(ctx, "u1", "export", 0); err != nil {
		t.Fatal(err)
	}
	if _, err := h.engine.Record(ctx, "u1", "export", -1); !errors.Is(err, allowance.ErrInvalidTokens) {
		t.Errorf("negative record err = %v", err)
	}

	h.provision(t, memberUser("u2", nil))
	for range 3 {
		h.clock.Advance(time.Minute)
		if _, err := h.engine.TryConsume(ctx, "u2", "ocr", 5); err != nil {
			t.Fatal(err)
		}
	}

	page, err := h.engine.ListEntries(ctx, usagelog.Filter{}, usagelog.Pagination{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if page.Pagination.Total != 4 || len(page.Entries) != 2 || page.Pagination.Limit != 2 {
		t.Errorf("page = %+v", page.Pagination)
	}
	if !page.Entries[0].CreatedAt.After(page.Entries[1].CreatedAt) {
		t.Error("entries not newest first")
	}

	defaults, _ := h.engine.ListEntries(ctx, usagelog.Filter{}, usagelog.Pagination{})
	if defaults.Pagination.Limit != usagelog.DefaultPageLimit {
		t.Errorf("default limit = %d", defaults.Pagination.Limit)
	}

	stats, err := h.engine.AggregateStats(ctx, usagelog.Filter{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalRequests != 4 || stats.TotalTokensConsumed != 15 || stats.UniqueUsers != 2 || stats.UniqueTools != 2 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.TopUsers[0].ID != "u2" || stats.TopTools[0].ID != "ocr" {
		t.Errorf("tops = %+v / %+v", stats.TopUsers, stats.TopTools)
	}

	bad := usagelog.Filter{StartDate: h.clock.Now(), EndDate: h.clock.Now().Add(-time.Hour)}
	if _, err := h.engine.ListEntries(ctx, bad, usagelog.Pagination{}); !allowance.IsValidationError(err) {
		t.Errorf("inverted range err = %v", err)
	}
}
