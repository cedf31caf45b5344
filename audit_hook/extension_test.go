package audithook_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	audithook "github.com/xraph/allowance/audit_hook"
	"github.com/xraph/allowance/entitlement"
	"github.com/xraph/allowance/id"
	"github.com/xraph/allowance/plan"
	"github.com/xraph/allowance/plugin"
	"github.com/xraph/allowance/usagelog"
)

type capture struct {
	events []*audithook.AuditEvent
}

func (c *capture) Record(_ context.Context, ev *audithook.AuditEvent) error {
	c.events = append(c.events, ev)
	return nil
}

func (c *capture) actions() []string {
	out := make([]string, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Action
	}
	return out
}

func member(userID string, status entitlement.Status, ends time.Time) *entitlement.UserEntitlement {
	return &entitlement.UserEntitlement{
		UserID:       userID,
		Role:         entitlement.RoleMember,
		Plan:         plan.Member,
		Status:       status,
		MemberEndsAt: &ends,
	}
}

func TestDeniedConsumeActions(t *testing.T) {
	rec := &capture{}
	ext := audithook.New(rec)
	ctx := context.Background()

	require.NoError(t, ext.OnConsumeDenied(ctx, &plugin.ConsumeEvent{UserID: "u1", Reason: entitlement.ReasonInsufficientTokens}))
	require.NoError(t, ext.OnConsumeDenied(ctx, &plugin.ConsumeEvent{UserID: "u1", Reason: entitlement.ReasonTrialExpired}))
	require.NoError(t, ext.OnConsumeDenied(ctx, &plugin.ConsumeEvent{UserID: "u1", Reason: entitlement.ReasonSystemError}))

	assert.Equal(t, []string{
		audithook.ActionQuotaExceeded,
		audithook.ActionEntitlementDenied,
		audithook.ActionConsumeFailed,
	}, rec.actions())
	assert.Equal(t, audithook.SeverityError, rec.events[2].Severity)
	assert.Equal(t, "TRIAL_EXPIRED", rec.events[1].Metadata["reason"])
	assert.Equal(t, audithook.OutcomeFailure, rec.events[0].Outcome)
}

func TestGrantsSkippedByDefault(t *testing.T) {
	rec := &capture{}
	ev := &plugin.ConsumeEvent{UserID: "u1", ToolID: "summarize", Tokens: 3}

	require.NoError(t, audithook.New(rec).OnConsumeGranted(context.Background(), ev))
	assert.Empty(t, rec.events)

	require.NoError(t, audithook.New(rec, audithook.WithGrantedEvents()).OnConsumeGranted(context.Background(), ev))
	require.Len(t, rec.events, 1)
	assert.Equal(t, audithook.ActionConsumeGranted, rec.events[0].Action)
	assert.Equal(t, int64(3), rec.events[0].Metadata["tokens"])
}

func TestEntitlementChangeActions(t *testing.T) {
	rec := &capture{}
	ext := audithook.New(rec)
	ctx := context.Background()
	ends := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	active := member("u1", entitlement.StatusActive, ends)
	renewed := member("u1", entitlement.StatusActive, ends.AddDate(0, 1, 0))
	disabled := member("u1", entitlement.StatusDisabled, ends)
	pending := member("u1", entitlement.StatusPending, ends)

	require.NoError(t, ext.OnEntitlementChanged(ctx, nil, active))
	require.NoError(t, ext.OnEntitlementChanged(ctx, active, renewed))
	require.NoError(t, ext.OnEntitlementChanged(ctx, active, disabled))
	require.NoError(t, ext.OnEntitlementChanged(ctx, active, pending))

	assert.Equal(t, []string{
		audithook.ActionUserProvisioned,
		audithook.ActionEntitlementRenewed,
		audithook.ActionEntitlementDisabled,
		audithook.ActionEntitlementUpdated,
	}, rec.actions())
	assert.Equal(t, "u1", rec.events[0].ResourceID)
	assert.Equal(t, audithook.SeverityWarning, rec.events[2].Severity)
}

func TestStoreErrorCarriesReason(t *testing.T) {
	rec := &capture{}
	ext := audithook.New(rec)

	require.NoError(t, ext.OnStoreError(context.Background(), "debit", errors.New("connection reset")))
	require.Len(t, rec.events, 1)
	assert.Equal(t, "connection reset", rec.events[0].Reason)
	assert.Equal(t, "debit", rec.events[0].Metadata["op"])
}

func TestUsageRecorded(t *testing.T) {
	rec := &capture{}
	entry := &usagelog.Entry{ID: id.NewUsageEntryID(), UserID: "u1", ToolID: "translate", Consumed: 4}

	require.NoError(t, audithook.New(rec).OnUsageRecorded(context.Background(), entry))
	require.Len(t, rec.events, 1)
	assert.Equal(t, entry.ID.String(), rec.events[0].ResourceID)
	assert.Equal(t, int64(4), rec.events[0].Metadata["tokens_consumed"])
}

func TestActionFilters(t *testing.T) {
	ctx := context.Background()
	denied := &plugin.ConsumeEvent{UserID: "u1", Reason: entitlement.ReasonInsufficientTokens}

	rec := &capture{}
	ext := audithook.New(rec, audithook.WithDisabledActions(audithook.ActionQuotaExceeded))
	require.NoError(t, ext.OnConsumeDenied(ctx, denied))
	assert.Empty(t, rec.events)

	rec = &capture{}
	ext = audithook.New(rec, audithook.WithEnabledActions(audithook.ActionStoreError))
	require.NoError(t, ext.OnConsumeDenied(ctx, denied))
	require.NoError(t, ext.OnStoreError(ctx, "get_usage", errors.New("boom")))
	assert.Equal(t, []string{audithook.ActionStoreError}, rec.actions())
}

func TestRecorderFailureIsSwallowed(t *testing.T) {
	ext := audithook.New(audithook.RecorderFunc(func(context.Context, *audithook.AuditEvent) error {
		return errors.New("backend down")
	}))

	err := ext.OnStoreError(context.Background(), "debit", errors.New("boom"))
	assert.NoError(t, err)
}
