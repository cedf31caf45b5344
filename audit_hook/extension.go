// Package audithook bridges Allowance quota and entitlement events to an
// audit trail backend.
//
// It defines a local Recorder interface so the package does not import any
// audit backend directly. Callers inject a RecorderFunc adapter at wiring
// time.
package audithook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/allowance/entitlement"
	"github.com/xraph/allowance/plugin"
	"github.com/xraph/allowance/usagelog"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin               = (*Extension)(nil)
	_ plugin.OnEntitlementChanged = (*Extension)(nil)
	_ plugin.OnConsumeGranted     = (*Extension)(nil)
	_ plugin.OnConsumeDenied      = (*Extension)(nil)
	_ plugin.OnUsageRecorded      = (*Extension)(nil)
	_ plugin.OnStoreError         = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is a local representation of an audit event.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Extension bridges Allowance events to an audit trail backend.
type Extension struct {
	recorder    Recorder
	enabled     map[string]bool // nil = all enabled
	auditGrants bool
	logger      *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// Entitlement hooks
// ──────────────────────────────────────────────────

// OnEntitlementChanged implements plugin.OnEntitlementChanged.
func (e *Extension) OnEntitlementChanged(ctx context.Context, prev, next *entitlement.UserEntitlement) error {
	if next == nil {
		return nil
	}

	action := changeAction(prev, next)
	severity := SeverityInfo
	if action == ActionEntitlementDisabled {
		severity = SeverityWarning
	}

	kv := []any{
		"role", string(next.Role),
		"plan", string(next.Plan),
		"status", string(next.Status),
	}
	if exp := next.ExpiresAt(); exp != nil {
		kv = append(kv, "expires_at", exp.UTC())
	}
	if prev != nil {
		kv = append(kv,
			"prev_plan", string(prev.Plan),
			"prev_status", string(prev.Status),
		)
	}

	return e.record(ctx, action, severity, OutcomeSuccess,
		ResourceEntitlement, next.UserID, CategoryAdmin, nil,
		kv...,
	)
}

// changeAction classifies an administrative entitlement write.
func changeAction(prev, next *entitlement.UserEntitlement) string {
	switch {
	case prev == nil:
		return ActionUserProvisioned
	case next.Status == entitlement.StatusDisabled && prev.Status != entitlement.StatusDisabled:
		return ActionEntitlementDisabled
	case extends(prev.ExpiresAt(), next.ExpiresAt()) || prev.Plan != next.Plan:
		return ActionEntitlementRenewed
	default:
		return ActionEntitlementUpdated
	}
}

// extends reports whether next pushes an existing expiry later.
func extends(prev, next *time.Time) bool {
	return prev != nil && next != nil && next.After(*prev)
}

// ──────────────────────────────────────────────────
// Quota hooks
// ──────────────────────────────────────────────────

// OnConsumeGranted implements plugin.OnConsumeGranted.
func (e *Extension) OnConsumeGranted(ctx context.Context, ev *plugin.ConsumeEvent) error {
	if !e.auditGrants {
		return nil
	}
	return e.record(ctx, ActionConsumeGranted, SeverityInfo, OutcomeSuccess,
		ResourceQuota, ev.UserID, CategoryUsage, nil,
		consumeMetadata(ev)...,
	)
}

// OnConsumeDenied implements plugin.OnConsumeDenied.
func (e *Extension) OnConsumeDenied(ctx context.Context, ev *plugin.ConsumeEvent) error {
	action, severity := ActionEntitlementDenied, SeverityWarning
	switch ev.Reason {
	case entitlement.ReasonInsufficientTokens:
		action = ActionQuotaExceeded
	case entitlement.ReasonSystemError:
		action, severity = ActionConsumeFailed, SeverityError
	}

	kv := append(consumeMetadata(ev), "reason", ev.Reason.String())
	return e.record(ctx, action, severity, OutcomeFailure,
		ResourceQuota, ev.UserID, CategoryAccess, nil,
		kv...,
	)
}

// ──────────────────────────────────────────────────
// Usage log hooks
// ──────────────────────────────────────────────────

// OnUsageRecorded implements plugin.OnUsageRecorded.
func (e *Extension) OnUsageRecorded(ctx context.Context, entry *usagelog.Entry) error {
	return e.record(ctx, ActionUsageRecorded, SeverityInfo, OutcomeSuccess,
		ResourceUsage, entry.ID.String(), CategoryUsage, nil,
		"user_id", entry.UserID,
		"tool_id", entry.ToolID,
		"tokens_consumed", entry.Consumed,
	)
}

// ──────────────────────────────────────────────────
// Store hooks
// ──────────────────────────────────────────────────

// OnStoreError implements plugin.OnStoreError.
func (e *Extension) OnStoreError(ctx context.Context, op string, storeErr error) error {
	return e.record(ctx, ActionStoreError, SeverityCritical, OutcomeFailure,
		ResourceStore, op, CategorySystem, storeErr,
		"op", op,
	)
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

func consumeMetadata(ev *plugin.ConsumeEvent) []any {
	return []any{
		"tool_id", ev.ToolID,
		"tokens", ev.Tokens,
		"consumed", ev.Consumed,
		"limit", ev.Limit,
		"remaining", ev.Remaining,
		"day", ev.Day,
		"unmetered", ev.Unmetered,
	}
}

// record builds and sends an audit event if the action is enabled.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
