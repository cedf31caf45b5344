// Package observability provides a metrics extension for Allowance that
// records quota and entitlement event counts via a MetricFactory.
package observability

import (
	"context"
	"strings"

	"github.com/xraph/allowance/entitlement"
	"github.com/xraph/allowance/plugin"
	"github.com/xraph/allowance/usagelog"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin                = (*MetricsExtension)(nil)
	_ plugin.OnInit                = (*MetricsExtension)(nil)
	_ plugin.OnEntitlementResolved = (*MetricsExtension)(nil)
	_ plugin.OnEntitlementChanged  = (*MetricsExtension)(nil)
	_ plugin.OnConsumeGranted      = (*MetricsExtension)(nil)
	_ plugin.OnConsumeDenied       = (*MetricsExtension)(nil)
	_ plugin.OnUsageRecorded       = (*MetricsExtension)(nil)
	_ plugin.OnStoreError          = (*MetricsExtension)(nil)
)

// Counter interface for metric counters.
type Counter interface {
	Inc()
	Add(float64)
}

// Histogram interface for metric histograms.
type Histogram interface {
	Observe(float64)
}

// MetricFactory creates metrics.
type MetricFactory interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
}

// deniedReasons are the reasons a consume request can be denied with.
var deniedReasons = []entitlement.Reason{
	entitlement.ReasonUserNotFound,
	entitlement.ReasonUserNotActive,
	entitlement.ReasonTrialExpired,
	entitlement.ReasonMembershipExpired,
	entitlement.ReasonInsufficientTokens,
	entitlement.ReasonSystemError,
}

// MetricsExtension records system-wide quota metrics.
// Register it as an Allowance plugin to automatically track them.
type MetricsExtension struct {
	factory MetricFactory

	// Entitlement metrics
	EntitlementResolved Counter
	EntitlementCanAct   Counter
	UsersProvisioned    Counter
	EntitlementsUpdated Counter

	// Consume metrics
	ConsumeGranted   Counter
	ConsumeDenied    Counter
	ConsumeUnmetered Counter
	TokensDebited    Counter
	ConsumeLatency   Histogram
	DeniedByReason   map[entitlement.Reason]Counter

	// Usage log metrics
	UsageRecorded Counter
	UsageTokens   Counter

	// Error metrics
	StoreErrors Counter
}

// NewMetricsExtension creates a MetricsExtension with the provided MetricFactory.
func NewMetricsExtension(factory MetricFactory) *MetricsExtension {
	m := &MetricsExtension{
		factory: factory,

		// Entitlement metrics
		EntitlementResolved: factory.Counter("allowance.entitlement.resolved"),
		EntitlementCanAct:   factory.Counter("allowance.entitlement.can_act"),
		UsersProvisioned:    factory.Counter("allowance.entitlement.provisioned"),
		EntitlementsUpdated: factory.Counter("allowance.entitlement.updated"),

		// Consume metrics
		ConsumeGranted:   factory.Counter("allowance.consume.granted"),
		ConsumeDenied:    factory.Counter("allowance.consume.denied"),
		ConsumeUnmetered: factory.Counter("allowance.consume.unmetered"),
		TokensDebited:    factory.Counter("allowance.consume.tokens"),
		ConsumeLatency:   factory.Histogram("allowance.consume.latency_ms"),
		DeniedByReason:   make(map[entitlement.Reason]Counter, len(deniedReasons)),

		// Usage log metrics
		UsageRecorded: factory.Counter("allowance.usage.recorded"),
		UsageTokens:   factory.Counter("allowance.usage.tokens"),

		// Error metrics
		StoreErrors: factory.Counter("allowance.store.errors"),
	}
	for _, r := range deniedReasons {
		m.DeniedByReason[r] = factory.Counter("allowance.consume.denied." + reasonSuffix(r))
	}
	return m
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// OnInit implements plugin.OnInit.
func (m *MetricsExtension) OnInit(_ context.Context, _ interface{}) error {
	return nil
}

// ──────────────────────────────────────────────────
// Entitlement hooks
// ──────────────────────────────────────────────────

// OnEntitlementResolved implements plugin.OnEntitlementResolved.
func (m *MetricsExtension) OnEntitlementResolved(_ context.Context, d *entitlement.Decision) error {
	m.EntitlementResolved.Inc()
	if d.CanAct {
		m.EntitlementCanAct.Inc()
	}
	return nil
}

// OnEntitlementChanged implements plugin.OnEntitlementChanged.
func (m *MetricsExtension) OnEntitlementChanged(_ context.Context, prev, _ *entitlement.UserEntitlement) error {
	if prev == nil {
		m.UsersProvisioned.Inc()
	} else {
		m.EntitlementsUpdated.Inc()
	}
	return nil
}

// ──────────────────────────────────────────────────
// Consume hooks
// ──────────────────────────────────────────────────

// OnConsumeGranted implements plugin.OnConsumeGranted.
func (m *MetricsExtension) OnConsumeGranted(_ context.Context, ev *plugin.ConsumeEvent) error {
	m.ConsumeGranted.Inc()
	if ev.Unmetered {
		m.ConsumeUnmetered.Inc()
	} else {
		m.TokensDebited.Add(float64(ev.Tokens))
	}
	m.ConsumeLatency.Observe(float64(ev.Elapsed.Milliseconds()))
	return nil
}

// OnConsumeDenied implements plugin.OnConsumeDenied.
func (m *MetricsExtension) OnConsumeDenied(_ context.Context, ev *plugin.ConsumeEvent) error {
	m.ConsumeDenied.Inc()
	if c, ok := m.DeniedByReason[ev.Reason]; ok {
		c.Inc()
	}
	m.ConsumeLatency.Observe(float64(ev.Elapsed.Milliseconds()))
	return nil
}

// ──────────────────────────────────────────────────
// Usage log hooks
// ──────────────────────────────────────────────────

// OnUsageRecorded implements plugin.OnUsageRecorded.
func (m *MetricsExtension) OnUsageRecorded(_ context.Context, e *usagelog.Entry) error {
	m.UsageRecorded.Inc()
	m.UsageTokens.Add(float64(e.Consumed))
	return nil
}

// ──────────────────────────────────────────────────
// Store hooks
// ──────────────────────────────────────────────────

// OnStoreError implements plugin.OnStoreError.
func (m *MetricsExtension) OnStoreError(_ context.Context, _ string, _ error) error {
	m.StoreErrors.Inc()
	return nil
}

func reasonSuffix(r entitlement.Reason) string {
	return strings.ToLower(r.String())
}
