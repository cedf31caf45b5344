package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/xraph/allowance/entitlement"
	"github.com/xraph/allowance/usagelog"
)

// DefaultTimeout bounds each plugin call.
const DefaultTimeout = 5 * time.Second

// Registry manages all registered plugins and provides efficient dispatch.
// It uses type-cached discovery for O(1) dispatch performance.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger
	timeout time.Duration

	// Type-cached plugin lists for efficient dispatch
	onInit                []OnInit
	onShutdown            []OnShutdown
	onEntitlementResolved []OnEntitlementResolved
	onEntitlementChanged  []OnEntitlementChanged
	onConsumeGranted      []OnConsumeGranted
	onConsumeDenied       []OnConsumeDenied
	onUsageRecorded       []OnUsageRecorded
	onStoreError          []OnStoreError
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		logger:  slog.Default(),
		timeout: DefaultTimeout,
	}
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// WithTimeout sets the per-call plugin timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// Register adds a plugin to the registry and caches its interfaces.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Check for duplicate
	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
		}
	}

	r.plugins = append(r.plugins, p)

	// Type-switch to cache interfaces
	if v, ok := p.(OnInit); ok {
		r.onInit = append(r.onInit, v)
	}
	if v, ok := p.(OnShutdown); ok {
		r.onShutdown = append(r.onShutdown, v)
	}
	if v, ok := p.(OnEntitlementResolved); ok {
		r.onEntitlementResolved = append(r.onEntitlementResolved, v)
	}
	if v, ok := p.(OnEntitlementChanged); ok {
		r.onEntitlementChanged = append(r.onEntitlementChanged, v)
	}
	if v, ok := p.(OnConsumeGranted); ok {
		r.onConsumeGranted = append(r.onConsumeGranted, v)
	}
	if v, ok := p.(OnConsumeDenied); ok {
		r.onConsumeDenied = append(r.onConsumeDenied, v)
	}
	if v, ok := p.(OnUsageRecorded); ok {
		r.onUsageRecorded = append(r.onUsageRecorded, v)
	}
	if v, ok := p.(OnStoreError); ok {
		r.onStoreError = append(r.onStoreError, v)
	}

	r.logger.Info("plugin registered",
		"name", p.Name(),
		"interfaces", r.getImplementedInterfaces(p),
	)

	return nil
}

// getImplementedInterfaces returns a list of interfaces implemented by the plugin.
func (r *Registry) getImplementedInterfaces(p Plugin) []string {
	var interfaces []string
	v := reflect.TypeOf(p)

	checkInterface := func(iface reflect.Type, name string) {
		if v.Implements(iface) {
			interfaces = append(interfaces, name)
		}
	}

	checkInterface(reflect.TypeOf((*OnInit)(nil)).Elem(), "OnInit")
	checkInterface(reflect.TypeOf((*OnShutdown)(nil)).Elem(), "OnShutdown")
	checkInterface(reflect.TypeOf((*OnEntitlementResolved)(nil)).Elem(), "OnEntitlementResolved")
	checkInterface(reflect.TypeOf((*OnEntitlementChanged)(nil)).Elem(), "OnEntitlementChanged")
	checkInterface(reflect.TypeOf((*OnConsumeGranted)(nil)).Elem(), "OnConsumeGranted")
	checkInterface(reflect.TypeOf((*OnConsumeDenied)(nil)).Elem(), "OnConsumeDenied")
	checkInterface(reflect.TypeOf((*OnUsageRecorded)(nil)).Elem(), "OnUsageRecorded")
	checkInterface(reflect.TypeOf((*OnStoreError)(nil)).Elem(), "OnStoreError")

	return interfaces
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns all registered plugins.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Plugin, len(r.plugins))
	copy(result, r.plugins)
	return result
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// ──────────────────────────────────────────────────
// Event emission methods
// ──────────────────────────────────────────────────

// EmitInit calls OnInit for all plugins that implement it.
func (r *Registry) EmitInit(ctx context.Context, engine interface{}) {
	r.mu.RLock()
	plugins := r.onInit
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnInit(ctx, engine)
		}); err != nil {
			r.logger.Warn("plugin OnInit failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitShutdown calls OnShutdown for all plugins that implement it.
func (r *Registry) EmitShutdown(ctx context.Context) {
	r.mu.RLock()
	plugins := r.onShutdown
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnShutdown(ctx)
		}); err != nil {
			r.logger.Warn("plugin OnShutdown failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitEntitlementResolved emits an entitlement resolved event.
func (r *Registry) EmitEntitlementResolved(ctx context.Context, d *entitlement.Decision) {
	r.mu.RLock()
	plugins := r.onEntitlementResolved
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnEntitlementResolved(ctx, d)
		}); err != nil {
			r.logger.Warn("plugin OnEntitlementResolved failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitEntitlementChanged emits an entitlement changed event.
func (r *Registry) EmitEntitlementChanged(ctx context.Context, prev, next *entitlement.UserEntitlement) {
	r.mu.RLock()
	plugins := r.onEntitlementChanged
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnEntitlementChanged(ctx, prev, next)
		}); err != nil {
			r.logger.Warn("plugin OnEntitlementChanged failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitConsumeGranted emits a consume granted event.
func (r *Registry) EmitConsumeGranted(ctx context.Context, ev *ConsumeEvent) {
	r.mu.RLock()
	plugins := r.onConsumeGranted
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnConsumeGranted(ctx, ev)
		}); err != nil {
			r.logger.Warn("plugin OnConsumeGranted failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitConsumeDenied emits a consume denied event.
func (r *Registry) EmitConsumeDenied(ctx context.Context, ev *ConsumeEvent) {
	r.mu.RLock()
	plugins := r.onConsumeDenied
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnConsumeDenied(ctx, ev)
		}); err != nil {
			r.logger.Warn("plugin OnConsumeDenied failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitUsageRecorded emits a usage recorded event.
func (r *Registry) EmitUsageRecorded(ctx context.Context, e *usagelog.Entry) {
	r.mu.RLock()
	plugins := r.onUsageRecorded
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnUsageRecorded(ctx, e)
		}); err != nil {
			r.logger.Warn("plugin OnUsageRecorded failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitStoreError emits a store error event.
func (r *Registry) EmitStoreError(ctx context.Context, op string, storeErr error) {
	r.mu.RLock()
	plugins := r.onStoreError
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnStoreError(ctx, op, storeErr)
		}); err != nil {
			r.logger.Warn("plugin OnStoreError failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// callWithTimeout calls a plugin function with a timeout.
// Plugins should never block the quota path.
func (r *Registry) callWithTimeout(ctx context.Context, pluginName string, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		done <- fn()
	}()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("plugin timeout: %s", pluginName)
	case <-ctx.Done():
		return ctx.Err()
	}
}
