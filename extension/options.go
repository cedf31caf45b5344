package extension

import (
	"github.com/xraph/allowance"
	"github.com/xraph/allowance/plugin"
	"github.com/xraph/allowance/store"
)

// Option configures the Allowance Forge extension.
type Option func(*Extension)

// WithStore sets the store for the allowance engine.
func WithStore(s store.Store) Option {
	return func(e *Extension) {
		e.store = s
	}
}

// WithEngineOption passes an allowance.Option through to the underlying engine.
func WithEngineOption(opt allowance.Option) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, opt)
	}
}

// WithPlugin registers an allowance plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, allowance.WithPlugin(p))
	}
}

// WithConfig sets the Forge extension configuration.
func WithConfig(cfg Config) Option {
	return func(e *Extension) { e.config = cfg }
}

// WithDisableRoutes prevents building the HTTP handler.
func WithDisableRoutes() Option {
	return func(e *Extension) { e.config.DisableRoutes = true }
}

// WithDisableMigrate prevents auto-migration on start.
func WithDisableMigrate() Option {
	return func(e *Extension) { e.config.DisableMigrate = true }
}

// WithBasePath sets the URL prefix for allowance routes.
func WithBasePath(path string) Option {
	return func(e *Extension) { e.config.BasePath = path }
}

// WithAdminKey sets the key that guards admin routes.
func WithAdminKey(key string) Option {
	return func(e *Extension) { e.config.AdminKey = key }
}

// WithRequireConfig requires config to be present in YAML files.
// If true and no config is found, Register returns an error.
func WithRequireConfig(require bool) Option {
	return func(e *Extension) { e.config.RequireConfig = require }
}

// WithResetTimezone sets the zone whose midnight resets daily counters.
func WithResetTimezone(tz string) Option {
	return func(e *Extension) { e.config.ResetTimezone = tz }
}

// WithDailyTokens sets the daily limits of the trial and member plans.
func WithDailyTokens(trial, member int64) Option {
	return func(e *Extension) {
		e.config.TrialDailyTokens = trial
		e.config.MemberDailyTokens = member
	}
}

// WithLogAdminUsage appends zero-token usage entries for admin actions.
func WithLogAdminUsage() Option {
	return func(e *Extension) { e.config.LogAdminUsage = true }
}
