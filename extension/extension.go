// Package extension provides the Forge extension adapter for Allowance.
//
// It implements the forge.Extension interface to integrate Allowance
// into a Forge application with DI registration and lifecycle management.
//
// Configuration can be provided programmatically via Option functions
// or via YAML configuration files under "extensions.allowance" or
// "allowance" keys.
package extension

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/xraph/forge"
	"github.com/xraph/vessel"

	"github.com/xraph/allowance"
	"github.com/xraph/allowance/api"
	"github.com/xraph/allowance/calendar"
	"github.com/xraph/allowance/plan"
	"github.com/xraph/allowance/store"
	"github.com/xraph/allowance/store/memory"
)

// ExtensionName is the name registered with Forge.
const ExtensionName = "allowance"

// ExtensionDescription is the human-readable description.
const ExtensionDescription = "Daily token entitlement and quota engine"

// ExtensionVersion is the semantic version.
const ExtensionVersion = "0.1.0"

// Ensure Extension implements forge.Extension at compile time.
var _ forge.Extension = (*Extension)(nil)

// Extension adapts Allowance as a Forge extension.
type Extension struct {
	*forge.BaseExtension

	config     Config
	engine     *allowance.Engine
	store      store.Store
	handler    http.Handler
	engineOpts []allowance.Option
}

// New creates a new Allowance Forge extension with the given options.
func New(opts ...Option) *Extension {
	e := &Extension{
		BaseExtension: forge.NewBaseExtension(ExtensionName, ExtensionVersion, ExtensionDescription),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Engine returns the underlying allowance engine.
// This is nil until Register is called.
func (e *Extension) Engine() *allowance.Engine { return e.engine }

// Handler returns the HTTP handler for the allowance routes. Register mounts
// it on the forge router under the configured base path. It is nil until
// Register is called, and stays nil when routes are disabled.
func (e *Extension) Handler() http.Handler { return e.handler }

// Register implements [forge.Extension]. It loads configuration,
// initializes the engine, and registers it in the DI container.
func (e *Extension) Register(fapp forge.App) error {
	if err := e.BaseExtension.Register(fapp); err != nil {
		return err
	}

	if err := e.loadConfiguration(); err != nil {
		return err
	}

	// Use memory store if no store was provided programmatically.
	if e.store == nil {
		e.store = memory.New()
	}

	opts, err := e.buildEngineOpts()
	if err != nil {
		return err
	}

	e.engine = allowance.New(e.store, opts...)
	e.handler = e.buildHandler()

	if err := e.mountRoutes(fapp.Router()); err != nil {
		return err
	}

	return vessel.Provide(fapp.Container(), func() (*allowance.Engine, error) {
		return e.engine, nil
	})
}

// Start implements [forge.Extension].
func (e *Extension) Start(ctx context.Context) error {
	if e.engine == nil {
		return errors.New("allowance: extension not initialized")
	}

	if !e.config.DisableMigrate {
		if err := e.engine.Start(ctx); err != nil {
			return err
		}
	}

	e.MarkStarted()
	return nil
}

// Stop implements [forge.Extension].
func (e *Extension) Stop(_ context.Context) error {
	if e.engine != nil {
		if err := e.engine.Stop(); err != nil {
			e.MarkStopped()
			return err
		}
	}
	e.MarkStopped()
	return nil
}

// Health implements [forge.Extension].
func (e *Extension) Health(ctx context.Context) error {
	if e.store == nil {
		return errors.New("allowance: store not initialized")
	}
	return e.store.Ping(ctx)
}

// buildEngineOpts constructs allowance.Option values from the resolved config.
func (e *Extension) buildEngineOpts() ([]allowance.Option, error) {
	cal, err := calendar.Parse(e.config.ResetTimezone)
	if err != nil {
		return nil, fmt.Errorf("allowance: reset_timezone: %w", err)
	}

	plans, err := plan.NewTable(
		plan.Quota{Plan: plan.Trial, DailyTokenLimit: e.config.TrialDailyTokens},
		plan.Quota{Plan: plan.Member, DailyTokenLimit: e.config.MemberDailyTokens},
	)
	if err != nil {
		return nil, fmt.Errorf("allowance: plan limits: %w", err)
	}

	opts := make([]allowance.Option, 0, len(e.engineOpts)+4)
	opts = append(opts,
		allowance.WithCalendar(cal),
		allowance.WithPlanTable(plans),
		allowance.WithAdminUsageLog(e.config.LogAdminUsage),
	)

	// Append any pass-through engine options.
	opts = append(opts, e.engineOpts...)

	return opts, nil
}

func (e *Extension) buildHandler() http.Handler {
	if e.config.DisableRoutes {
		return nil
	}

	srv := api.New(e.engine, api.WithAdminKey(e.config.AdminKey))
	prefix := strings.TrimRight(e.config.BasePath, "/")
	if prefix == "" {
		return srv
	}
	return http.StripPrefix(prefix, srv)
}

// routeMounter is the part of forge.Router the extension mounts into.
type routeMounter interface {
	Handle(path string, handler http.Handler) error
}

// mountRoutes mounts the handler at the base path unless routes are disabled.
func (e *Extension) mountRoutes(r routeMounter) error {
	if e.handler == nil {
		return nil
	}

	path := e.mountPath()
	if err := r.Handle(path, e.handler); err != nil {
		return fmt.Errorf("allowance: mount routes at %s: %w", path, err)
	}
	e.Logger().Info("allowance: routes mounted", forge.F("path", path))
	return nil
}

func (e *Extension) mountPath() string {
	if prefix := strings.TrimRight(e.config.BasePath, "/"); prefix != "" {
		return prefix
	}
	return "/"
}

// --- Config Loading ---

// loadConfiguration loads config from YAML files or programmatic sources.
func (e *Extension) loadConfiguration() error {
	programmaticConfig := e.config

	// Try loading from config file.
	fileConfig, configLoaded := e.tryLoadFromConfigFile()

	if !configLoaded {
		if programmaticConfig.RequireConfig {
			return errors.New("allowance: configuration is required but not found in config files; " +
				"ensure 'extensions.allowance' or 'allowance' key exists in your config")
		}

		// Use programmatic config merged with defaults.
		e.config = mergeWithDefaults(programmaticConfig)
	} else {
		// Config loaded from YAML -- merge with programmatic options.
		e.config = mergeConfigurations(fileConfig, programmaticConfig)
	}

	e.Logger().Debug("allowance: configuration loaded",
		forge.F("disable_routes", e.config.DisableRoutes),
		forge.F("disable_migrate", e.config.DisableMigrate),
		forge.F("base_path", e.config.BasePath),
		forge.F("reset_timezone", e.config.ResetTimezone),
		forge.F("trial_daily_tokens", e.config.TrialDailyTokens),
		forge.F("member_daily_tokens", e.config.MemberDailyTokens),
		forge.F("log_admin_usage", e.config.LogAdminUsage),
	)

	return nil
}

// tryLoadFromConfigFile attempts to load config from YAML files.
func (e *Extension) tryLoadFromConfigFile() (Config, bool) {
	cm := e.App().Config()
	var cfg Config

	// Try "extensions.allowance" first (namespaced pattern).
	if cm.IsSet("extensions.allowance") {
		if err := cm.Bind("extensions.allowance", &cfg); err == nil {
			e.Logger().Debug("allowance: loaded config from file",
				forge.F("key", "extensions.allowance"),
			)
			return cfg, true
		}
		e.Logger().Warn("allowance: failed to bind extensions.allowance config",
			forge.F("error", "bind failed"),
		)
	}

	// Try top-level "allowance" key.
	if cm.IsSet("allowance") {
		if err := cm.Bind("allowance", &cfg); err == nil {
			e.Logger().Debug("allowance: loaded config from file",
				forge.F("key", "allowance"),
			)
			return cfg, true
		}
		e.Logger().Warn("allowance: failed to bind allowance config",
			forge.F("error", "bind failed"),
		)
	}

	return Config{}, false
}

// mergeWithDefaults fills zero-valued fields with defaults.
func mergeWithDefaults(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.BasePath == "" {
		cfg.BasePath = defaults.BasePath
	}
	if cfg.ResetTimezone == "" {
		cfg.ResetTimezone = defaults.ResetTimezone
	}
	if cfg.TrialDailyTokens == 0 {
		cfg.TrialDailyTokens = defaults.TrialDailyTokens
	}
	if cfg.MemberDailyTokens == 0 {
		cfg.MemberDailyTokens = defaults.MemberDailyTokens
	}
	return cfg
}

// mergeConfigurations merges YAML config with programmatic options.
// YAML config takes precedence for most fields; programmatic values fill gaps.
func mergeConfigurations(yamlConfig, programmaticConfig Config) Config {
	// Programmatic bool flags override when true.
	if programmaticConfig.DisableRoutes {
		yamlConfig.DisableRoutes = true
	}
	if programmaticConfig.DisableMigrate {
		yamlConfig.DisableMigrate = true
	}
	if programmaticConfig.LogAdminUsage {
		yamlConfig.LogAdminUsage = true
	}

	// String fields: YAML takes precedence.
	if yamlConfig.BasePath == "" {
		yamlConfig.BasePath = programmaticConfig.BasePath
	}
	if yamlConfig.AdminKey == "" {
		yamlConfig.AdminKey = programmaticConfig.AdminKey
	}
	if yamlConfig.ResetTimezone == "" {
		yamlConfig.ResetTimezone = programmaticConfig.ResetTimezone
	}

	// Limits: YAML takes precedence, programmatic fills gaps.
	if yamlConfig.TrialDailyTokens == 0 {
		yamlConfig.TrialDailyTokens = programmaticConfig.TrialDailyTokens
	}
	if yamlConfig.MemberDailyTokens == 0 {
		yamlConfig.MemberDailyTokens = programmaticConfig.MemberDailyTokens
	}

	// Fill remaining zeros with defaults.
	return mergeWithDefaults(yamlConfig)
}
