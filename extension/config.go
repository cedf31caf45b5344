package extension

import (
	"github.com/xraph/allowance/calendar"
	"github.com/xraph/allowance/plan"
)

// Config holds the Allowance extension configuration.
// Fields can be set programmatically via Option functions or loaded from
// YAML configuration files (under "extensions.allowance" or "allowance" keys).
type Config struct {
	// DisableRoutes prevents building the HTTP handler.
	DisableRoutes bool `json:"disable_routes" mapstructure:"disable_routes" yaml:"disable_routes"`

	// DisableMigrate prevents auto-migration on start.
	DisableMigrate bool `json:"disable_migrate" mapstructure:"disable_migrate" yaml:"disable_migrate"`

	// BasePath is the URL prefix for allowance routes (default: "/allowance").
	BasePath string `json:"base_path" mapstructure:"base_path" yaml:"base_path"`

	// AdminKey guards the admin routes. Empty leaves them open.
	AdminKey string `json:"admin_key" mapstructure:"admin_key" yaml:"admin_key"`

	// ResetTimezone is the zone whose midnight resets daily counters, as a
	// fixed offset ("UTC+7") or an IANA name (default: "UTC+7").
	ResetTimezone string `json:"reset_timezone" mapstructure:"reset_timezone" yaml:"reset_timezone"`

	// TrialDailyTokens is the daily limit of the trial plan (default: 10).
	TrialDailyTokens int64 `json:"trial_daily_tokens" mapstructure:"trial_daily_tokens" yaml:"trial_daily_tokens"`

	// MemberDailyTokens is the daily limit of the member plan (default: 100).
	MemberDailyTokens int64 `json:"member_daily_tokens" mapstructure:"member_daily_tokens" yaml:"member_daily_tokens"`

	// LogAdminUsage appends zero-token usage entries for admin actions.
	LogAdminUsage bool `json:"log_admin_usage" mapstructure:"log_admin_usage" yaml:"log_admin_usage"`

	// RequireConfig requires config to be present in YAML files.
	// If true and no config is found, Register returns an error.
	RequireConfig bool `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BasePath:          "/allowance",
		ResetTimezone:     calendar.Default().String(),
		TrialDailyTokens:  plan.DefaultTrialDailyTokens,
		MemberDailyTokens: plan.DefaultMemberDailyTokens,
	}
}
