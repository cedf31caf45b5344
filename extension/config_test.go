package extension

import "testing"

func TestMergeWithDefaults(t *testing.T) {
	cfg := mergeWithDefaults(Config{MemberDailyTokens: 250})

	if cfg.BasePath != "/allowance" {
		t.Errorf("BasePath = %q", cfg.BasePath)
	}
	if cfg.ResetTimezone != "UTC+7" {
		t.Errorf("ResetTimezone = %q", cfg.ResetTimezone)
	}
	if cfg.TrialDailyTokens != 10 {
		t.Errorf("TrialDailyTokens = %d", cfg.TrialDailyTokens)
	}
	if cfg.MemberDailyTokens != 250 {
		t.Errorf("MemberDailyTokens = %d, want programmatic value kept", cfg.MemberDailyTokens)
	}
}

func TestMergeConfigurationsPrefersFile(t *testing.T) {
	file := Config{ResetTimezone: "Asia/Bangkok", TrialDailyTokens: 20}
	prog := Config{
		ResetTimezone:     "UTC",
		TrialDailyTokens:  5,
		MemberDailyTokens: 300,
		AdminKey:          "k",
		DisableMigrate:    true,
	}

	cfg := mergeConfigurations(file, prog)

	if cfg.ResetTimezone != "Asia/Bangkok" {
		t.Errorf("ResetTimezone = %q", cfg.ResetTimezone)
	}
	if cfg.TrialDailyTokens != 20 {
		t.Errorf("TrialDailyTokens = %d", cfg.TrialDailyTokens)
	}
	if cfg.MemberDailyTokens != 300 {
		t.Errorf("MemberDailyTokens = %d", cfg.MemberDailyTokens)
	}
	if cfg.AdminKey != "k" || !cfg.DisableMigrate {
		t.Errorf("programmatic gaps not filled: %+v", cfg)
	}
}

func TestBuildEngineOpts(t *testing.T) {
	e := New(WithConfig(mergeWithDefaults(Config{})))
	if _, err := e.buildEngineOpts(); err != nil {
		t.Fatalf("default config: %v", err)
	}

	e = New(WithConfig(mergeWithDefaults(Config{ResetTimezone: "Mars/Olympus"})))
	if _, err := e.buildEngineOpts(); err == nil {
		t.Error("expected error for unknown zone")
	}

	e = New(WithConfig(mergeWithDefaults(Config{TrialDailyTokens: -1})))
	if _, err := e.buildEngineOpts(); err == nil {
		t.Error("expected error for negative limit")
	}
}
