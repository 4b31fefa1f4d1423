package config

import (
	"os"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.App.Name != "objex" {
		t.Errorf("App.Name = %q, want objex", cfg.App.Name)
	}
	if cfg.Storage.ArtifactPath == "" {
		t.Error("expected a default artifact path")
	}
	if cfg.Query.MaxPathVisits != 1_000_000 {
		t.Errorf("Query.MaxPathVisits = %d, want 1000000", cfg.Query.MaxPathVisits)
	}
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	os.Setenv("OBJEX_APP_NAME", "objex-test")
	os.Setenv("OBJEX_QUERY_PORT", "9999")
	defer os.Unsetenv("OBJEX_APP_NAME")
	defer os.Unsetenv("OBJEX_QUERY_PORT")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.App.Name != "objex-test" {
		t.Errorf("App.Name = %q, want objex-test", cfg.App.Name)
	}
	if cfg.Query.Port != 9999 {
		t.Errorf("Query.Port = %d, want 9999", cfg.Query.Port)
	}
}

func TestValidateRejectsInvalidLogLevel(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	cfg.App.LogLevel = "verbose"

	if err := Validate(cfg); err == nil {
		t.Error("expected an error for an invalid log level")
	}
}

func TestValidateRejectsEventsWithoutBrokers(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	cfg.Events.Enabled = true
	cfg.Events.Brokers = nil

	if err := Validate(cfg); err == nil {
		t.Error("expected an error when events are enabled without brokers")
	}
}

func TestValidateRejectsBadQueryPort(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	cfg.Query.Enabled = true
	cfg.Query.Port = 70000

	if err := Validate(cfg); err == nil {
		t.Error("expected an error for an out-of-range query port")
	}
}
