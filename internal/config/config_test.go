package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Health.IntervalSeconds != 30 {
		t.Errorf("expected health interval 30, got %d", cfg.Health.IntervalSeconds)
	}
	if cfg.Health.Jitter != 0.1 {
		t.Errorf("expected jitter 0.1, got %f", cfg.Health.Jitter)
	}
	if cfg.Health.MaxParallel != 32 {
		t.Errorf("expected max_parallel 32, got %d", cfg.Health.MaxParallel)
	}
	if cfg.Thresholds.CPUWarnPercent != 85 || cfg.Thresholds.CPUCritPercent != 95 {
		t.Errorf("unexpected cpu thresholds %f/%f",
			cfg.Thresholds.CPUWarnPercent, cfg.Thresholds.CPUCritPercent)
	}
	if cfg.Thresholds.TempWarnCelsius != 70 || cfg.Thresholds.TempCritCelsius != 85 {
		t.Errorf("unexpected temp thresholds")
	}
	if cfg.Queue.MaxSize != 1000 || cfg.Queue.TickSeconds != 10 {
		t.Errorf("unexpected queue defaults %d/%d", cfg.Queue.MaxSize, cfg.Queue.TickSeconds)
	}
	if cfg.Build.ArtifactRoot != "/var/lib/artifacts" {
		t.Errorf("unexpected artifact root %s", cfg.Build.ArtifactRoot)
	}
	if cfg.Deployment.BootTimeoutSeconds != 120 {
		t.Errorf("unexpected boot timeout %d", cfg.Deployment.BootTimeoutSeconds)
	}
	if cfg.Alerts.CooldownSeconds != 300 {
		t.Errorf("unexpected cooldown %d", cfg.Alerts.CooldownSeconds)
	}
	if cfg.Pipelines.DefaultMaxRetries != 2 {
		t.Errorf("unexpected retries %d", cfg.Pipelines.DefaultMaxRetries)
	}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Queue.MaxSize != 1000 {
		t.Errorf("missing file should yield defaults, got queue max %d", cfg.Queue.MaxSize)
	}
}

func TestConfig_SaveLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "fleetd.yaml")

	cfg := DefaultConfig()
	cfg.Queue.MaxSize = 42
	cfg.Transport.Mode = "mock"
	cfg.Credentials = map[string]Credential{
		"lab": {User: "builder", Port: 2222, PrivateKeyPath: "/keys/lab"},
	}

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.Queue.MaxSize != 42 {
		t.Errorf("expected queue max 42, got %d", loaded.Queue.MaxSize)
	}
	if loaded.Transport.Mode != "mock" {
		t.Errorf("expected mock transport, got %s", loaded.Transport.Mode)
	}
	if cred, ok := loaded.Credentials["lab"]; !ok || cred.User != "builder" || cred.Port != 2222 {
		t.Errorf("credentials did not round-trip: %+v", loaded.Credentials)
	}
	// Untouched sections keep their defaults.
	if loaded.Health.IntervalSeconds != 30 {
		t.Errorf("partial file should keep defaults, got %d", loaded.Health.IntervalSeconds)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FLEETD_QUEUE_MAX_SIZE", "7")
	t.Setenv("FLEETD_HEALTH_JITTER", "0.25")
	t.Setenv("FLEETD_BUILD_WORKSPACE_KEEP", "true")
	t.Setenv("FLEETD_TRANSPORT_MODE", "mock")
	t.Setenv("FLEETD_STATE_DIR", "/tmp/fleet-state")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	if cfg.Queue.MaxSize != 7 {
		t.Errorf("env queue max not applied: %d", cfg.Queue.MaxSize)
	}
	if cfg.Health.Jitter != 0.25 {
		t.Errorf("env jitter not applied: %f", cfg.Health.Jitter)
	}
	if !cfg.Build.WorkspaceKeep {
		t.Error("env workspace keep not applied")
	}
	if cfg.Transport.Mode != "mock" {
		t.Errorf("env transport mode not applied: %s", cfg.Transport.Mode)
	}
	if cfg.State.Dir != "/tmp/fleet-state" {
		t.Errorf("env state dir not applied: %s", cfg.State.Dir)
	}
}

func TestEnvOverrideIgnoresGarbage(t *testing.T) {
	t.Setenv("FLEETD_QUEUE_MAX_SIZE", "not-a-number")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	if cfg.Queue.MaxSize != 1000 {
		t.Errorf("garbage env value should keep default, got %d", cfg.Queue.MaxSize)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero interval", func(c *Config) { c.Health.IntervalSeconds = 0 }},
		{"jitter out of range", func(c *Config) { c.Health.Jitter = 1.0 }},
		{"warn above crit", func(c *Config) { c.Thresholds.CPUWarnPercent = 99 }},
		{"free disk inverted", func(c *Config) { c.Thresholds.FreeDiskWarnGB = 1 }},
		{"zero queue", func(c *Config) { c.Queue.MaxSize = 0 }},
		{"bad transport mode", func(c *Config) { c.Transport.Mode = "carrier-pigeon" }},
		{"empty listen", func(c *Config) { c.Server.Listen = "" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestDurationGetters(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.HealthInterval() != 30*time.Second {
		t.Errorf("HealthInterval = %v", cfg.HealthInterval())
	}
	if cfg.BootTimeout() != 120*time.Second {
		t.Errorf("BootTimeout = %v", cfg.BootTimeout())
	}
	if cfg.AlertCooldown() != 5*time.Minute {
		t.Errorf("AlertCooldown = %v", cfg.AlertCooldown())
	}
	if cfg.RetryBase() != 100*time.Millisecond {
		t.Errorf("RetryBase = %v", cfg.RetryBase())
	}
	if cfg.RetentionWindow() != 30*24*time.Hour {
		t.Errorf("RetentionWindow = %v", cfg.RetentionWindow())
	}
}

func TestCategoryCooldown(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Alerts.PerCategoryCooldownSeconds = map[string]int{"temperature": 60}

	if got := cfg.CategoryCooldown("temperature"); got != time.Minute {
		t.Errorf("per-category cooldown = %v", got)
	}
	if got := cfg.CategoryCooldown("connectivity"); got != 5*time.Minute {
		t.Errorf("fallback cooldown = %v", got)
	}
}

func TestThresholdsPerAssetOverride(t *testing.T) {
	cfg := DefaultConfig()
	hot := cfg.Thresholds.Thresholds
	hot.TempWarnCelsius = 60
	cfg.Thresholds.PerAsset = map[string]Thresholds{"brd-42": hot}

	if got := cfg.ThresholdsFor("brd-42"); got.TempWarnCelsius != 60 {
		t.Errorf("override not applied: %f", got.TempWarnCelsius)
	}
	if got := cfg.ThresholdsFor("brd-other"); got.TempWarnCelsius != 70 {
		t.Errorf("fallback broken: %f", got.TempWarnCelsius)
	}
}

func TestLoadPartialYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.yaml")
	body := []byte("queue:\n  max_size: 5\nthresholds:\n  temp_warn_celsius: 65\n")
	if err := os.WriteFile(path, body, 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Queue.MaxSize != 5 {
		t.Errorf("yaml value not applied: %d", cfg.Queue.MaxSize)
	}
	if cfg.Thresholds.TempWarnCelsius != 65 {
		t.Errorf("inline threshold not applied: %f", cfg.Thresholds.TempWarnCelsius)
	}
	// Sibling fields inside a partially-set section keep defaults.
	if cfg.Queue.TickSeconds != 10 {
		t.Errorf("sibling default lost: %d", cfg.Queue.TickSeconds)
	}
	if cfg.Thresholds.TempCritCelsius != 85 {
		t.Errorf("sibling threshold default lost: %f", cfg.Thresholds.TempCritCelsius)
	}
}
