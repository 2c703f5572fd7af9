package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SPOTWATCH_CONFIG", "")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.Commands.AckDeadline != 30*time.Second || cfg.Commands.MaxRetries != 3 {
		t.Fatalf("unexpected command defaults: %+v", cfg.Commands)
	}
	if cfg.Monitor.Hysteresis != 3 || cfg.Telemetry.InterpolationHorizon != 15*time.Minute {
		t.Fatalf("unexpected monitor/telemetry defaults")
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "spotwatch.yaml")
	if err := os.WriteFile(path, []byte(`
commands:
  maxRetries: 5
  policy: queue
pools:
  - id: p1
    family: m5
    location: America/New_York
`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("SPOTWATCH_ACK_DEADLINE", "10s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Commands.MaxRetries != 5 || cfg.Commands.Policy != "queue" {
		t.Fatalf("file values not applied: %+v", cfg.Commands)
	}
	if cfg.Commands.AckDeadline != 10*time.Second {
		t.Fatalf("env override not applied: %v", cfg.Commands.AckDeadline)
	}
	if len(cfg.Pools) != 1 || cfg.Pools[0].Family != "m5" {
		t.Fatalf("pools not parsed: %+v", cfg.Pools)
	}
}

func TestValidateRejectsInvertedThresholds(t *testing.T) {
	cfg := defaultConfig()
	cfg.Monitor.SoftThreshold = 0.9
	cfg.Monitor.HardThreshold = 0.5
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "thresholds") {
		t.Fatalf("expected threshold validation error, got %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
