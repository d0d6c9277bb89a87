package daemon

import (
	"path/filepath"
	"testing"
)

func TestLoadConfigFallsBackToDefaultOnFirstBoot(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	if cfg.Node.DataDir != dir {
		t.Errorf("DataDir = %q, want %q", cfg.Node.DataDir, dir)
	}
	if cfg.Control.StepMS != DefaultConfig().Control.StepMS {
		t.Errorf("StepMS = %d, want default", cfg.Control.StepMS)
	}
}

func TestSaveConfigThenLoadConfigRoundTrips(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Node.DataDir = dir
	cfg.Node.DeviceID = "bench-unit-7"
	cfg.Cloud.Broker = "tls://broker.example.com:8883"

	if err := SaveConfig(cfg); err != nil {
		t.Fatalf("SaveConfig() error: %v", err)
	}

	got, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	if got.Node.DeviceID != "bench-unit-7" {
		t.Errorf("DeviceID = %q, want bench-unit-7", got.Node.DeviceID)
	}
	if got.Cloud.Broker != cfg.Cloud.Broker {
		t.Errorf("Broker = %q, want %q", got.Cloud.Broker, cfg.Cloud.Broker)
	}
}

func TestConfigPathUnderDataDir(t *testing.T) {
	dir := t.TempDir()
	want := filepath.Join(dir, "config.toml")
	if got := configPath(dir); got != want {
		t.Errorf("configPath() = %q, want %q", got, want)
	}
}
