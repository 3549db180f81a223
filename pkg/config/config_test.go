package config

import (
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.ScanRestartMax != 5 {
		t.Errorf("ScanRestartMax = %d, want 5", cfg.ScanRestartMax)
	}
	if cfg.ConnectTimeoutMs != 30000 {
		t.Errorf("ConnectTimeoutMs = %d, want 30000", cfg.ConnectTimeoutMs)
	}
	if len(cfg.ReconnectBackoffMs) != 3 || cfg.ReconnectBackoffMs[0] != 1000 || cfg.ReconnectBackoffMs[2] != 4000 {
		t.Errorf("ReconnectBackoffMs = %v, want [1000 2000 4000]", cfg.ReconnectBackoffMs)
	}
	if cfg.ConcurrentConnects != 5 {
		t.Errorf("ConcurrentConnects = %d, want 5", cfg.ConcurrentConnects)
	}
	if cfg.IdleProbeThresholdMs != 30000 {
		t.Errorf("IdleProbeThresholdMs = %d, want 30000", cfg.IdleProbeThresholdMs)
	}

	if err := Validate(cfg); err != nil {
		t.Errorf("DefaultConfig() fails Validate(): %v", err)
	}
}

func TestValidateRejectsInvertedRange(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TempNormalRange = RangeConfig{Low: 40, High: 30}

	if err := Validate(cfg); err == nil {
		t.Fatal("Validate() accepted a range with High < Low")
	}
}

func TestValidateRejectsBelowMinimums(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConnectTimeoutMs = 10

	if err := Validate(cfg); err == nil {
		t.Fatal("Validate() accepted a ConnectTimeoutMs below its minimum")
	}
}

func TestValidateRejectsMissingNormalRange(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BpNormalRange = NormalRangeConfig{}

	if err := Validate(cfg); err == nil {
		t.Fatal("Validate() accepted a zero-value BpNormalRange")
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blemedic.yaml")

	want := DefaultConfig()
	want.ScanRestartMax = 9
	want.SmartDisconnect = true

	if err := Save(path, want); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := loadFile(path)
	if err != nil {
		t.Fatalf("loadFile() error = %v", err)
	}

	if got.ScanRestartMax != want.ScanRestartMax {
		t.Errorf("ScanRestartMax = %d, want %d", got.ScanRestartMax, want.ScanRestartMax)
	}
	if got.SmartDisconnect != want.SmartDisconnect {
		t.Errorf("SmartDisconnect = %v, want %v", got.SmartDisconnect, want.SmartDisconnect)
	}
}

func TestLoadExplicitMissingPathFails(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(filepath.Join(dir, "does-not-exist.yaml"))
	if err == nil {
		t.Fatal("Load() with an explicit missing path should fail, not silently fall back")
	}
	_ = cfg
}
