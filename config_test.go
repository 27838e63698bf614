package connectclient

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.AccessPointAddr == "" {
		t.Error("expected non-empty access point address")
	}
	if cfg.CacheChunkBytes <= 0 {
		t.Error("expected positive cache chunk size")
	}
	if cfg.Volume != 1.0 {
		t.Errorf("expected default volume 1.0, got %v", cfg.Volume)
	}
}

func TestSaveAndLoadConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	cfg := Default()
	cfg.DeviceName = "test-device"
	cfg.AccessPointAddr = "ap.test:4070"
	cfg.Volume = 0.5

	if err := Save(cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded := Load()
	if loaded.DeviceName != cfg.DeviceName {
		t.Errorf("device name: want %q got %q", cfg.DeviceName, loaded.DeviceName)
	}
	if loaded.AccessPointAddr != cfg.AccessPointAddr {
		t.Errorf("access point: want %q got %q", cfg.AccessPointAddr, loaded.AccessPointAddr)
	}
	if loaded.Volume != cfg.Volume {
		t.Errorf("volume: want %v got %v", cfg.Volume, loaded.Volume)
	}
}

func TestLoadMissingConfigReturnsDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfg := Load()
	if cfg.AccessPointAddr != Default().AccessPointAddr {
		t.Error("expected default access point when no config file exists")
	}
}

func TestLoadCorruptConfigReturnsDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	path := filepath.Join(dir, configDirName, "config.json")
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := Load()
	if cfg.AccessPointAddr != Default().AccessPointAddr {
		t.Errorf("expected default on corrupt file, got %q", cfg.AccessPointAddr)
	}
}
