package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Workers != DefaultConfig().Workers {
		t.Errorf("Workers = %d, want default %d", cfg.Workers, DefaultConfig().Workers)
	}
}

func TestLoadAppliesDefaultsForPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	if err := os.WriteFile(path, []byte("workers: 0\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Workers != 1 {
		t.Errorf("Workers = %d, want 1 (clamped)", cfg.Workers)
	}
	if cfg.FFmpegPath != "ffmpeg" {
		t.Errorf("FFmpegPath = %q, want default", cfg.FFmpegPath)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "cfg.yaml")
	cfg := DefaultConfig()
	cfg.Workers = 8

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Workers != 8 {
		t.Errorf("Workers = %d, want 8", loaded.Workers)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Workers = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero workers")
	}

	cfg = DefaultConfig()
	cfg.HealthPort = cfg.ChannelPort
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for colliding ports")
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("MEDIAFORGE_WORKERS", "3")
	path := filepath.Join(t.TempDir(), "cfg.yaml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Workers != 3 {
		t.Errorf("Workers = %d, want 3 from env override", cfg.Workers)
	}
}
