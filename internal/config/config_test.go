package config

import (
	"path/filepath"
	"testing"

	"github.com/adrg/xdg"
)

func TestLoadDefaultDatabasePath(t *testing.T) {
	t.Setenv("DATABASE_PATH", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	want := filepath.Join(xdg.DataHome, "archestra", "sandboxd.db")
	if cfg.DatabasePath != want {
		t.Errorf("DatabasePath = %q, want %q", cfg.DatabasePath, want)
	}
}

func TestLoadDatabasePathOverride(t *testing.T) {
	t.Setenv("DATABASE_PATH", "/tmp/custom.db")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.DatabasePath != "/tmp/custom.db" {
		t.Errorf("DatabasePath = %q, want /tmp/custom.db", cfg.DatabasePath)
	}
}
