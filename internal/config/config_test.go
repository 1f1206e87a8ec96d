package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMergesProjectOverUser(t *testing.T) {
	userDir := t.TempDir()
	projectDir := t.TempDir()

	writeJSON(t, filepath.Join(userDir, "settings.json"), `{"default_fs_mode":"writable","command_timeout":120}`)
	writeJSON(t, filepath.Join(projectDir, ".substrate", "settings.json"), `{"command_timeout":60}`)

	m := NewManager()
	if err := m.Load(userDir, projectDir); err != nil {
		t.Fatalf("Load: %v", err)
	}

	cfg := m.Get()
	if cfg.DefaultFsMode != "writable" {
		t.Errorf("DefaultFsMode = %q, want %q (from user config)", cfg.DefaultFsMode, "writable")
	}
	if cfg.CommandTimeout != 60 {
		t.Errorf("CommandTimeout = %d, want 60 (project overrides user)", cfg.CommandTimeout)
	}
}

func TestLoadMissingFilesUsesDefaults(t *testing.T) {
	m := NewManager()
	if err := m.Load(t.TempDir(), t.TempDir()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg := m.Get()
	if cfg.DefaultFsMode != "writable" {
		t.Errorf("default DefaultFsMode = %q, want %q", cfg.DefaultFsMode, "writable")
	}
	if !cfg.ObserveOnly {
		t.Errorf("expected ObserveOnly to default true")
	}
}

func writeJSON(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}
