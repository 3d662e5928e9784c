package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFile_DefaultsWhenMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Log.Level != "info" {
		t.Fatalf("unexpected log level %q", cfg.Log.Level)
	}
	if _, ok := cfg.Game("lethal-company"); !ok {
		t.Fatalf("default catalog missing lethal-company")
	}
}

func TestSaveThenLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	cfg := &Config{
		CacheDir:   filepath.Join(dir, "cache"),
		DataDir:    filepath.Join(dir, "data"),
		RuntimeDir: filepath.Join(dir, "run"),
		Log:        LogConfig{Level: "debug"},
		Games: []Game{
			{ID: "g", IndexURL: "https://example.com/index", SteamAppID: "42"},
		},
	}
	if err := SaveFile(path, cfg); err != nil {
		t.Fatalf("SaveFile: %v", err)
	}
	got, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if got.CacheDir != cfg.CacheDir || got.Log.Level != "debug" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if len(got.Games) != 1 || got.Games[0].SteamAppID != "42" {
		t.Fatalf("games mismatch: %+v", got.Games)
	}
	if got.ProfilesDir() != filepath.Join(dir, "data", "profiles") {
		t.Fatalf("unexpected profiles dir %s", got.ProfilesDir())
	}
}

func TestLoadFile_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("MANDERROW_LOG_LEVEL", "warn")
	cfg, err := LoadFile(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Log.Level != "warn" {
		t.Fatalf("env override not applied: %q", cfg.Log.Level)
	}
}

func TestValidate_DuplicateGame(t *testing.T) {
	cfg := &Config{
		CacheDir: "c", DataDir: "d", RuntimeDir: "r",
		Log: LogConfig{Level: "info"},
		Games: []Game{
			{ID: "a", IndexURL: "https://example.com/a"},
			{ID: "a", IndexURL: "https://example.com/b"},
		},
	}
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected duplicate id error")
	}
}

func TestLoadFile_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("log: [unterminated"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Fatalf("expected error for invalid YAML")
	}
}
