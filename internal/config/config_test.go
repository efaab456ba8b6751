package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Defaults()
	cfg.DefaultProfile = "work"
	cfg.Match.Leeway = Duration{90 * time.Second}
	cfg.Watch.Source = "/tmp/a.db"
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultProfile != "work" {
		t.Errorf("DefaultProfile = %q, want %q", loaded.DefaultProfile, "work")
	}
	if loaded.Match.Leeway.Duration != 90*time.Second {
		t.Errorf("Leeway = %v, want 1m30s", loaded.Match.Leeway)
	}
	if loaded.Watch.Source != "/tmp/a.db" || loaded.Watch.Enabled() {
		t.Errorf("Watch = %+v", loaded.Watch)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
	cfg, err := LoadOrDefault("/nonexistent/config.toml")
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.DefaultProfile != "main" {
		t.Errorf("DefaultProfile = %q, want main", cfg.DefaultProfile)
	}
}

func TestLoadPartialKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	data := `
log_level = "debug"

[match]
leeway = "2m"

[live]
page_limit = 4
`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	m := cfg.MatchConfig()
	if m.Leeway != 2*time.Minute || m.MaxSkew != 24*time.Hour || m.OffsetStep != 30*time.Minute {
		t.Errorf("match = %+v", m)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
	if lc := cfg.LiveConfig("/tmp/x.lock"); lc.PageLimit != 4 || lc.LockPath != "/tmp/x.lock" {
		t.Errorf("live = %+v", lc)
	}
	g := cfg.GatewayConfig()
	if g.Burst != 10 || g.Window != time.Minute || g.RetryLimit != 3 || g.RetryDelay != 20*time.Second {
		t.Errorf("gateway = %+v", g)
	}
	r := cfg.ReconcileOptions()
	if r.PostbackEvery != 5000 || r.YieldEvery != 20000 || r.Match != m {
		t.Errorf("reconcile = %+v", r)
	}
}

func TestLoadBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[match]\nleeway = \"soon\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for bad duration")
	}
}

func TestLoadWithEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	if err := os.WriteFile(envFile, []byte("CHATMERGE_WATCH_SOURCE=/from/env.db\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CHATMERGE_WATCH_SOURCE", "")
	os.Unsetenv("CHATMERGE_WATCH_SOURCE")
	t.Setenv("CHATMERGE_WATCH_TARGET", "/target.db")
	t.Setenv("CHATMERGE_RATE_LIMIT", "5")
	t.Setenv("CHATMERGE_RETRY_DELAY", "1s")

	cfg, err := LoadWithEnv(filepath.Join(dir, "missing.toml"), envFile)
	if err != nil {
		t.Fatalf("LoadWithEnv() error = %v", err)
	}
	if cfg.Watch.Source != "/from/env.db" {
		t.Errorf("Source = %q, want value from .env", cfg.Watch.Source)
	}
	if !cfg.Watch.Enabled() {
		t.Error("watch should be enabled")
	}
	if cfg.Live.RateLimit != 5 || cfg.Live.RetryDelay.Duration != time.Second {
		t.Errorf("live = %+v", cfg.Live)
	}

	t.Setenv("CHATMERGE_PAGE_LIMIT", "many")
	if _, err := LoadWithEnv(filepath.Join(dir, "missing.toml"), ""); err == nil {
		t.Error("expected error for non-numeric page limit")
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, Defaults()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
