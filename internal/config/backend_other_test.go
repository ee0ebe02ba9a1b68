//go:build !darwin

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileBackendKeepsTypes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lore", "config.json")

	b := newFileBackend(path)
	for key, val := range map[string]any{
		"server.port":              4300,
		"vector.url":               "chromem:memory",
		"learnings.fallback_dedup": true,
		"history.max_age":          36 * time.Hour,
	} {
		if err := b.Set(key, val); err != nil {
			t.Fatalf("Set(%s): %v", key, err)
		}
	}

	reloaded := newFileBackend(path)
	want := map[string]string{
		"server.port":              "4300",
		"vector.url":               "chromem:memory",
		"learnings.fallback_dedup": "true",
		"history.max_age":          "36h0m0s",
	}
	for key, w := range want {
		got, ok, err := reloaded.Get(key)
		if err != nil || !ok || got != w {
			t.Errorf("Get(%s) = %q, %v, %v; want %q", key, got, ok, err, w)
		}
	}

	if err := reloaded.Delete("vector.url"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := newFileBackend(path).Get("vector.url"); ok {
		t.Error("vector.url still present after Delete")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("config file mode = %o, want 600", perm)
	}
}

func TestFileBackendLoadsThroughSpecs(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.json")
	if err := setKeyWith(newFileBackend(path), "history.max_age", "2h"); err != nil {
		t.Fatal(err)
	}
	if err := setKeyWith(newFileBackend(path), "learnings.case_sensitive", "true"); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadWith(newFileBackend(path), mockKeychain{})
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.History.MaxAge != 2*time.Hour || !cfg.Learnings.CaseSensitive {
		t.Errorf("cfg = %+v / %+v", cfg.History, cfg.Learnings)
	}
}

func TestFileBackendCorruptFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := newFileBackend(path).Get("server.port"); ok {
		t.Error("corrupt file produced a value")
	}
}

func TestSaveAPIKeyRoundTrip(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	if _, err := keychainGet(keychainService, keychainAPIKeyAcct); err == nil {
		t.Fatal("expected error before any key is saved")
	}
	if err := SaveAPIKey("  sk-test  "); err != nil {
		t.Fatalf("SaveAPIKey: %v", err)
	}
	if err := SaveAPIKey("sk-second"); err != nil {
		t.Fatalf("SaveAPIKey overwrite: %v", err)
	}
	got, err := keychainStore{}.Get(keychainService, keychainAPIKeyAcct)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "sk-second" {
		t.Errorf("stored key = %q, want sk-second", got)
	}
}
