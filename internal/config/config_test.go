package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load missing file: %v", err)
	}
	if cfg.DisableRewindGitOperations {
		t.Fatalf("git operations must default to enabled")
	}
}

func TestSaveLoadRoundtrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "sub", "rewind.config.json")
	want := &Config{DisableRewindGitOperations: true, LogFormat: "text", LogLevel: "debug"}
	if err := Save(path, want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	st, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat config: %v", err)
	}
	if st.Mode().Perm() != 0o600 {
		t.Fatalf("config mode = %o, want 0600", st.Mode().Perm())
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if *got != *want {
		t.Fatalf("roundtrip = %+v, want %+v", got, want)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	if err := (&Config{LogFormat: "xml"}).Validate(); err == nil {
		t.Fatalf("log_format xml must be rejected")
	}
	if err := (&Config{LogLevel: "verbose"}).Validate(); err == nil {
		t.Fatalf("log_level verbose must be rejected")
	}
	if err := (&Config{LogFormat: "json", LogLevel: "warn"}).Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}
