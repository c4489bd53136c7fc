// Package settings persists user-editable workbench settings.
//
// Settings are deliberately separate from the execution config: the config
// holds behavior toggles (git side effects, logging), while settings point at
// where each backend keeps its session data on this machine.
package settings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Settings locates the on-disk state the rewind engine works against.
// Empty fields fall back to each backend's conventional location under the
// user's home directory.
type Settings struct {
	// ClaudeProjectsDir is where the claude CLI keeps per-project session
	// logs (default ~/.claude/projects).
	ClaudeProjectsDir string `yaml:"claude_projects_dir,omitempty"`
	// CodexSessionsDir is the root of the codex CLI's session tree
	// (default ~/.codex/sessions).
	CodexSessionsDir string `yaml:"codex_sessions_dir,omitempty"`
	// GeminiDir is the gemini CLI's state directory (default ~/.gemini).
	GeminiDir string `yaml:"gemini_dir,omitempty"`

	// StateDir holds the checkpoint ledgers, session locks, and the rewind
	// history database (default ~/.anycode).
	StateDir string `yaml:"state_dir,omitempty"`
}

func (s *Settings) Validate() error {
	if s == nil {
		return errors.New("nil settings")
	}
	for name, dir := range map[string]string{
		"claude_projects_dir": s.ClaudeProjectsDir,
		"codex_sessions_dir":  s.CodexSessionsDir,
		"gemini_dir":          s.GeminiDir,
		"state_dir":           s.StateDir,
	} {
		dir = strings.TrimSpace(dir)
		if dir != "" && !filepath.IsAbs(dir) {
			return fmt.Errorf("%s must be an absolute path, got %q", name, dir)
		}
	}
	return nil
}

// ApplyDefaults fills empty fields with the conventional locations.
func (s *Settings) ApplyDefaults() {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		home = "."
	}
	if strings.TrimSpace(s.ClaudeProjectsDir) == "" {
		s.ClaudeProjectsDir = filepath.Join(home, ".claude", "projects")
	}
	if strings.TrimSpace(s.CodexSessionsDir) == "" {
		s.CodexSessionsDir = filepath.Join(home, ".codex", "sessions")
	}
	if strings.TrimSpace(s.GeminiDir) == "" {
		s.GeminiDir = filepath.Join(home, ".gemini")
	}
	if strings.TrimSpace(s.StateDir) == "" {
		s.StateDir = filepath.Join(home, ".anycode")
	}
}

// LedgerDir, LockDir, and HistoryDBPath derive the engine's state locations
// from StateDir.
func (s *Settings) LedgerDir() string {
	return filepath.Join(s.StateDir, "git-records")
}

func (s *Settings) LockDir() string {
	return filepath.Join(s.StateDir, "locks")
}

func (s *Settings) HistoryDBPath() string {
	return filepath.Join(s.StateDir, "rewind-history.db")
}

// DefaultPath returns ~/.anycode/settings.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "settings.yaml"
	}
	return filepath.Join(home, ".anycode", "settings.yaml")
}

// Load reads settings from path and applies defaults. A missing file yields
// pure defaults.
func Load(path string) (*Settings, error) {
	var s Settings
	b, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	} else if err := yaml.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	s.ApplyDefaults()
	return &s, nil
}

func Save(path string, s *Settings) error {
	if s == nil {
		return errors.New("nil settings")
	}
	if err := s.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	b, err := yaml.Marshal(s)
	if err != nil {
		return err
	}

	// Write atomically.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
