// Package codexlog reads codex-backend session transcripts.
//
// Sessions are JSONL files nested under a date-sharded directory tree. The
// first record of each file is a session_meta event carrying the session id,
// which is how files are located. User turns arrive as response_item events;
// injected context (environment snapshots, AGENTS.md instructions) shares the
// user role and must be filtered out by content.
package codexlog

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/yunsheng111/Any-code/internal/fsutil"
	"github.com/yunsheng111/Any-code/internal/transcript"
)

type Store struct {
	sessionsDir string
	log         *slog.Logger
}

// New builds a store over sessionsDir (usually ~/.codex/sessions).
func New(sessionsDir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{sessionsDir: strings.TrimSpace(sessionsDir), log: logger}
}

func (s *Store) Backend() string { return "codex" }

// findSessionFile walks the sessions tree for the .jsonl file whose leading
// session_meta record matches sessionID.
func (s *Store) findSessionFile(sessionID string) (string, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return "", fmt.Errorf("missing session id: %w", transcript.ErrSessionNotFound)
	}

	var found string
	walkErr := filepath.WalkDir(s.sessionsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || found != "" {
			return nil
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".jsonl") {
			return nil
		}
		if sessionMetaID(path) == sessionID {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	if walkErr != nil && !os.IsNotExist(walkErr) {
		return "", walkErr
	}
	if found == "" {
		return "", fmt.Errorf("session %s: %w", sessionID, transcript.ErrSessionNotFound)
	}
	return found, nil
}

func sessionMetaID(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	if !sc.Scan() {
		return ""
	}
	var meta struct {
		Type    string `json:"type"`
		Payload struct {
			ID string `json:"id"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(sc.Bytes(), &meta); err != nil {
		return ""
	}
	if meta.Type != "session_meta" {
		return ""
	}
	return strings.TrimSpace(meta.Payload.ID)
}

type responseItem struct {
	Type    string `json:"type"`
	Payload struct {
		Role    string `json:"role"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"payload"`
	Timestamp string `json:"timestamp"`
}

// isInjectedContext reports whether an input_text block was synthesized by
// the codex CLI rather than typed by the user.
func isInjectedContext(text string) bool {
	return strings.Contains(text, "<environment_context>") ||
		strings.Contains(text, "# AGENTS.md instructions")
}

// userText returns the first genuine user-authored text block, if any.
func userText(item responseItem) (string, bool) {
	if item.Type != "response_item" || item.Payload.Role != "user" {
		return "", false
	}
	for _, c := range item.Payload.Content {
		if c.Type != "input_text" {
			continue
		}
		if strings.TrimSpace(c.Text) == "" || isInjectedContext(c.Text) {
			continue
		}
		return c.Text, true
	}
	return "", false
}

func scan(lines []string) []transcript.Prompt {
	var prompts []transcript.Prompt
	for lineIdx, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var item responseItem
		if err := json.Unmarshal([]byte(line), &item); err != nil {
			continue
		}
		text, ok := userText(item)
		if !ok {
			continue
		}

		ts := time.Now().Unix()
		if parsed, err := time.Parse(time.RFC3339, item.Timestamp); err == nil {
			ts = parsed.Unix()
		}

		// Codex has no queue marker: prompts default to cli-sourced and the
		// engine upgrades the source when a checkpoint exists for the index.
		prompts = append(prompts, transcript.Prompt{
			Index:     len(prompts),
			Text:      text,
			Source:    transcript.SourceCLI,
			Timestamp: ts,
			Line:      lineIdx,
		})
	}
	return prompts
}

func readLines(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	content := strings.TrimSuffix(string(b), "\n")
	if content == "" {
		return nil, nil
	}
	return strings.Split(content, "\n"), nil
}

func (s *Store) ExtractPrompts(ctx context.Context, sessionID string) ([]transcript.Prompt, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.findSessionFile(sessionID)
	if err != nil {
		return nil, err
	}
	lines, err := readLines(path)
	if err != nil {
		return nil, err
	}
	return scan(lines), nil
}

func (s *Store) TruncateToBefore(ctx context.Context, sessionID string, index int) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.findSessionFile(sessionID)
	if err != nil {
		return err
	}
	lines, err := readLines(path)
	if err != nil {
		return err
	}

	prompts := scan(lines)
	if index < 0 || index >= len(prompts) {
		return transcript.NotFoundError(index, len(prompts))
	}
	keep := prompts[index].Line

	newContent := ""
	if keep > 0 {
		newContent = strings.Join(lines[:keep], "\n") + "\n"
	}
	if err := fsutil.WriteFileAtomic(path, []byte(newContent), 0o600); err != nil {
		return err
	}
	s.log.Info("codex transcript truncated",
		"session_id", sessionID, "prompt_index", index,
		"kept_lines", keep, "dropped_lines", len(lines)-keep)
	return nil
}
