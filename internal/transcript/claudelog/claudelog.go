// Package claudelog reads claude-backend session transcripts.
//
// The format is newline-delimited JSON where human-authored turns are
// interleaved with tool results, sub-agent sidechains, synthetic warm-up
// turns, and skill dispatch records. Only human-authored turns count toward
// prompt indices, so both extraction and truncation share one scan that
// applies the full exclusion set.
package claudelog

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/yunsheng111/Any-code/internal/fsutil"
	"github.com/yunsheng111/Any-code/internal/transcript"
)

type Store struct {
	projectsDir string
	projectPath string
	log         *slog.Logger
}

// New builds a store over projectsDir (usually ~/.claude/projects), scoped to
// the project at projectPath. Session logs live at
// <projectsDir>/<project id>/<session id>.jsonl.
func New(projectsDir string, projectPath string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		projectsDir: strings.TrimSpace(projectsDir),
		projectPath: strings.TrimSpace(projectPath),
		log:         logger,
	}
}

func (s *Store) Backend() string { return "claude" }

// ProjectID converts an absolute project path into the directory name the
// claude CLI uses under its projects dir (path separators and other
// non-alphanumeric runes collapse to '-').
func ProjectID(projectPath string) string {
	projectPath = strings.TrimSpace(projectPath)
	var b strings.Builder
	b.Grow(len(projectPath))
	for _, r := range projectPath {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}

func (s *Store) projectDir() string {
	return filepath.Join(s.projectsDir, ProjectID(s.projectPath))
}

func (s *Store) sessionPath(sessionID string) string {
	return filepath.Join(s.projectDir(), strings.TrimSpace(sessionID)+".jsonl")
}

// logRecord carries only the fields that drive turn classification.
type logRecord struct {
	Type            string          `json:"type"`
	Operation       string          `json:"operation"`
	IsSidechain     bool            `json:"isSidechain"`
	ParentToolUseID json.RawMessage `json:"parent_tool_use_id"`
	Message         *struct {
		Content json.RawMessage `json:"content"`
	} `json:"message"`
	Timestamp string `json:"timestamp"`
}

type contentItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// extractText flattens the message content, which is either a bare string or
// an array of typed blocks, and reports whether any tool_result block was
// present so result-only records can be excluded.
func extractText(raw json.RawMessage) (text string, hasText bool, hasToolResult bool) {
	if len(raw) == 0 {
		return "", false, false
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str, strings.TrimSpace(str) != "", false
	}
	var items []contentItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return "", false, false
	}
	var b strings.Builder
	for _, item := range items {
		switch item.Type {
		case "text":
			b.WriteString(item.Text)
			if item.Text != "" {
				hasText = true
			}
		case "tool_result":
			hasToolResult = true
		}
	}
	return b.String(), hasText, hasToolResult
}

// isWarmup and isSkillDispatch exclude turns the workbench injects on the
// user's behalf; they are not checkpoint-addressable.
func isWarmup(text string) bool {
	return strings.Contains(text, "Warmup")
}

func isSkillDispatch(text string) bool {
	return strings.Contains(text, "<command-name>") ||
		strings.Contains(text, "Launching skill:") ||
		strings.Contains(text, "skill is running")
}

// scan walks the raw log lines and returns the qualifying user prompts.
// A "queue-operation dequeue" marker immediately before a user turn tags
// it as project-sourced; everything else defaults to cli-sourced.
func scan(lines []string) []transcript.Prompt {
	var prompts []transcript.Prompt
	pendingDequeue := false

	for lineIdx, line := range lines {
		var rec logRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}

		if rec.Type == "queue-operation" {
			if rec.Operation == "dequeue" {
				pendingDequeue = true
			}
			continue
		}
		if rec.Type != "user" {
			continue
		}
		if rec.IsSidechain {
			continue
		}
		if len(rec.ParentToolUseID) > 0 && string(rec.ParentToolUseID) != "null" {
			continue
		}

		var content json.RawMessage
		if rec.Message != nil {
			content = rec.Message.Content
		}
		text, hasText, hasToolResult := extractText(content)
		if hasToolResult && !hasText {
			continue
		}
		if !hasText {
			continue
		}
		if isWarmup(text) || isSkillDispatch(text) {
			continue
		}

		source := transcript.SourceCLI
		if pendingDequeue {
			source = transcript.SourceProject
		}
		pendingDequeue = false

		ts := time.Now().Unix()
		if parsed, err := time.Parse(time.RFC3339, rec.Timestamp); err == nil {
			ts = parsed.Unix()
		}

		prompts = append(prompts, transcript.Prompt{
			Index:     len(prompts),
			Text:      text,
			Source:    source,
			Timestamp: ts,
			Line:      lineIdx,
		})
	}
	return prompts
}

func (s *Store) readLines(sessionID string) ([]string, bool, error) {
	b, err := os.ReadFile(s.sessionPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	content := strings.TrimSuffix(string(b), "\n")
	if content == "" {
		return nil, true, nil
	}
	return strings.Split(content, "\n"), true, nil
}

func (s *Store) ExtractPrompts(ctx context.Context, sessionID string) ([]transcript.Prompt, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lines, _, err := s.readLines(sessionID)
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
	sessionID = strings.TrimSpace(sessionID)

	lines, exists, err := s.readLines(sessionID)
	if err != nil {
		return err
	}
	if !exists {
		return transcript.NotFoundError(index, 0)
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
	if err := fsutil.WriteFileAtomic(s.sessionPath(sessionID), []byte(newContent), 0o600); err != nil {
		return err
	}
	s.log.Info("claude transcript truncated",
		"session_id", sessionID, "prompt_index", index,
		"kept_lines", keep, "dropped_lines", len(lines)-keep)

	// Agent sidechain files are written once during session initialization and
	// never regenerated per turn, so they are removed only when rewinding to
	// before the first prompt.
	if index == 0 {
		s.removeAgentFiles(sessionID)
	}
	return nil
}

// removeAgentFiles deletes agent-*.jsonl files in the project dir that belong
// to sessionID (matched via the sessionId field of their first record).
func (s *Store) removeAgentFiles(sessionID string) {
	entries, err := os.ReadDir(s.projectDir())
	if err != nil {
		return
	}
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		name := ent.Name()
		if !strings.HasPrefix(name, "agent-") || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		path := filepath.Join(s.projectDir(), name)
		if !agentFileBelongsTo(path, sessionID) {
			continue
		}
		if err := os.Remove(path); err != nil {
			s.log.Warn("remove agent file failed", "path", path, "error", err)
			continue
		}
		s.log.Info("removed agent file", "path", path, "session_id", sessionID)
	}
}

func agentFileBelongsTo(path string, sessionID string) bool {
	b, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	first, _, _ := strings.Cut(string(b), "\n")
	var meta struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal([]byte(first), &meta); err != nil {
		return false
	}
	return meta.SessionID == sessionID
}
