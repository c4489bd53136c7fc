// Package geminilog reads gemini-backend session transcripts.
//
// Unlike the JSONL backends, a gemini session lives in a single JSON document
// with a messages array. Sessions for a project are grouped under a directory
// named by the SHA-256 of the project path, and a session file is located by
// matching the first eight characters of the session id in its filename, then
// verified against the sessionId field inside the document.
package geminilog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/yunsheng111/Any-code/internal/fsutil"
	"github.com/yunsheng111/Any-code/internal/transcript"
)

type Store struct {
	geminiDir   string
	projectPath string
	log         *slog.Logger
}

// New builds a store over geminiDir (usually ~/.gemini) for one project.
func New(geminiDir, projectPath string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		geminiDir:   strings.TrimSpace(geminiDir),
		projectPath: strings.TrimSpace(projectPath),
		log:         logger,
	}
}

func (s *Store) Backend() string { return "gemini" }

// ProjectHash returns the directory name gemini uses for a project.
func ProjectHash(projectPath string) string {
	sum := sha256.Sum256([]byte(projectPath))
	return hex.EncodeToString(sum[:])
}

func (s *Store) chatsDir() string {
	return filepath.Join(s.geminiDir, "tmp", ProjectHash(s.projectPath), "chats")
}

type message struct {
	Type      string `json:"type"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp,omitempty"`
}

type sessionFile struct {
	SessionID string `json:"sessionId"`
}

// document preserves fields we do not model so truncation keeps them intact.
type document map[string]json.RawMessage

func (s *Store) findSessionFile(sessionID string) (string, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return "", fmt.Errorf("missing session id: %w", transcript.ErrSessionNotFound)
	}
	prefix := sessionID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}

	entries, err := os.ReadDir(s.chatsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("session %s: %w", sessionID, transcript.ErrSessionNotFound)
		}
		return "", err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		if !strings.Contains(e.Name(), prefix) {
			continue
		}
		path := filepath.Join(s.chatsDir(), e.Name())
		if fileSessionID(path) == sessionID {
			return path, nil
		}
	}
	return "", fmt.Errorf("session %s: %w", sessionID, transcript.ErrSessionNotFound)
}

func fileSessionID(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	var sf sessionFile
	if err := json.Unmarshal(b, &sf); err != nil {
		return ""
	}
	return strings.TrimSpace(sf.SessionID)
}

// load keeps the messages array as raw JSON elements so that truncation can
// slice and rewrite them byte-for-byte, preserving any per-message fields we
// do not model (ids, token counts, tool payloads).
func load(path string) (document, []json.RawMessage, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	var doc document
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, nil, fmt.Errorf("parse session file %s: %w", filepath.Base(path), err)
	}
	var msgs []json.RawMessage
	if raw, ok := doc["messages"]; ok {
		if err := json.Unmarshal(raw, &msgs); err != nil {
			return nil, nil, fmt.Errorf("parse messages in %s: %w", filepath.Base(path), err)
		}
	}
	return doc, msgs, nil
}

func extract(msgs []json.RawMessage) []transcript.Prompt {
	var prompts []transcript.Prompt
	for msgIdx, raw := range msgs {
		var m message
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}
		if m.Type != "user" || strings.TrimSpace(m.Content) == "" {
			continue
		}
		ts := time.Now().Unix()
		if parsed, err := time.Parse(time.RFC3339, m.Timestamp); err == nil {
			ts = parsed.Unix()
		}
		// Gemini sessions are always driven from the workbench, so every
		// prompt is project-sourced.
		prompts = append(prompts, transcript.Prompt{
			Index:     len(prompts),
			Text:      m.Content,
			Source:    transcript.SourceProject,
			Timestamp: ts,
			Line:      msgIdx,
		})
	}
	return prompts
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
	_, msgs, err := load(path)
	if err != nil {
		return nil, err
	}
	return extract(msgs), nil
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
	doc, msgs, err := load(path)
	if err != nil {
		return err
	}

	prompts := extract(msgs)
	if index < 0 || index >= len(prompts) {
		return transcript.NotFoundError(index, len(prompts))
	}
	keep := prompts[index].Line

	rawMsgs, err := json.Marshal(msgs[:keep])
	if err != nil {
		return err
	}
	doc["messages"] = rawMsgs

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(path, out, 0o600); err != nil {
		return err
	}
	s.log.Info("gemini transcript truncated",
		"session_id", sessionID, "prompt_index", index,
		"kept_messages", keep, "dropped_messages", len(msgs)-keep)
	return nil
}
