package geminilog

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/yunsheng111/Any-code/internal/transcript"
)

const testProjectPath = "/home/dev/api-service"

func writeSession(t *testing.T, geminiDir, fileName string, doc map[string]any) string {
	t.Helper()
	dir := filepath.Join(geminiDir, "tmp", ProjectHash(testProjectPath), "chats")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatalf("mkdir chats dir: %v", err)
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		t.Fatalf("marshal session doc: %v", err)
	}
	path := filepath.Join(dir, fileName)
	if err := os.WriteFile(path, b, 0o600); err != nil {
		t.Fatalf("write session file: %v", err)
	}
	return path
}

func sessionDoc(sessionID string, messages []map[string]any) map[string]any {
	return map[string]any{
		"sessionId":   sessionID,
		"projectHash": ProjectHash(testProjectPath),
		"startTime":   "2026-08-01T08:00:00Z",
		"messages":    messages,
	}
}

func TestExtractPrompts(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeSession(t, dir, "session-abcd1234.json", sessionDoc("abcd1234-9876-4321-aaaa-bbbbccccdddd", []map[string]any{
		{"type": "user", "content": "write a health endpoint", "timestamp": "2026-08-01T08:01:00Z"},
		{"type": "gemini", "content": "done"},
		{"type": "user", "content": ""},
		{"type": "user", "content": "add request logging", "timestamp": "2026-08-01T08:05:00Z"},
	}))

	store := New(dir, testProjectPath, nil)
	prompts, err := store.ExtractPrompts(context.Background(), "abcd1234-9876-4321-aaaa-bbbbccccdddd")
	if err != nil {
		t.Fatalf("ExtractPrompts: %v", err)
	}
	if len(prompts) != 2 {
		t.Fatalf("got %d prompts, want 2: %+v", len(prompts), prompts)
	}
	if prompts[0].Text != "write a health endpoint" || prompts[0].Line != 0 {
		t.Fatalf("prompt 0 = %+v", prompts[0])
	}
	if prompts[1].Text != "add request logging" || prompts[1].Line != 3 {
		t.Fatalf("prompt 1 = %+v", prompts[1])
	}
	for _, p := range prompts {
		if p.Source != transcript.SourceProject {
			t.Fatalf("gemini prompts are project-sourced, got %q", p.Source)
		}
	}
}

func TestFindSessionFilePrefixAndVerify(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	// Filename carries the right prefix but the document belongs to another
	// session; it sorts first and must be skipped in favor of the verified
	// match.
	writeSession(t, dir, "0-stale-abcd1234.json", sessionDoc("ffff0000-1111-2222-3333-444455556666", nil))
	want := writeSession(t, dir, "session-abcd1234.json", sessionDoc("abcd1234-9876-4321-aaaa-bbbbccccdddd", nil))

	store := New(dir, testProjectPath, nil)
	got, err := store.findSessionFile("abcd1234-9876-4321-aaaa-bbbbccccdddd")
	if err != nil {
		t.Fatalf("findSessionFile: %v", err)
	}
	if got != want {
		t.Fatalf("findSessionFile = %q, want %q", got, want)
	}

	if _, err := store.findSessionFile("deadbeef-0000-0000-0000-000000000000"); !errors.Is(err, transcript.ErrSessionNotFound) {
		t.Fatalf("missing session err = %v, want ErrSessionNotFound", err)
	}
}

func TestTruncateToBefore(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeSession(t, dir, "session-abcd1234.json", sessionDoc("abcd1234-9876-4321-aaaa-bbbbccccdddd", []map[string]any{
		{"type": "user", "content": "first"},
		{"type": "gemini", "content": "r1"},
		{"type": "user", "content": "second"},
		{"type": "gemini", "content": "r2"},
	}))

	store := New(dir, testProjectPath, nil)
	if err := store.TruncateToBefore(context.Background(), "abcd1234-9876-4321-aaaa-bbbbccccdddd", 1); err != nil {
		t.Fatalf("TruncateToBefore: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read truncated file: %v", err)
	}
	var doc struct {
		SessionID string    `json:"sessionId"`
		StartTime string    `json:"startTime"`
		Messages  []message `json:"messages"`
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		t.Fatalf("parse truncated doc: %v", err)
	}
	if doc.SessionID != "abcd1234-9876-4321-aaaa-bbbbccccdddd" {
		t.Fatalf("sessionId must survive truncation, got %q", doc.SessionID)
	}
	if doc.StartTime != "2026-08-01T08:00:00Z" {
		t.Fatalf("unmodeled fields must survive truncation, got startTime %q", doc.StartTime)
	}
	if len(doc.Messages) != 2 {
		t.Fatalf("got %d messages after truncate, want 2", len(doc.Messages))
	}
	if doc.Messages[0].Content != "first" || doc.Messages[1].Content != "r1" {
		t.Fatalf("messages after truncate = %+v", doc.Messages)
	}
}

func TestTruncateToBeforeKeepsMessageFields(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeSession(t, dir, "session-abcd1234.json", sessionDoc("abcd1234-9876-4321-aaaa-bbbbccccdddd", []map[string]any{
		{"type": "user", "content": "first", "id": "msg-1", "tokens": map[string]any{"input": 12.0, "output": 40.0}},
		{"type": "gemini", "content": "r1", "id": "msg-2", "model": "gemini-2.5-pro"},
		{"type": "user", "content": "second", "id": "msg-3"},
	}))

	store := New(dir, testProjectPath, nil)
	if err := store.TruncateToBefore(context.Background(), "abcd1234-9876-4321-aaaa-bbbbccccdddd", 1); err != nil {
		t.Fatalf("TruncateToBefore: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read truncated file: %v", err)
	}
	var doc struct {
		Messages []map[string]any `json:"messages"`
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		t.Fatalf("parse truncated doc: %v", err)
	}
	if len(doc.Messages) != 2 {
		t.Fatalf("got %d messages after truncate, want 2", len(doc.Messages))
	}
	if doc.Messages[0]["id"] != "msg-1" {
		t.Fatalf("message id must survive truncation, got %+v", doc.Messages[0])
	}
	tokens, ok := doc.Messages[0]["tokens"].(map[string]any)
	if !ok || tokens["input"] != 12.0 || tokens["output"] != 40.0 {
		t.Fatalf("token counts must survive truncation, got %+v", doc.Messages[0]["tokens"])
	}
	if doc.Messages[1]["model"] != "gemini-2.5-pro" {
		t.Fatalf("model field must survive truncation, got %+v", doc.Messages[1])
	}
}

func TestTruncateToBeforeOutOfRange(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeSession(t, dir, "session-abcd1234.json", sessionDoc("abcd1234-9876-4321-aaaa-bbbbccccdddd", []map[string]any{
		{"type": "user", "content": "only"},
	}))

	store := New(dir, testProjectPath, nil)
	err := store.TruncateToBefore(context.Background(), "abcd1234-9876-4321-aaaa-bbbbccccdddd", 2)
	if !errors.Is(err, transcript.ErrPromptNotFound) {
		t.Fatalf("out-of-range err = %v, want ErrPromptNotFound", err)
	}
}
