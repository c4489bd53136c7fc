package claudelog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/yunsheng111/Any-code/internal/transcript"
)

const testProjectPath = "/home/dev/web-app"

func writeSession(t *testing.T, projectsDir string, sessionID string, lines []string) string {
	t.Helper()
	dir := filepath.Join(projectsDir, ProjectID(testProjectPath))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatalf("mkdir project dir: %v", err)
	}
	path := filepath.Join(dir, sessionID+".jsonl")
	content := ""
	if len(lines) > 0 {
		content = strings.Join(lines, "\n") + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write session file: %v", err)
	}
	return path
}

func TestProjectID(t *testing.T) {
	t.Parallel()

	got := ProjectID("/home/dev/web-app")
	want := "-home-dev-web-app"
	if got != want {
		t.Fatalf("ProjectID = %q, want %q", got, want)
	}
	if ProjectID("C:\\work\\proj_1") != "C--work-proj-1" {
		t.Fatalf("ProjectID windows path = %q", ProjectID("C:\\work\\proj_1"))
	}
}

func TestExtractPromptsExclusions(t *testing.T) {
	t.Parallel()

	lines := []string{
		`{"type":"user","message":{"content":"fix the login bug"},"timestamp":"2026-08-01T10:00:00Z"}`,
		`{"type":"assistant","message":{"content":"on it"}}`,
		`{"type":"user","isSidechain":true,"message":{"content":"sidechain turn"}}`,
		`{"type":"user","parent_tool_use_id":"toolu_01","message":{"content":"tool follow-up"}}`,
		`{"type":"user","message":{"content":[{"type":"tool_result","content":"ok"}]}}`,
		`{"type":"user","message":{"content":"   "}}`,
		`{"type":"user","message":{"content":"Warmup"}}`,
		`{"type":"user","message":{"content":"<command-name>review</command-name>"}}`,
		`{"type":"user","message":{"content":[{"type":"text","text":"add rate limiting"}]},"timestamp":"2026-08-01T10:05:00Z"}`,
	}
	store := New(t.TempDir(), testProjectPath, nil)
	writeSession(t, store.projectsDir, "sess-1", lines)

	prompts, err := store.ExtractPrompts(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("ExtractPrompts: %v", err)
	}
	if len(prompts) != 2 {
		t.Fatalf("got %d prompts, want 2: %+v", len(prompts), prompts)
	}
	if prompts[0].Index != 0 || prompts[0].Text != "fix the login bug" || prompts[0].Line != 0 {
		t.Fatalf("prompt 0 = %+v", prompts[0])
	}
	if prompts[1].Index != 1 || prompts[1].Text != "add rate limiting" || prompts[1].Line != 8 {
		t.Fatalf("prompt 1 = %+v", prompts[1])
	}
}

func TestExtractPromptsNullParentToolUseID(t *testing.T) {
	t.Parallel()

	lines := []string{
		`{"type":"user","parent_tool_use_id":null,"message":{"content":"hello"}}`,
	}
	store := New(t.TempDir(), testProjectPath, nil)
	writeSession(t, store.projectsDir, "sess-null", lines)

	prompts, err := store.ExtractPrompts(context.Background(), "sess-null")
	if err != nil {
		t.Fatalf("ExtractPrompts: %v", err)
	}
	if len(prompts) != 1 {
		t.Fatalf("explicit null parent_tool_use_id must not exclude: got %d prompts", len(prompts))
	}
}

func TestExtractPromptsDequeueSource(t *testing.T) {
	t.Parallel()

	lines := []string{
		`{"type":"queue-operation","operation":"dequeue"}`,
		`{"type":"user","message":{"content":"queued prompt"}}`,
		`{"type":"user","message":{"content":"typed prompt"}}`,
		`{"type":"queue-operation","operation":"enqueue"}`,
		`{"type":"user","message":{"content":"another typed prompt"}}`,
	}
	store := New(t.TempDir(), testProjectPath, nil)
	writeSession(t, store.projectsDir, "sess-q", lines)

	prompts, err := store.ExtractPrompts(context.Background(), "sess-q")
	if err != nil {
		t.Fatalf("ExtractPrompts: %v", err)
	}
	if len(prompts) != 3 {
		t.Fatalf("got %d prompts, want 3", len(prompts))
	}
	if prompts[0].Source != transcript.SourceProject {
		t.Fatalf("dequeued prompt source = %q, want project", prompts[0].Source)
	}
	if prompts[1].Source != transcript.SourceCLI {
		t.Fatalf("dequeue flag must reset after one prompt, got %q", prompts[1].Source)
	}
	if prompts[2].Source != transcript.SourceCLI {
		t.Fatalf("enqueue must not mark source, got %q", prompts[2].Source)
	}
}

func TestExtractPromptsMissingFile(t *testing.T) {
	t.Parallel()

	store := New(t.TempDir(), testProjectPath, nil)
	prompts, err := store.ExtractPrompts(context.Background(), "no-such-session")
	if err != nil {
		t.Fatalf("missing session file must not error: %v", err)
	}
	if len(prompts) != 0 {
		t.Fatalf("got %d prompts, want 0", len(prompts))
	}
}

func TestTruncateToBefore(t *testing.T) {
	t.Parallel()

	lines := []string{
		`{"type":"user","message":{"content":"first"}}`,
		`{"type":"assistant","message":{"content":"reply one"}}`,
		`{"type":"user","message":{"content":"second"}}`,
		`{"type":"assistant","message":{"content":"reply two"}}`,
	}
	store := New(t.TempDir(), testProjectPath, nil)
	path := writeSession(t, store.projectsDir, "sess-t", lines)

	agent := filepath.Join(filepath.Dir(path), "agent-010.jsonl")
	if err := os.WriteFile(agent, []byte(`{"sessionId":"sess-t"}`+"\n"), 0o600); err != nil {
		t.Fatalf("write agent file: %v", err)
	}

	if err := store.TruncateToBefore(context.Background(), "sess-t", 1); err != nil {
		t.Fatalf("TruncateToBefore: %v", err)
	}

	if _, err := os.Stat(agent); err != nil {
		t.Fatalf("agent files must survive truncation past the first prompt: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read truncated file: %v", err)
	}
	want := lines[0] + "\n" + lines[1] + "\n"
	if string(b) != want {
		t.Fatalf("truncated content = %q, want %q", b, want)
	}

	prompts, err := store.ExtractPrompts(context.Background(), "sess-t")
	if err != nil {
		t.Fatalf("ExtractPrompts after truncate: %v", err)
	}
	if len(prompts) != 1 || prompts[0].Text != "first" {
		t.Fatalf("prompts after truncate = %+v", prompts)
	}
}

func TestTruncateToBeforeFirstPromptRemovesAgentFiles(t *testing.T) {
	t.Parallel()

	store := New(t.TempDir(), testProjectPath, nil)
	path := writeSession(t, store.projectsDir, "sess-a", []string{
		`{"type":"user","message":{"content":"only prompt"}}`,
	})
	dir := filepath.Dir(path)

	mine := filepath.Join(dir, "agent-001.jsonl")
	if err := os.WriteFile(mine, []byte(`{"sessionId":"sess-a"}`+"\n"), 0o600); err != nil {
		t.Fatalf("write agent file: %v", err)
	}
	other := filepath.Join(dir, "agent-002.jsonl")
	if err := os.WriteFile(other, []byte(`{"sessionId":"sess-b"}`+"\n"), 0o600); err != nil {
		t.Fatalf("write agent file: %v", err)
	}

	if err := store.TruncateToBefore(context.Background(), "sess-a", 0); err != nil {
		t.Fatalf("TruncateToBefore: %v", err)
	}

	if _, err := os.Stat(mine); !os.IsNotExist(err) {
		t.Fatalf("agent file for session must be removed, stat err = %v", err)
	}
	if _, err := os.Stat(other); err != nil {
		t.Fatalf("agent file for other session must survive: %v", err)
	}
	if b, _ := os.ReadFile(path); len(b) != 0 {
		t.Fatalf("truncate to index 0 must empty the transcript, got %q", b)
	}
}

func TestTruncateToBeforeOutOfRange(t *testing.T) {
	t.Parallel()

	store := New(t.TempDir(), testProjectPath, nil)
	writeSession(t, store.projectsDir, "sess-r", []string{
		`{"type":"user","message":{"content":"one"}}`,
	})

	err := store.TruncateToBefore(context.Background(), "sess-r", 5)
	if !errors.Is(err, transcript.ErrPromptNotFound) {
		t.Fatalf("out-of-range index err = %v, want ErrPromptNotFound", err)
	}

	err = store.TruncateToBefore(context.Background(), "missing", 0)
	if !errors.Is(err, transcript.ErrPromptNotFound) {
		t.Fatalf("missing session err = %v, want ErrPromptNotFound", err)
	}
}
