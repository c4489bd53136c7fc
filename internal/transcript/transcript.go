// Package transcript defines the adapter contract for reading and truncating
// conversation logs written by the supported AI coding-assistant CLIs.
//
// Each backend persists its transcript in a different on-disk shape (claude:
// JSONL with interleaved tool machinery, codex: JSONL response items, gemini:
// a single JSON document). The adapters normalize all three into one ordered
// sequence of user-authored prompts so the rewind engine never needs to know
// which backend produced a session.
package transcript

import (
	"context"
	"errors"
	"fmt"
)

// ErrPromptNotFound indicates a prompt index outside the range of qualifying
// user prompts in the session. Truncation must never fall back to clearing
// the whole transcript when the target prompt cannot be located.
var ErrPromptNotFound = errors.New("prompt not found")

// ErrSessionNotFound indicates the session log could not be located on disk.
var ErrSessionNotFound = errors.New("session file not found")

// Source records where a prompt entered the conversation.
type Source string

const (
	// SourceProject marks prompts dispatched through the workbench UI.
	// Only these can have version-control checkpoints recorded around them.
	SourceProject Source = "project"
	// SourceCLI marks prompts typed into an external terminal session.
	SourceCLI Source = "cli"
)

// Prompt is one user-authored turn extracted from a transcript.
//
// Index is the zero-based position among qualifying user turns and is the
// single join key for checkpoint lookups. It is recomputed on every read by
// re-scanning the log, never cached across mutations.
type Prompt struct {
	Index     int    `json:"index"`
	Text      string `json:"text"`
	Source    Source `json:"source"`
	Timestamp int64  `json:"timestamp"`
	Line      int    `json:"lineNumber"`
}

// Store reads and truncates the transcript of a single backend format.
//
// Implementations must apply identical turn-qualification rules in both
// methods so indices stay stable between extraction and truncation.
type Store interface {
	// Backend returns a short stable identifier ("claude", "codex", "gemini").
	Backend() string

	// ExtractPrompts scans the session log front to back and returns the
	// qualifying user prompts with contiguous indices 0..n-1.
	ExtractPrompts(ctx context.Context, sessionID string) ([]Prompt, error)

	// TruncateToBefore rewrites the session log keeping only content strictly
	// before the prompt at index. It returns an error wrapping
	// ErrPromptNotFound when index is >= the number of qualifying prompts.
	TruncateToBefore(ctx context.Context, sessionID string, index int) error
}

// NotFoundError builds the standard out-of-range error, preserving how many
// qualifying prompts were actually seen so callers can surface it.
func NotFoundError(index int, found int) error {
	if found == 0 {
		return fmt.Errorf("prompt #%d: no user prompts in session: %w", index, ErrPromptNotFound)
	}
	return fmt.Errorf("prompt #%d: only %d user prompts in session: %w", index, found, ErrPromptNotFound)
}
