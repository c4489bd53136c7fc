package rewind

import (
	"context"

	"github.com/yunsheng111/Any-code/internal/transcript"
)

// Capabilities is the set of revert modes legally available for one prompt.
// Derived on every call, never stored.
type Capabilities struct {
	Conversation bool              `json:"conversation"`
	Code         bool              `json:"code"`
	Both         bool              `json:"both"`
	Warning      string            `json:"warning,omitempty"`
	Source       transcript.Source `json:"source,omitempty"`
}

const (
	warnGitDisabled  = "git operations are disabled in configuration"
	warnNoCheckpoint = "no associated checkpoint (likely cli-sourced)"
	warnNoCommit     = "checkpoint has no valid starting commit"
)

// CheckCapabilities evaluates which rewind modes are available for the prompt
// at index. Conversation-only rewind is always possible for an existing
// prompt; code-level rewind requires git to be enabled and a checkpoint with
// a valid starting commit.
func (e *Engine) CheckCapabilities(ctx context.Context, sessionID string, index int) (Capabilities, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if e.cfg.DisableRewindGitOperations {
		return Capabilities{Conversation: true, Warning: warnGitDisabled}, nil
	}

	prompts, err := e.store.ExtractPrompts(ctx, sessionID)
	if err != nil {
		return Capabilities{}, err
	}
	if index < 0 || index >= len(prompts) {
		return Capabilities{}, transcript.NotFoundError(index, len(prompts))
	}
	source := prompts[index].Source

	rec, ok, err := e.ledger.Get(sessionID, index)
	if err != nil {
		return Capabilities{}, err
	}
	if !ok {
		return Capabilities{Conversation: true, Warning: warnNoCheckpoint, Source: source}, nil
	}
	if rec.CommitBefore == "" {
		return Capabilities{Conversation: true, Warning: warnNoCommit, Source: source}, nil
	}
	// A checkpoint exists, so the prompt was dispatched by the workbench.
	return Capabilities{Conversation: true, Code: true, Both: true, Source: transcript.SourceProject}, nil
}
