package rewind

import (
	"fmt"
	"strings"
)

// Mode selects the granularity of a revert. It is a one-shot operation
// selector, never persisted.
type Mode string

const (
	// ModeConversationOnly truncates the transcript and ledger, leaving the
	// working tree untouched.
	ModeConversationOnly Mode = "conversation_only"
	// ModeCodeOnly restores the working tree to the state before the target
	// prompt, leaving the transcript untouched.
	ModeCodeOnly Mode = "code_only"
	// ModeBoth performs the code revert, then the conversation truncation.
	ModeBoth Mode = "both"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.TrimSpace(strings.ToLower(s))) {
	case ModeConversationOnly:
		return ModeConversationOnly, nil
	case ModeCodeOnly:
		return ModeCodeOnly, nil
	case ModeBoth:
		return ModeBoth, nil
	}
	return "", fmt.Errorf("unknown rewind mode %q", s)
}
