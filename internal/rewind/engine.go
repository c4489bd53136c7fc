// Package rewind implements prompt-level checkpointing and multi-mode revert
// over one transcript backend, a per-session checkpoint ledger, and a git
// adapter.
//
// The write path (RecordPromptSent, MarkPromptCompleted) brackets each
// backend turn with commit captures; the revert path (RevertToPrompt)
// restores conversation state, repository state, or both, with an
// all-or-nothing guarantee on the repository side.
package rewind

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/yunsheng111/Any-code/internal/config"
	"github.com/yunsheng111/Any-code/internal/gitops"
	"github.com/yunsheng111/Any-code/internal/ledger"
	"github.com/yunsheng111/Any-code/internal/lockfile"
	"github.com/yunsheng111/Any-code/internal/transcript"
)

var (
	// ErrNoCheckpoint reports a code-level revert attempt on a prompt with
	// no ledger entry, e.g. a turn typed directly into an external terminal.
	ErrNoCheckpoint = errors.New("no checkpoint recorded for prompt")
	// ErrGitDisabled reports a code-level revert attempt while git side
	// effects are disabled in configuration.
	ErrGitDisabled = errors.New("git operations are disabled")
	// ErrRevertConflict reports that a commit-range revert could not be
	// applied cleanly; the repository has been reset to its pre-revert HEAD.
	ErrRevertConflict = errors.New("revert conflict")
)

// RevertOutcome summarizes one revert attempt for history recording.
type RevertOutcome struct {
	SessionID       string
	Backend         string
	ProjectPath     string
	Index           int
	Mode            Mode
	Status          string
	Error           string
	CommitsReverted int
}

// OutcomeRecorder persists revert outcomes. Recording failures are logged,
// never propagated: history is advisory.
type OutcomeRecorder interface {
	RecordRevert(ctx context.Context, outcome RevertOutcome) error
}

type Engine struct {
	store   transcript.Store
	ledger  *ledger.Store
	git     *gitops.Client
	cfg     *config.Config
	lockDir string
	history OutcomeRecorder
	log     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*sync.Mutex
}

// Options carries the optional collaborators of an Engine.
type Options struct {
	// History, when set, receives an entry per revert attempt.
	History OutcomeRecorder
	Logger  *slog.Logger
}

func NewEngine(store transcript.Store, ledgerStore *ledger.Store, git *gitops.Client, cfg *config.Config, lockDir string, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = &config.Config{}
	}
	return &Engine{
		store:    store,
		ledger:   ledgerStore,
		git:      git,
		cfg:      cfg,
		lockDir:  lockDir,
		history:  opts.History,
		log:      logger,
		sessions: make(map[string]*sync.Mutex),
	}
}

// lockSession serializes ledger-mutating operations for one session, both
// in-process (mutex) and across processes (flock). The returned func releases
// both.
func (e *Engine) lockSession(sessionID string) (func(), error) {
	e.mu.Lock()
	m, ok := e.sessions[sessionID]
	if !ok {
		m = &sync.Mutex{}
		e.sessions[sessionID] = m
	}
	e.mu.Unlock()

	m.Lock()
	fl, err := lockfile.AcquireSession(e.lockDir, sessionID)
	if err != nil {
		m.Unlock()
		return nil, fmt.Errorf("lock session %s: %w", sessionID, err)
	}
	return func() {
		if err := fl.Release(); err != nil {
			e.log.Warn("release session lock failed", "session_id", sessionID, "error", err)
		}
		m.Unlock()
	}, nil
}

// RecordPromptSent captures the pre-dispatch commit for the prompt about to
// be sent and returns its future index. The new turn has not been appended to
// the transcript yet, so the index is the current qualifying-prompt count.
// With git disabled it returns the ledger size as a plain counter.
func (e *Engine) RecordPromptSent(ctx context.Context, sessionID, projectPath, promptText string) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if e.cfg.DisableRewindGitOperations {
		return e.ledger.Count(sessionID)
	}

	unlock, err := e.lockSession(sessionID)
	if err != nil {
		return 0, err
	}
	defer unlock()

	if err := e.git.EnsureRepo(ctx, projectPath); err != nil {
		return 0, err
	}
	commitBefore, err := e.git.CurrentCommit(ctx, projectPath)
	if err != nil {
		return 0, err
	}

	prompts, err := e.store.ExtractPrompts(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	index := len(prompts)

	if err := e.ledger.RecordBefore(sessionID, projectPath, index, commitBefore); err != nil {
		return 0, err
	}
	e.log.Info("recorded prompt checkpoint",
		"backend", e.store.Backend(), "session_id", sessionID,
		"prompt_index", index, "commit_before", commitBefore,
		"prompt_chars", len(promptText))
	return index, nil
}

// MarkPromptCompleted commits any working-tree changes made during the turn
// and records the resulting commit. It must be paired with a prior
// RecordPromptSent for the same index; a missing record is a caller bug and
// surfaces as ledger.ErrRecordNotFound.
func (e *Engine) MarkPromptCompleted(ctx context.Context, sessionID, projectPath string, index int) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if e.cfg.DisableRewindGitOperations {
		return nil
	}

	unlock, err := e.lockSession(sessionID)
	if err != nil {
		return err
	}
	defer unlock()

	changed, err := e.git.CommitAll(ctx, projectPath, fmt.Sprintf("[Any Code] After prompt #%d", index))
	if err != nil {
		return err
	}
	commitAfter, err := e.git.CurrentCommit(ctx, projectPath)
	if err != nil {
		return err
	}
	if err := e.ledger.RecordAfter(sessionID, projectPath, index, commitAfter); err != nil {
		return err
	}
	e.log.Info("completed prompt checkpoint",
		"backend", e.store.Backend(), "session_id", sessionID,
		"prompt_index", index, "commit_after", commitAfter, "changed", changed)
	return nil
}

// PromptList returns the session's qualifying prompts in index order.
func (e *Engine) PromptList(ctx context.Context, sessionID string) ([]transcript.Prompt, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	return e.store.ExtractPrompts(ctx, sessionID)
}

// UnifiedPrompt joins a prompt with its checkpoint, when one exists. A
// checkpoint proves the prompt was dispatched by the workbench, so the source
// is upgraded to project for backends that cannot tag it themselves.
type UnifiedPrompt struct {
	transcript.Prompt
	HasCheckpoint bool   `json:"hasCheckpoint"`
	CommitBefore  string `json:"commitBefore,omitempty"`
	CommitAfter   string `json:"commitAfter,omitempty"`
}

func (e *Engine) UnifiedPromptList(ctx context.Context, sessionID string) ([]UnifiedPrompt, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	prompts, err := e.store.ExtractPrompts(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	records, err := e.ledger.All(sessionID)
	if err != nil {
		return nil, err
	}

	out := make([]UnifiedPrompt, 0, len(prompts))
	for _, p := range prompts {
		up := UnifiedPrompt{Prompt: p}
		if rec, ok := records[p.Index]; ok {
			up.HasCheckpoint = true
			up.CommitBefore = rec.CommitBefore
			up.CommitAfter = rec.CommitAfter
			up.Source = transcript.SourceProject
		}
		out = append(out, up)
	}
	return out, nil
}

// RevertToPrompt rewinds the session to the state before the prompt at index
// and returns that prompt's text so the caller can re-populate an input
// field.
//
// ConversationOnly truncates the transcript and ledger. CodeOnly undoes every
// checkpointed commit range from index onward, newest first, all-or-nothing:
// the first conflict resets the repository to the HEAD captured at the start.
// Both runs the code revert, then the conversation truncation.
func (e *Engine) RevertToPrompt(ctx context.Context, sessionID, projectPath string, index int, mode Mode) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	switch mode {
	case ModeConversationOnly, ModeCodeOnly, ModeBoth:
	default:
		return "", fmt.Errorf("unknown rewind mode %q", mode)
	}

	unlock, err := e.lockSession(sessionID)
	if err != nil {
		return "", err
	}
	defer unlock()

	prompts, err := e.store.ExtractPrompts(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if index < 0 || index >= len(prompts) {
		return "", transcript.NotFoundError(index, len(prompts))
	}
	restored := prompts[index].Text

	commitsReverted := 0
	if mode == ModeCodeOnly || mode == ModeBoth {
		commitsReverted, err = e.revertCode(ctx, sessionID, projectPath, index)
		if err != nil {
			e.recordOutcome(ctx, sessionID, projectPath, index, mode, "failed", err, commitsReverted)
			return "", err
		}
	}
	if mode == ModeConversationOnly || mode == ModeBoth {
		if err := e.store.TruncateToBefore(ctx, sessionID, index); err != nil {
			e.recordOutcome(ctx, sessionID, projectPath, index, mode, "failed", err, commitsReverted)
			return "", err
		}
		if err := e.ledger.TruncateFrom(sessionID, index); err != nil {
			e.recordOutcome(ctx, sessionID, projectPath, index, mode, "failed", err, commitsReverted)
			return "", err
		}
	}

	e.recordOutcome(ctx, sessionID, projectPath, index, mode, "success", nil, commitsReverted)
	e.log.Info("rewind complete",
		"backend", e.store.Backend(), "session_id", sessionID,
		"prompt_index", index, "mode", string(mode), "commits_reverted", commitsReverted)
	return restored, nil
}

// revertCode restores the working tree to the state before prompt index.
// Once the repository mutation starts the sequence must not be interrupted,
// so git calls run on a context detached from the caller's cancellation.
func (e *Engine) revertCode(ctx context.Context, sessionID, projectPath string, index int) (int, error) {
	if e.cfg.DisableRewindGitOperations {
		return 0, ErrGitDisabled
	}
	target, ok, err := e.ledger.Get(sessionID, index)
	if err != nil {
		return 0, err
	}
	if !ok || target.CommitBefore == "" {
		return 0, fmt.Errorf("prompt %d: %w", index, ErrNoCheckpoint)
	}

	records, err := e.ledger.All(sessionID)
	if err != nil {
		return 0, err
	}
	indices, err := e.ledger.IndicesFrom(sessionID, index)
	if err != nil {
		return 0, err
	}

	gctx := context.WithoutCancel(ctx)
	if err := e.git.StashSave(gctx, projectPath, fmt.Sprintf("anycode-rewind: before revert to prompt #%d", index)); err != nil {
		return 0, err
	}
	originalHead, err := e.git.CurrentCommit(gctx, projectPath)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, idx := range indices {
		rec := records[idx]
		// Turns that produced no code changes have no range to undo.
		if rec.CommitAfter == "" || rec.CommitAfter == rec.CommitBefore {
			continue
		}
		res, err := e.git.RevertRange(gctx, projectPath, rec.CommitBefore, rec.CommitAfter,
			fmt.Sprintf("[Any Code] Revert changes from prompt #%d", idx))
		if err == nil && res.Success {
			total += res.CommitsReverted
			continue
		}

		if resetErr := e.git.ResetHard(gctx, projectPath, originalHead); resetErr != nil {
			e.log.Error("reset after failed revert also failed",
				"session_id", sessionID, "original_head", originalHead, "error", resetErr)
		}
		if err != nil {
			return total, err
		}
		return total, fmt.Errorf("%w: %s", ErrRevertConflict, res.Message)
	}
	return total, nil
}

func (e *Engine) recordOutcome(ctx context.Context, sessionID, projectPath string, index int, mode Mode, status string, opErr error, commitsReverted int) {
	if e.history == nil {
		return
	}
	outcome := RevertOutcome{
		SessionID:       sessionID,
		Backend:         e.store.Backend(),
		ProjectPath:     projectPath,
		Index:           index,
		Mode:            mode,
		Status:          status,
		CommitsReverted: commitsReverted,
	}
	if opErr != nil {
		outcome.Error = opErr.Error()
	}
	if err := e.history.RecordRevert(context.WithoutCancel(ctx), outcome); err != nil {
		e.log.Warn("record rewind history failed", "session_id", sessionID, "error", err)
	}
}
