// Package gitops wraps the git command line for checkpoint and rewind use.
//
// Every operation shells out through an injectable Runner so the rewind
// engine can be tested against a scripted repository without spawning git.
package gitops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// ErrRepositoryUnavailable reports that git is missing or the project's
// repository cannot be initialized. Code-level operations degrade to
// unavailable; conversation-only rewinds stay possible.
var ErrRepositoryUnavailable = errors.New("repository unavailable")

// Runner executes one git invocation inside repoRoot and returns its
// combined output.
type Runner func(ctx context.Context, repoRoot string, args ...string) (string, error)

// ExecRunner runs git via the exec package. It is the production Runner.
func ExecRunner(ctx context.Context, repoRoot string, args ...string) (string, error) {
	repoRoot = strings.TrimSpace(repoRoot)
	if repoRoot == "" {
		return "", errors.New("missing repo root")
	}
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", repoRoot}, args...)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("git %s failed: %s", strings.Join(args, " "), msg)
	}
	return string(out), nil
}

// RevertResult reports the outcome of a commit-range revert. Success false
// with a Message means the range could not be applied cleanly; the caller is
// responsible for rolling the repository back.
type RevertResult struct {
	Success         bool
	CommitsReverted int
	Message         string
}

type Client struct {
	run Runner
	log *slog.Logger
}

func NewClient(runner Runner, logger *slog.Logger) *Client {
	if runner == nil {
		runner = ExecRunner
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{run: runner, log: logger}
}

// EnsureRepo initializes a repository at projectPath if none exists, with an
// initial empty commit so HEAD resolves before the first checkpoint.
func (c *Client) EnsureRepo(ctx context.Context, projectPath string) error {
	if _, err := c.run(ctx, projectPath, "rev-parse", "--git-dir"); err == nil {
		return nil
	}
	if _, err := c.run(ctx, projectPath, "init"); err != nil {
		return fmt.Errorf("%w: %v", ErrRepositoryUnavailable, err)
	}
	if _, err := c.run(ctx, projectPath, "commit", "--allow-empty", "-m", "Initial commit"); err != nil {
		return fmt.Errorf("%w: %v", ErrRepositoryUnavailable, err)
	}
	c.log.Info("initialized repository", "project_path", projectPath)
	return nil
}

// CurrentCommit returns the commit id HEAD points at.
func (c *Client) CurrentCommit(ctx context.Context, projectPath string) (string, error) {
	out, err := c.run(ctx, projectPath, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRepositoryUnavailable, err)
	}
	return strings.TrimSpace(out), nil
}

// CommitAll stages and commits every working-tree change. It returns false
// without committing when the tree is clean, so no-op turns never create
// empty commits.
func (c *Client) CommitAll(ctx context.Context, projectPath string, message string) (bool, error) {
	if _, err := c.run(ctx, projectPath, "add", "-A"); err != nil {
		return false, err
	}
	status, err := c.run(ctx, projectPath, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	if strings.TrimSpace(status) == "" {
		return false, nil
	}
	if _, err := c.run(ctx, projectPath, "commit", "-m", message); err != nil {
		return false, err
	}
	return true, nil
}

// StashSave shelves uncommitted changes under label. A clean tree is not an
// error.
func (c *Client) StashSave(ctx context.Context, projectPath string, label string) error {
	_, err := c.run(ctx, projectPath, "stash", "push", "--include-untracked", "-m", label)
	if err != nil && !strings.Contains(err.Error(), "No local changes") {
		return err
	}
	return nil
}

// RevertRange undoes every commit in (from, to], newest first, and commits
// the combined result as one revert commit. A conflict aborts the in-progress
// revert and reports Success false; the working tree is left at whatever
// state preceded the failing step, so the caller must reset.
func (c *Client) RevertRange(ctx context.Context, projectPath, from, to, message string) (RevertResult, error) {
	out, err := c.run(ctx, projectPath, "rev-list", from+".."+to)
	if err != nil {
		return RevertResult{}, err
	}
	commits := strings.Fields(out)
	if len(commits) == 0 {
		return RevertResult{Success: true, Message: "no commits in range"}, nil
	}

	// rev-list emits newest first, which is the order reverts must apply in.
	for _, commit := range commits {
		if _, err := c.run(ctx, projectPath, "revert", "--no-commit", commit); err != nil {
			if _, abortErr := c.run(ctx, projectPath, "revert", "--abort"); abortErr != nil {
				c.log.Warn("revert abort failed", "project_path", projectPath, "error", abortErr)
			}
			return RevertResult{
				Success: false,
				Message: fmt.Sprintf("revert of %s conflicted: %v", commit, err),
			}, nil
		}
	}

	status, err := c.run(ctx, projectPath, "status", "--porcelain")
	if err != nil {
		return RevertResult{}, err
	}
	if strings.TrimSpace(status) != "" {
		if _, err := c.run(ctx, projectPath, "commit", "-m", message); err != nil {
			return RevertResult{}, err
		}
	}
	return RevertResult{Success: true, CommitsReverted: len(commits)}, nil
}

// ResetHard moves HEAD and the working tree back to commit.
func (c *Client) ResetHard(ctx context.Context, projectPath string, commit string) error {
	_, err := c.run(ctx, projectPath, "reset", "--hard", commit)
	return err
}
