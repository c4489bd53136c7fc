package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/yunsheng111/Any-code/internal/config"
	"github.com/yunsheng111/Any-code/internal/gitops"
	"github.com/yunsheng111/Any-code/internal/history"
	"github.com/yunsheng111/Any-code/internal/ledger"
	"github.com/yunsheng111/Any-code/internal/rewind"
	"github.com/yunsheng111/Any-code/internal/settings"
	"github.com/yunsheng111/Any-code/internal/transcript"
	"github.com/yunsheng111/Any-code/internal/transcript/claudelog"
	"github.com/yunsheng111/Any-code/internal/transcript/codexlog"
	"github.com/yunsheng111/Any-code/internal/transcript/geminilog"

	"golang.org/x/term"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "prompts":
		promptsCmd(os.Args[2:])
	case "capabilities":
		capabilitiesCmd(os.Args[2:])
	case "record":
		recordCmd(os.Args[2:])
	case "complete":
		completeCmd(os.Args[2:])
	case "revert":
		revertCmd(os.Args[2:])
	case "history":
		historyCmd(os.Args[2:])
	case "version":
		fmt.Printf("anycode-rewind %s (%s)\n", Version, Commit)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `anycode-rewind

Usage:
  anycode-rewind prompts      -backend <b> -session <id> -project <dir> [flags]
  anycode-rewind capabilities -backend <b> -session <id> -project <dir> -index <n> [flags]
  anycode-rewind record       -backend <b> -session <id> -project <dir> -prompt <text> [flags]
  anycode-rewind complete     -backend <b> -session <id> -project <dir> -index <n> [flags]
  anycode-rewind revert       -backend <b> -session <id> -project <dir> -index <n> -mode <m> [flags]
  anycode-rewind history      -session <id> [flags]
  anycode-rewind version

Commands:
  prompts       List the session's prompts joined with their checkpoints.
  capabilities  Report which rewind modes are available for one prompt.
  record        Capture the pre-dispatch commit for the prompt about to be sent.
  complete      Commit the turn's changes and close the prompt's checkpoint.
  revert        Rewind the session to before a prompt (conversation_only|code_only|both).
  history       List past revert operations for a session.
  version       Print build information.

Backends: claude | codex | gemini
`)
}

// commonFlags are shared by every engine-backed subcommand.
type commonFlags struct {
	backend      *string
	sessionID    *string
	projectPath  *string
	configPath   *string
	settingsPath *string
}

func addCommonFlags(fs *flag.FlagSet) commonFlags {
	return commonFlags{
		backend:      fs.String("backend", "", "Conversation backend: claude|codex|gemini"),
		sessionID:    fs.String("session", "", "Session ID"),
		projectPath:  fs.String("project", "", "Project directory (the git working tree)"),
		configPath:   fs.String("config", config.DefaultConfigPath(), "Config file path"),
		settingsPath: fs.String("settings", settings.DefaultPath(), "Settings file path"),
	}
}

type app struct {
	engine  *rewind.Engine
	history *history.Store
}

func (a *app) close() {
	if a.history != nil {
		_ = a.history.Close()
	}
}

func buildApp(cf commonFlags) (*app, error) {
	backend := strings.TrimSpace(strings.ToLower(*cf.backend))
	sessionID := strings.TrimSpace(*cf.sessionID)
	projectPath := strings.TrimSpace(*cf.projectPath)
	if backend == "" || sessionID == "" || projectPath == "" {
		return nil, fmt.Errorf("missing -backend, -session, or -project")
	}

	cfg, err := config.Load(filepath.Clean(*cf.configPath))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	sts, err := settings.Load(filepath.Clean(*cf.settingsPath))
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	logger, err := newLogger(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	var store transcript.Store
	switch backend {
	case "claude":
		store = claudelog.New(sts.ClaudeProjectsDir, projectPath, logger)
	case "codex":
		store = codexlog.New(sts.CodexSessionsDir, logger)
	case "gemini":
		store = geminilog.New(sts.GeminiDir, projectPath, logger)
	default:
		return nil, fmt.Errorf("unknown backend %q", backend)
	}

	hist, err := history.Open(sts.HistoryDBPath())
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}

	engine := rewind.NewEngine(
		store,
		ledger.NewStore(sts.LedgerDir(), logger),
		gitops.NewClient(nil, logger),
		cfg,
		sts.LockDir(),
		rewind.Options{History: hist, Logger: logger},
	)
	return &app{engine: engine, history: hist}, nil
}

func newLogger(format string, level string) (*slog.Logger, error) {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %s", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}

	// Logs go to stderr so stdout stays parseable by the workbench. With no
	// configured format, humans at a terminal get text and pipes get JSON.
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		if term.IsTerminal(int(os.Stderr.Fd())) {
			format = "text"
		} else {
			format = "json"
		}
	}

	var h slog.Handler
	switch format {
	case "json":
		h = slog.NewJSONHandler(os.Stderr, opts)
	case "text":
		h = slog.NewTextHandler(os.Stderr, opts)
	default:
		return nil, fmt.Errorf("unknown log format: %s", format)
	}
	return slog.New(h), nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func printJSON(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode output: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(b))
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func promptsCmd(args []string) {
	fs := flag.NewFlagSet("prompts", flag.ExitOnError)
	cf := addCommonFlags(fs)
	_ = fs.Parse(args)

	a, err := buildApp(cf)
	if err != nil {
		fatal("prompts: %v", err)
	}
	defer a.close()

	ctx, cancel := signalContext()
	defer cancel()

	unified, err := a.engine.UnifiedPromptList(ctx, *cf.sessionID)
	if err != nil {
		fatal("prompts: %v", err)
	}
	printJSON(unified)
}

func capabilitiesCmd(args []string) {
	fs := flag.NewFlagSet("capabilities", flag.ExitOnError)
	cf := addCommonFlags(fs)
	index := fs.Int("index", -1, "Prompt index")
	_ = fs.Parse(args)

	a, err := buildApp(cf)
	if err != nil {
		fatal("capabilities: %v", err)
	}
	defer a.close()

	ctx, cancel := signalContext()
	defer cancel()

	caps, err := a.engine.CheckCapabilities(ctx, *cf.sessionID, *index)
	if err != nil {
		fatal("capabilities: %v", err)
	}
	printJSON(caps)
}

func recordCmd(args []string) {
	fs := flag.NewFlagSet("record", flag.ExitOnError)
	cf := addCommonFlags(fs)
	prompt := fs.String("prompt", "", "Prompt text about to be dispatched")
	_ = fs.Parse(args)

	a, err := buildApp(cf)
	if err != nil {
		fatal("record: %v", err)
	}
	defer a.close()

	ctx, cancel := signalContext()
	defer cancel()

	index, err := a.engine.RecordPromptSent(ctx, *cf.sessionID, *cf.projectPath, *prompt)
	if err != nil {
		fatal("record: %v", err)
	}
	printJSON(map[string]int{"index": index})
}

func completeCmd(args []string) {
	fs := flag.NewFlagSet("complete", flag.ExitOnError)
	cf := addCommonFlags(fs)
	index := fs.Int("index", -1, "Prompt index returned by record")
	_ = fs.Parse(args)

	a, err := buildApp(cf)
	if err != nil {
		fatal("complete: %v", err)
	}
	defer a.close()

	ctx, cancel := signalContext()
	defer cancel()

	if err := a.engine.MarkPromptCompleted(ctx, *cf.sessionID, *cf.projectPath, *index); err != nil {
		fatal("complete: %v", err)
	}
}

func revertCmd(args []string) {
	fs := flag.NewFlagSet("revert", flag.ExitOnError)
	cf := addCommonFlags(fs)
	index := fs.Int("index", -1, "Prompt index to rewind to")
	modeRaw := fs.String("mode", string(rewind.ModeConversationOnly), "Rewind mode: conversation_only|code_only|both")
	_ = fs.Parse(args)

	mode, err := rewind.ParseMode(*modeRaw)
	if err != nil {
		fatal("revert: %v", err)
	}

	a, err := buildApp(cf)
	if err != nil {
		fatal("revert: %v", err)
	}
	defer a.close()

	ctx, cancel := signalContext()
	defer cancel()

	text, err := a.engine.RevertToPrompt(ctx, *cf.sessionID, *cf.projectPath, *index, mode)
	if err != nil {
		fatal("revert: %v", err)
	}
	printJSON(map[string]string{"restoredPrompt": text})
}

func historyCmd(args []string) {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	sessionID := fs.String("session", "", "Session ID")
	limit := fs.Int("limit", 50, "Max operations to list (0 = all)")
	settingsPath := fs.String("settings", settings.DefaultPath(), "Settings file path")
	_ = fs.Parse(args)

	if strings.TrimSpace(*sessionID) == "" {
		fs.Usage()
		os.Exit(2)
	}
	sts, err := settings.Load(filepath.Clean(*settingsPath))
	if err != nil {
		fatal("history: load settings: %v", err)
	}
	hist, err := history.Open(sts.HistoryDBPath())
	if err != nil {
		fatal("history: %v", err)
	}
	defer func() { _ = hist.Close() }()

	ctx, cancel := signalContext()
	defer cancel()

	ops, err := hist.ListSession(ctx, strings.TrimSpace(*sessionID), *limit)
	if err != nil {
		fatal("history: %v", err)
	}
	printJSON(ops)
}
