package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sethvargo/go-envconfig"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/schaermu/tmplsync/internal/config"
	"github.com/schaermu/tmplsync/internal/credential"
	"github.com/schaermu/tmplsync/internal/git"
	"github.com/schaermu/tmplsync/internal/sync"
	"github.com/schaermu/tmplsync/internal/treediff"
	"github.com/schaermu/tmplsync/internal/webhook"
)

// Exit codes
const (
	exitOK      = 0
	exitFatal   = 1
	exitPartial = 2
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string

	// Sync flags
	dryRun      bool
	token       string
	concurrency int
	failFast    bool

	// Diff flags
	diffTemplate string
	diffRepo     string
)

// environment holds settings read from the process environment
type environment struct {
	Token     string `env:"TMPLSYNC_TOKEN"`
	TokenFile string `env:"TMPLSYNC_TOKEN_FILE"`
	Config    string `env:"TMPLSYNC_CONFIG"`
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

// exitCode maps a command error to the process exit status
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, sync.ErrPartialFailure):
		return exitPartial
	default:
		return exitFatal
	}
}

var rootCmd = &cobra.Command{
	Use:   "tmplsync",
	Short: "Propagate template files into a fleet of Git repositories",
	Long: `tmplsync keeps boilerplate files (CI configs, licenses, lint configs) present
across many Git repositories.

For every configured repository it clones the default branch, copies the
template files the repository does not have yet, and pushes a commit with
those files to a dedicated branch. Files that already exist in a repository
are never touched, whatever their content.`,
	SilenceUsage: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Propagate missing template files into every configured repository",
	Long: `Sync processes every repository of every configured entry: clone, diff
against the template, copy missing files, commit and push to the configured
branch.

A failing repository does not stop the others unless --fail-fast is set. The
command exits with status 2 when at least one repository failed and with
status 1 on configuration errors.`,
	RunE: runSync,
}

var diffCmd = &cobra.Command{
	Use:   "diff",
	Short: "Show how a repository compares to a template",
	Long: `Diff clones a single repository and prints the classification of every
file against the template directory without changing the repository.`,
	RunE: runDiff,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a sync whenever the template repository is pushed",
	Long: `Serve performs an initial sync, then listens for GitHub push webhooks for the
template repository and runs a full sync for each accepted event. Entries with
a template_repo clone it fresh on every run, so a push is picked up by the
sync it triggers. Entries with only a local template directory use it as it
is on disk.

Requests are verified with the shared webhook secret, filtered by event type
and ref, debounced, and never run concurrently. Sync metrics are served on
/metrics and liveness on /healthz. A systemd-activated socket is used when
present.`,
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "tmplsync %s\n", version)
		_, _ = fmt.Fprintf(out, "  commit: %s\n", commit)
		_, _ = fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $TMPLSYNC_CONFIG or $HOME/.config/tmplsync/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	syncCmd.Flags().BoolVar(&dryRun, "dry-run", false, "clone and diff only, report what would be copied")
	syncCmd.Flags().StringVar(&token, "token", "", "access token injected into repository URLs (prefer $TMPLSYNC_TOKEN)")
	syncCmd.Flags().IntVar(&concurrency, "concurrency", 0, "number of repositories processed in parallel (overrides sync.concurrency)")
	syncCmd.Flags().BoolVar(&failFast, "fail-fast", false, "stop at the first failing repository")

	diffCmd.Flags().StringVar(&diffTemplate, "template", "", "template directory")
	diffCmd.Flags().StringVar(&diffRepo, "repo", "", "repository URL")
	_ = diffCmd.MarkFlagRequired("template")
	_ = diffCmd.MarkFlagRequired("repo")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(diffCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger(cmd.ErrOrStderr())

	env, err := loadEnvironment(ctx, envconfig.OsLookuper())
	if err != nil {
		return err
	}

	cfg, err := loadConfig(logger, env)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if cmd.Flags().Changed("concurrency") {
		cfg.Sync.Concurrency = concurrency
	}
	if cmd.Flags().Changed("fail-fast") {
		cfg.Sync.FailFast = failFast
	}
	if err := cfg.Validate(); err != nil {
		return &config.Error{Err: err}
	}

	engine, err := newEngine(cfg, env, logger, dryRun)
	if err != nil {
		return err
	}

	report, err := engine.Run(ctx)
	if report != nil {
		counts := report.Counts()
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%d succeeded, %d failed, %d skipped, %d files copied\n",
			counts.Succeeded, counts.Failed, counts.Skipped, counts.Files)
	}
	if err != nil {
		logger.Error("sync failed", "error", err)
		return err
	}
	return nil
}

func runDiff(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger(cmd.ErrOrStderr())

	env, err := loadEnvironment(ctx, envconfig.OsLookuper())
	if err != nil {
		return err
	}

	cfg, err := loadOptionalConfig(logger, env)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	engine, err := newEngine(cfg, env, logger, true)
	if err != nil {
		return err
	}

	entries, err := engine.Diff(ctx, diffTemplate, diffRepo)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, e := range entries {
		_, _ = fmt.Fprintf(out, "%-13s %s\n", e.Kind, e.Path)
	}
	s := treediff.Summarize(entries)
	_, _ = fmt.Fprintf(out, "%d missing, %d common, %d repository only\n", s.TemplateOnly, s.Common, s.RepoOnly)
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger(cmd.ErrOrStderr())

	env, err := loadEnvironment(ctx, envconfig.OsLookuper())
	if err != nil {
		return err
	}

	cfg, err := loadConfig(logger, env)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ValidateServe(); err != nil {
		return &config.Error{Err: err}
	}

	engine, err := newEngine(cfg, env, logger, false)
	if err != nil {
		return err
	}

	server, err := webhook.NewServer(cfg, engine, logger)
	if err != nil {
		return err
	}
	return server.Start(ctx)
}

// newEngine wires the git backend and token source into a sync engine
func newEngine(cfg *config.Config, env *environment, logger *slog.Logger, dryRun bool) (*sync.Engine, error) {
	gitClient, err := git.NewClient(string(cfg.Git.Backend))
	if err != nil {
		return nil, &config.Error{Err: err}
	}

	tokens, err := tokenSource(cfg, env)
	if err != nil {
		return nil, err
	}

	return sync.NewEngine(cfg, gitClient, tokens, logger, dryRun), nil
}

// tokenSource resolves the access token: --token, then $TMPLSYNC_TOKEN, then
// the token file from $TMPLSYNC_TOKEN_FILE or auth.token_file.
func tokenSource(cfg *config.Config, env *environment) (oauth2.TokenSource, error) {
	tok := token
	if tok == "" {
		tok = env.Token
	}
	tokenFile := env.TokenFile
	if tokenFile == "" {
		tokenFile = cfg.Auth.TokenFile
	}
	return credential.NewTokenSource(tok, tokenFile)
}

func setupLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

func loadEnvironment(ctx context.Context, lookuper envconfig.Lookuper) (*environment, error) {
	var env environment
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &env,
		Lookuper: lookuper,
	}); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	return &env, nil
}

// configPath returns --config, then $TMPLSYNC_CONFIG, then the per-user default
func configPath(env *environment) (path string, explicit bool, err error) {
	if cfgFile != "" {
		return cfgFile, true, nil
	}
	if env.Config != "" {
		return env.Config, true, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, ".config", "tmplsync", "config.yaml"), false, nil
}

func loadConfig(logger *slog.Logger, env *environment) (*config.Config, error) {
	path, _, err := configPath(env)
	if err != nil {
		return nil, err
	}

	logger.Info("loading configuration", "path", path)

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"entries", len(cfg.Entries),
		"repositories", cfg.RepositoryCount(),
		"backend", cfg.Git.Backend,
		"branch", cfg.Git.Branch)

	return cfg, nil
}

// loadOptionalConfig behaves like loadConfig but falls back to defaults when
// no config file was named and the default one does not exist.
func loadOptionalConfig(logger *slog.Logger, env *environment) (*config.Config, error) {
	path, explicit, err := configPath(env)
	if err != nil {
		return nil, err
	}
	if !explicit {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			logger.Debug("no configuration file, using defaults", "path", path)
			cfg := &config.Config{}
			cfg.ApplyDefaults()
			return cfg, nil
		}
	}
	return loadConfig(logger, env)
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
