package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/schaermu/tmplsync/internal/config"
	"github.com/schaermu/tmplsync/internal/credential"
	"github.com/schaermu/tmplsync/internal/git"
	"github.com/schaermu/tmplsync/internal/propagate"
	"github.com/schaermu/tmplsync/internal/treediff"
	"github.com/schaermu/tmplsync/internal/workflow"
	"github.com/schaermu/tmplsync/internal/workspace"
)

// ErrPartialFailure is returned by Run when at least one repository failed
var ErrPartialFailure = errors.New("one or more repositories failed")

// Engine propagates templates into every configured repository
type Engine struct {
	cfg     *config.Config
	git     git.Client
	tokens  oauth2.TokenSource
	logger  *slog.Logger
	dryRun  bool
	metrics *metrics
}

// NewEngine creates a new sync engine. tokens may be nil for anonymous
// access.
func NewEngine(cfg *config.Config, gitClient git.Client, tokens oauth2.TokenSource, logger *slog.Logger, dryRun bool) *Engine {
	return &Engine{
		cfg:     cfg,
		git:     gitClient,
		tokens:  tokens,
		logger:  logger,
		dryRun:  dryRun,
		metrics: newMetrics(),
	}
}

// Gatherer exposes the engine's metrics
func (e *Engine) Gatherer() prometheus.Gatherer {
	return e.metrics.registry
}

// job is one repository of one entry
type job struct {
	template string
	label    string
	url      string
}

// Run executes a full sync. Configuration and template problems are returned
// before any repository is touched. Per-repository failures are recorded in
// the report and reported together as ErrPartialFailure.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	e.logger.Info("starting sync",
		"entries", len(e.cfg.Entries),
		"repositories", e.cfg.RepositoryCount(),
		"concurrency", e.cfg.Sync.Concurrency,
		"dry_run", e.dryRun)

	if err := e.checkLocalTemplates(); err != nil {
		return nil, err
	}

	diffOpts, err := e.diffOptions()
	if err != nil {
		return nil, &config.Error{Err: err}
	}

	token, err := credential.AccessToken(e.tokens)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve access token: %w", err)
	}

	manager := workspace.New(e.git,
		workspace.WithBaseDir(e.cfg.Paths.WorkDir),
		workspace.WithCloneTimeout(e.cfg.Sync.CloneTimeout),
		workspace.WithLogger(e.logger))

	templates, release, err := e.fetchTemplates(ctx, manager, token)
	defer release()
	if err != nil {
		return nil, err
	}
	for i, entry := range e.cfg.Entries {
		if entry.TemplateRepo == "" {
			continue
		}
		if err := checkTemplate(templates[i]); err != nil {
			return nil, err
		}
	}

	var jobs []job
	for i, entry := range e.cfg.Entries {
		for _, url := range entry.Repos {
			jobs = append(jobs, job{template: templates[i], label: entry.Label(), url: url})
		}
	}

	report := &Report{
		StartedAt:    time.Now().UTC(),
		DryRun:       e.dryRun,
		Repositories: make([]RepoResult, len(jobs)),
	}
	for i, j := range jobs {
		report.Repositories[i] = RepoResult{Template: credential.Redact(j.label), Repo: credential.Redact(j.url), Stage: StageSkipped}
	}

	orchestrator := workflow.New(workflow.Options{
		Branch:      e.cfg.Git.Branch,
		Message:     e.cfg.Git.Message,
		Remote:      e.cfg.Git.Remote,
		Author:      git.Signature{Name: e.cfg.Git.AuthorName, Email: e.cfg.Git.AuthorEmail},
		Force:       e.cfg.Git.ForcePush,
		PushTimeout: e.cfg.Sync.PushTimeout,
		Logger:      e.logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Sync.Concurrency)

	for i, j := range jobs {
		if gctx.Err() != nil {
			break
		}
		res := &report.Repositories[i]
		g.Go(func() error {
			// A slot may free up only after a fail-fast abort.
			if gctx.Err() != nil {
				return nil
			}
			e.processRepo(gctx, manager, orchestrator, diffOpts, token, j, res)
			if res.Failed() && e.cfg.Sync.FailFast {
				return res.Err()
			}
			return nil
		})
	}
	_ = g.Wait()
	report.FinishedAt = time.Now().UTC()

	var failures []error
	for i := range report.Repositories {
		res := &report.Repositories[i]
		e.metrics.record(res, e.dryRun)
		if res.Failed() {
			failures = append(failures, res.Err())
		}
	}

	e.persist(report)

	counts := report.Counts()
	e.logger.Info("sync finished",
		"succeeded", counts.Succeeded,
		"failed", counts.Failed,
		"skipped", counts.Skipped,
		"files", counts.Files)

	if err := ctx.Err(); err != nil {
		return report, fmt.Errorf("sync interrupted: %w", err)
	}
	if len(failures) > 0 {
		return report, fmt.Errorf("%w (%d of %d): %w", ErrPartialFailure, len(failures), len(jobs), errors.Join(failures...))
	}
	return report, nil
}

// processRepo runs the pipeline for one repository and records the outcome
// in res. It never returns early without releasing its workspace.
func (e *Engine) processRepo(ctx context.Context, manager *workspace.Manager, orchestrator *workflow.Orchestrator, diffOpts treediff.Options, token string, j job, res *RepoResult) {
	start := time.Now()
	defer func() { res.Duration = time.Since(start) }()

	logger := e.logger.With("repo", res.Repo, "template", res.Template)
	failed := func(stage Stage, err error) {
		res.fail(stage, err)
		logger.Error("repository failed", "stage", stage, "error", err)
	}

	url, err := credential.Inject(j.url, token, e.cfg.Auth.Hosts)
	if err != nil {
		failed(StageInject, err)
		return
	}

	ws, err := manager.Acquire()
	if err != nil {
		failed(StageWorkspace, err)
		return
	}
	defer func() {
		if err := ws.Release(); err != nil {
			logger.Warn("failed to release workspace", "error", err)
		}
	}()

	stageStart := time.Now()
	repo, err := manager.Clone(ctx, ws, url)
	e.metrics.observe(StageClone, stageStart)
	if err != nil {
		failed(StageClone, err)
		return
	}

	stageStart = time.Now()
	entries, err := treediff.Diff(j.template, ws.Root(), diffOpts)
	e.metrics.observe(StageDiff, stageStart)
	if err != nil {
		failed(StageDiff, err)
		return
	}
	res.Summary = treediff.Summarize(entries)
	missing := treediff.Filter(entries, treediff.TemplateOnly)
	logger.Info("diff computed",
		"missing", res.Summary.TemplateOnly,
		"common", res.Summary.Common,
		"repo_only", res.Summary.RepoOnly)

	if e.dryRun {
		for _, p := range missing {
			logger.Info("[dry-run] would add", "path", p)
		}
		res.Missing = missing
		res.Stage = StageDone
		return
	}

	stageStart = time.Now()
	copied, err := propagate.Propagate(entries, j.template, ws.Root())
	e.metrics.observe(StagePropagate, stageStart)
	res.Copied = copied
	if err != nil {
		failed(StagePropagate, err)
		return
	}
	for _, p := range copied {
		logger.Debug("added file", "path", p)
	}

	stageStart = time.Now()
	result, err := orchestrator.CommitAndPush(ctx, repo, copied)
	e.metrics.observe(StageCommit, stageStart)
	res.Commit = result
	if err != nil {
		var pushErr *workflow.PushError
		if errors.As(err, &pushErr) {
			failed(StagePush, err)
		} else {
			failed(StageCommit, err)
		}
		return
	}

	res.Stage = StageDone
	if result.NoOp {
		logger.Info("repository already up to date")
		return
	}
	logger.Info("repository synced", "files", len(copied), "commit", result.Hash, "branch", result.Branch)
}

// Diff clones url and classifies it against template without changing the
// repository.
func (e *Engine) Diff(ctx context.Context, template, url string) ([]treediff.Entry, error) {
	if err := checkTemplate(template); err != nil {
		return nil, err
	}
	opts, err := e.diffOptions()
	if err != nil {
		return nil, &config.Error{Err: err}
	}

	token, err := credential.AccessToken(e.tokens)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve access token: %w", err)
	}
	injected, err := credential.Inject(url, token, e.cfg.Auth.Hosts)
	if err != nil {
		return nil, err
	}

	manager := workspace.New(e.git,
		workspace.WithBaseDir(e.cfg.Paths.WorkDir),
		workspace.WithCloneTimeout(e.cfg.Sync.CloneTimeout),
		workspace.WithLogger(e.logger))
	ws, err := manager.Acquire()
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = ws.Release()
	}()

	if _, err := manager.Clone(ctx, ws, injected); err != nil {
		return nil, err
	}
	return treediff.Diff(template, ws.Root(), opts)
}

func (e *Engine) diffOptions() (treediff.Options, error) {
	excludes, err := treediff.CompileExcludes(e.cfg.Sync.Exclude)
	if err != nil {
		return treediff.Options{}, err
	}
	opts := treediff.Options{Exclude: excludes, Symlinks: treediff.SymlinksAsFiles}
	if e.cfg.Sync.Symlinks == config.SymlinksSkip {
		opts.Symlinks = treediff.SymlinksSkip
	}
	return opts, nil
}

// fetchTemplates resolves the local template directory of every entry, in
// entry order. Template repositories are cloned once per run into workspaces
// that live until release is called. release is safe to call on error.
func (e *Engine) fetchTemplates(ctx context.Context, manager *workspace.Manager, token string) ([]string, func(), error) {
	var workspaces []*workspace.Workspace
	release := func() {
		for _, ws := range workspaces {
			if err := ws.Release(); err != nil {
				e.logger.Warn("failed to release template workspace", "error", err)
			}
		}
	}

	clones := make(map[string]string)
	paths := make([]string, len(e.cfg.Entries))
	for i, entry := range e.cfg.Entries {
		if entry.TemplateRepo == "" {
			paths[i] = entry.Template
			continue
		}

		root, ok := clones[entry.TemplateRepo]
		if !ok {
			redacted := credential.Redact(entry.TemplateRepo)
			url, err := credential.Inject(entry.TemplateRepo, token, e.cfg.Auth.Hosts)
			if err != nil {
				return nil, release, fmt.Errorf("template repository %s: %w", redacted, err)
			}

			ws, err := manager.Acquire()
			if err != nil {
				return nil, release, err
			}
			workspaces = append(workspaces, ws)

			start := time.Now()
			if _, err := manager.Clone(ctx, ws, url); err != nil {
				return nil, release, fmt.Errorf("failed to fetch template: %w", err)
			}
			e.logger.Info("fetched template repository", "template_repo", redacted, "duration", time.Since(start))

			root = ws.Root()
			clones[entry.TemplateRepo] = root
		}
		paths[i] = filepath.Join(root, filepath.FromSlash(entry.Template))
	}
	return paths, release, nil
}

// checkLocalTemplates verifies every local template before anything is cloned
func (e *Engine) checkLocalTemplates() error {
	for _, entry := range e.cfg.Entries {
		if entry.TemplateRepo != "" {
			continue
		}
		if err := checkTemplate(entry.Template); err != nil {
			return err
		}
	}
	return nil
}

func checkTemplate(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return &config.Error{Path: path, Err: fmt.Errorf("template not accessible: %w", err)}
	}
	if !info.IsDir() {
		return &config.Error{Path: path, Err: errors.New("template is not a directory")}
	}
	if _, err := os.ReadDir(path); err != nil {
		return &config.Error{Path: path, Err: fmt.Errorf("template not readable: %w", err)}
	}
	return nil
}

// persist writes the report and metrics files when configured. Failures are
// logged but do not fail the run.
func (e *Engine) persist(report *Report) {
	if path := e.cfg.Paths.ReportFile; path != "" {
		if err := report.WriteFile(path); err != nil {
			e.logger.Warn("failed to write report", "path", path, "error", err)
		}
	}
	if path := e.cfg.Paths.MetricsFile; path != "" {
		if err := prometheus.WriteToTextfile(path, e.metrics.registry); err != nil {
			e.logger.Warn("failed to write metrics", "path", path, "error", err)
		}
	}
}
