// Package workflow stages, commits and pushes propagated files.
package workflow

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/schaermu/tmplsync/internal/git"
)

// CommitError reports a failure to stage or commit
type CommitError struct {
	Branch string
	Err    error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit to %s: %v", e.Branch, e.Err)
}

func (e *CommitError) Unwrap() error {
	return e.Err
}

// PushError reports a failure to push the branch to the remote
type PushError struct {
	Remote string
	Branch string
	Err    error
}

func (e *PushError) Error() string {
	return fmt.Sprintf("push %s to %s: %v", e.Branch, e.Remote, e.Err)
}

func (e *PushError) Unwrap() error {
	return e.Err
}

// Options configure an Orchestrator
type Options struct {
	Branch      string
	Message     string
	Remote      string
	Author      git.Signature
	Force       bool
	PushTimeout time.Duration
	Logger      *slog.Logger
}

// Result describes the commit created for one repository
type Result struct {
	Branch  string `json:"branch"`
	Message string `json:"message"`
	Hash    string `json:"hash,omitempty"`
	Staged  int    `json:"staged"`
	NoOp    bool   `json:"no_op,omitempty"`
}

// Orchestrator runs the stage, commit and push sequence
type Orchestrator struct {
	opts   Options
	logger *slog.Logger
}

// New creates an Orchestrator. Remote defaults to origin.
func New(opts Options) *Orchestrator {
	if opts.Remote == "" {
		opts.Remote = "origin"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Orchestrator{opts: opts, logger: logger}
}

// CommitAndPush stages paths in repo, commits them on top of HEAD to the
// configured branch and pushes that branch. Paths are staged even when the
// repository ignores them. Nothing is committed or pushed when no file was
// staged. No step is retried.
func (o *Orchestrator) CommitAndPush(ctx context.Context, repo git.Repository, paths []string) (*Result, error) {
	res := &Result{Branch: o.opts.Branch, Message: o.opts.Message}

	staged, err := repo.Stage(ctx, paths)
	if err != nil {
		return nil, &CommitError{Branch: o.opts.Branch, Err: fmt.Errorf("staging: %w", err)}
	}
	res.Staged = staged
	if staged != len(paths) {
		o.logger.Warn("some paths were already committed", "branch", o.opts.Branch, "paths", len(paths), "staged", staged)
	}

	if staged == 0 {
		o.logger.Info("nothing staged, skipping commit", "branch", o.opts.Branch)
		res.NoOp = true
		return res, nil
	}

	hash, err := repo.Commit(ctx, o.opts.Branch, o.opts.Message, o.opts.Author)
	if err != nil {
		return nil, &CommitError{Branch: o.opts.Branch, Err: err}
	}
	res.Hash = hash
	o.logger.Info("committed", "branch", o.opts.Branch, "commit", hash, "files", staged)

	pushCtx := ctx
	if o.opts.PushTimeout > 0 {
		var cancel context.CancelFunc
		pushCtx, cancel = context.WithTimeout(ctx, o.opts.PushTimeout)
		defer cancel()
	}

	if err := repo.Push(pushCtx, o.opts.Remote, o.opts.Branch, o.opts.Force); err != nil {
		return res, &PushError{Remote: o.opts.Remote, Branch: o.opts.Branch, Err: err}
	}
	o.logger.Info("pushed", "remote", o.opts.Remote, "branch", o.opts.Branch)
	return res, nil
}
