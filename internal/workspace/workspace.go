// Package workspace allocates ephemeral per-repository directories and clones
// target repositories into them.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/schaermu/tmplsync/internal/credential"
	"github.com/schaermu/tmplsync/internal/git"
)

// DefaultPrefix names the temporary directories created by Acquire
const DefaultPrefix = "tmplsync-repo-"

// ErrNotEmpty is wrapped by CloneError when the workspace already has content
var ErrNotEmpty = errors.New("workspace is not empty")

// CloneError reports a failed clone. URL never carries credentials.
type CloneError struct {
	URL string
	Err error
}

func (e *CloneError) Error() string {
	return fmt.Sprintf("clone %s: %v", e.URL, e.Err)
}

func (e *CloneError) Unwrap() error {
	return e.Err
}

// Manager hands out workspaces and populates them through a git.Client
type Manager struct {
	client  git.Client
	baseDir string
	prefix  string
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures a Manager
type Option func(*Manager)

// WithBaseDir sets the parent directory for workspaces. Empty means
// os.TempDir.
func WithBaseDir(dir string) Option {
	return func(m *Manager) { m.baseDir = dir }
}

// WithPrefix sets the directory name prefix
func WithPrefix(prefix string) Option {
	return func(m *Manager) { m.prefix = prefix }
}

// WithCloneTimeout bounds every clone. Zero disables the timeout.
func WithCloneTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// New creates a Manager that clones with client
func New(client git.Client, opts ...Option) *Manager {
	m := &Manager{
		client: client,
		prefix: DefaultPrefix,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Workspace is a temporary directory owned by a single repository run
type Workspace struct {
	root   string
	logger *slog.Logger

	once sync.Once
	err  error
}

// Root returns the absolute path of the workspace directory
func (w *Workspace) Root() string {
	return w.root
}

// Release removes the workspace directory and everything below it. It is
// safe to call more than once.
func (w *Workspace) Release() error {
	w.once.Do(func() {
		if err := os.RemoveAll(w.root); err != nil {
			w.err = fmt.Errorf("failed to remove workspace %s: %w", w.root, err)
			return
		}
		w.logger.Debug("workspace released", "path", w.root)
	})
	return w.err
}

// Acquire creates a new, uniquely named, empty directory. Callers must defer
// Release.
func (m *Manager) Acquire() (*Workspace, error) {
	if m.baseDir != "" {
		if err := os.MkdirAll(m.baseDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create workspace base directory: %w", err)
		}
	}

	root, err := os.MkdirTemp(m.baseDir, m.prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	m.logger.Debug("workspace acquired", "path", root)
	return &Workspace{root: root, logger: m.logger}, nil
}

// Clone populates ws with the default branch of url. Every failure is
// returned as a *CloneError.
func (m *Manager) Clone(ctx context.Context, ws *Workspace, url string) (git.Repository, error) {
	redacted := credential.Redact(url)

	entries, err := os.ReadDir(ws.root)
	if err != nil {
		return nil, &CloneError{URL: redacted, Err: err}
	}
	if len(entries) > 0 {
		return nil, &CloneError{URL: redacted, Err: ErrNotEmpty}
	}

	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	m.logger.Info("cloning repository", "repo", redacted, "dest", ws.root)
	repo, err := m.client.Clone(ctx, url, ws.root)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = fmt.Errorf("%w: %w", ctxErr, err)
		}
		return nil, &CloneError{URL: redacted, Err: err}
	}

	if head, err := repo.Head(ctx); err == nil {
		m.logger.Debug("repository cloned", "repo", redacted, "commit", head)
	}
	return repo, nil
}
