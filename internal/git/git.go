package git

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNoHead is returned by Commit when the repository has no branch tip to
// use as the parent of the new commit.
var ErrNoHead = errors.New("repository has no HEAD commit")

// Client clones remote repositories. Implementations must be safe for
// concurrent use by independent workers.
type Client interface {
	// Clone populates dest with the working tree and history of the remote's
	// default branch.
	Clone(ctx context.Context, url, dest string) (Repository, error)
}

// Repository is a handle to a cloned working copy
type Repository interface {
	// Root returns the absolute path of the working tree.
	Root() string
	// Head returns the commit hash HEAD points at.
	Head(ctx context.Context) (string, error)
	// Stage adds the given slash-separated paths to the index, including
	// paths matched by .gitignore, and returns how many of them are new
	// relative to HEAD. Other changes in the working tree are left alone.
	Stage(ctx context.Context, paths []string) (int, error)
	// Commit records the index as a commit whose sole parent is the current
	// HEAD commit and points branch at it.
	Commit(ctx context.Context, branch, message string, author Signature) (string, error)
	// Push sends branch to the identically named ref on remote, using the
	// credentials embedded in the remote URL.
	Push(ctx context.Context, remote, branch string, force bool) error
}

// Signature identifies the author and committer of generated commits
type Signature struct {
	Name  string
	Email string
	When  time.Time
}

func (s Signature) when() time.Time {
	if s.When.IsZero() {
		return time.Now()
	}
	return s.When
}

// Backend names accepted by NewClient
const (
	BackendGoGit = "go-git"
	BackendShell = "shell"
)

// NewClient returns the Client implementation registered under backend
func NewClient(backend string) (Client, error) {
	switch backend {
	case "", BackendGoGit:
		return NewGoGitClient(), nil
	case BackendShell:
		return NewShellClient(), nil
	default:
		return nil, fmt.Errorf("unknown git backend %q", backend)
	}
}

// shortBranch strips the refs/heads/ prefix
func shortBranch(branch string) string {
	return strings.TrimPrefix(branch, "refs/heads/")
}

// fullBranch qualifies a short branch name with refs/heads/
func fullBranch(branch string) string {
	if strings.HasPrefix(branch, "refs/") {
		return branch
	}
	return "refs/heads/" + branch
}
