package git

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	gogit "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/schaermu/tmplsync/internal/credential"
)

// GoGitClient implements Client in-process with go-git
type GoGitClient struct{}

// NewGoGitClient creates a new go-git backed client
func NewGoGitClient() *GoGitClient {
	return &GoGitClient{}
}

// Clone clones the default branch of url into dest
func (c *GoGitClient) Clone(ctx context.Context, url, dest string) (Repository, error) {
	opts := &gogit.CloneOptions{URL: url}
	if auth := basicAuth(url); auth != nil {
		opts.Auth = auth
	}

	repo, err := gogit.PlainCloneContext(ctx, dest, false, opts)
	if err != nil {
		return nil, fmt.Errorf("cloning repository: %w", err)
	}
	return &goGitRepository{root: dest, repo: repo}, nil
}

type goGitRepository struct {
	root string
	repo *gogit.Repository
}

func (r *goGitRepository) Root() string { return r.root }

func (r *goGitRepository) Head(_ context.Context) (string, error) {
	head, err := r.repo.Head()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoHead, err)
	}
	return head.Hash().String(), nil
}

func (r *goGitRepository) Stage(_ context.Context, paths []string) (int, error) {
	if len(paths) == 0 {
		return 0, nil
	}

	worktree, err := r.repo.Worktree()
	if err != nil {
		return 0, fmt.Errorf("getting worktree: %w", err)
	}

	// An explicit path with SkipStatus is added even when it is ignored.
	for _, path := range paths {
		if err := worktree.AddWithOptions(&gogit.AddOptions{Path: filepath.FromSlash(path), SkipStatus: true}); err != nil {
			return 0, fmt.Errorf("staging %s: %w", path, err)
		}
	}

	status, err := worktree.Status()
	if err != nil {
		return 0, fmt.Errorf("getting worktree status: %w", err)
	}

	staged := 0
	for _, path := range paths {
		if st, ok := status[path]; ok && st.Staging == gogit.Added {
			staged++
		}
	}
	return staged, nil
}

func (r *goGitRepository) Commit(_ context.Context, branch, message string, author Signature) (string, error) {
	head, err := r.repo.Head()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoHead, err)
	}

	// Point branch at the current tip and switch to it without touching the
	// index, so the commit below lands on branch with HEAD as its parent.
	refName := plumbing.ReferenceName(fullBranch(branch))
	if err := r.repo.Storer.SetReference(plumbing.NewHashReference(refName, head.Hash())); err != nil {
		return "", fmt.Errorf("setting branch reference: %w", err)
	}

	worktree, err := r.repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("getting worktree: %w", err)
	}
	if err := worktree.Checkout(&gogit.CheckoutOptions{Branch: refName, Keep: true}); err != nil {
		return "", fmt.Errorf("checking out branch: %w", err)
	}

	sig := &object.Signature{Name: author.Name, Email: author.Email, When: author.when()}
	hash, err := worktree.Commit(message, &gogit.CommitOptions{
		Author:            sig,
		Committer:         sig,
		AllowEmptyCommits: true,
	})
	if err != nil {
		return "", fmt.Errorf("committing: %w", err)
	}
	return hash.String(), nil
}

func (r *goGitRepository) Push(ctx context.Context, remote, branch string, force bool) error {
	rem, err := r.repo.Remote(remote)
	if err != nil {
		return fmt.Errorf("getting remote %s: %w", remote, err)
	}

	ref := fullBranch(branch)
	opts := &gogit.PushOptions{
		RemoteName: remote,
		RefSpecs:   []gitconfig.RefSpec{gitconfig.RefSpec(fmt.Sprintf("%s:%s", ref, ref))},
		Force:      force,
	}
	if urls := rem.Config().URLs; len(urls) > 0 {
		if auth := basicAuth(urls[0]); auth != nil {
			opts.Auth = auth
		}
	}

	if err := r.repo.PushContext(ctx, opts); err != nil {
		if errors.Is(err, gogit.NoErrAlreadyUpToDate) {
			return nil
		}
		return fmt.Errorf("pushing %s: %w", ref, err)
	}
	return nil
}

// basicAuth resolves HTTP basic credentials from the user-info of url. It
// returns nil when the URL carries none.
func basicAuth(url string) *githttp.BasicAuth {
	user, password := credential.UserPassword(url)
	if user == "" {
		return nil
	}
	return &githttp.BasicAuth{Username: user, Password: password}
}
