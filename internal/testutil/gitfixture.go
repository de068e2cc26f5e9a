package testutil

import (
	"errors"
	"testing"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// DefaultBranch is the branch fixture remotes are initialised on
const DefaultBranch = "main"

var fixtureSignature = object.Signature{
	Name:  "Fixture",
	Email: "fixture@example.com",
	When:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
}

// NewRemote creates a non-bare repository on DefaultBranch whose single
// commit holds files, and returns its path for use as a clone URL.
func NewRemote(t testing.TB, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()

	repo, err := gogit.PlainInitWithOptions(dir, &gogit.PlainInitOptions{
		InitOptions: gogit.InitOptions{DefaultBranch: plumbing.NewBranchReferenceName(DefaultBranch)},
	})
	if err != nil {
		t.Fatalf("init remote: %v", err)
	}

	WriteFiles(t, dir, files)

	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("worktree: %v", err)
	}
	for name := range files {
		if _, err := wt.Add(name); err != nil {
			t.Fatalf("add %s: %v", name, err)
		}
	}
	sig := fixtureSignature
	if _, err := wt.Commit("Initial commit", &gogit.CommitOptions{
		Author:            &sig,
		Committer:         &sig,
		AllowEmptyCommits: true,
	}); err != nil {
		t.Fatalf("initial commit: %v", err)
	}
	return dir
}

// CommitFiles writes files into the remote at path and commits them on its
// checked out branch.
func CommitFiles(t testing.TB, path string, files map[string]string) {
	t.Helper()
	repo, err := gogit.PlainOpen(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("worktree: %v", err)
	}

	WriteFiles(t, path, files)
	for name := range files {
		if _, err := wt.Add(name); err != nil {
			t.Fatalf("add %s: %v", name, err)
		}
	}
	sig := fixtureSignature
	if _, err := wt.Commit("Update fixture", &gogit.CommitOptions{Author: &sig, Committer: &sig}); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

// NewEmptyRemote creates a repository without any commits. Cloning it fails.
func NewEmptyRemote(t testing.TB) string {
	t.Helper()
	dir := t.TempDir()
	if _, err := gogit.PlainInit(dir, false); err != nil {
		t.Fatalf("init empty remote: %v", err)
	}
	return dir
}

// BranchCommit returns the tip of branch in the repository at path, or nil
// when the branch does not exist.
func BranchCommit(t testing.TB, path, branch string) *object.Commit {
	t.Helper()
	repo, err := gogit.PlainOpen(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil
	}
	if err != nil {
		t.Fatalf("resolve %s: %v", branch, err)
	}

	commit, err := repo.CommitObject(ref.Hash())
	if err != nil {
		t.Fatalf("commit %s: %v", ref.Hash(), err)
	}
	return commit
}

// BranchFiles returns the files recorded in the tip of branch keyed by path
func BranchFiles(t testing.TB, path, branch string) map[string]string {
	t.Helper()
	commit := BranchCommit(t, path, branch)
	if commit == nil {
		t.Fatalf("branch %s not found in %s", branch, path)
	}

	files := make(map[string]string)
	iter, err := commit.Files()
	if err != nil {
		t.Fatalf("files of %s: %v", commit.Hash, err)
	}
	err = iter.ForEach(func(f *object.File) error {
		content, err := f.Contents()
		if err != nil {
			return err
		}
		files[f.Name] = content
		return nil
	})
	if err != nil {
		t.Fatalf("reading tree of %s: %v", commit.Hash, err)
	}
	return files
}
