//go:build integration

package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/schaermu/tmplsync/internal/testutil"
)

const defaultTimeout = 5 * time.Minute

// Harness builds the tmplsync binary once and runs it against bare git
// remotes created under a per-test directory.
type Harness struct {
	t       *testing.T
	binary  string
	dir     string
	keepDir bool
}

// NewHarness creates a new test harness
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not found in PATH")
	}

	keep := os.Getenv("INTEGRATION_KEEP_DIR") == "1"
	dir, err := os.MkdirTemp("", "tmplsync-integration-")
	if err != nil {
		t.Fatalf("create work dir: %v", err)
	}

	return &Harness{t: t, dir: dir, keepDir: keep}
}

// BuildBinary compiles cmd/tmplsync into the harness directory
func (h *Harness) BuildBinary(ctx context.Context) error {
	h.t.Helper()

	projectRoot, err := testutil.FindProjectRoot()
	if err != nil {
		return fmt.Errorf("get project root: %w", err)
	}

	h.binary = filepath.Join(h.dir, "tmplsync")
	h.t.Logf("Building %s", h.binary)

	cmd := exec.CommandContext(ctx, "go", "build", "-o", h.binary, "./cmd/tmplsync")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: h.t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[build] "}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go build: %w", err)
	}
	return nil
}

// Cleanup removes the harness directory
func (h *Harness) Cleanup() {
	h.t.Helper()
	if h.keepDir && h.t.Failed() {
		h.t.Logf("Test failed and INTEGRATION_KEEP_DIR=1, keeping %s", h.dir)
		return
	}
	if err := os.RemoveAll(h.dir); err != nil {
		h.t.Logf("Warning: failed to remove %s: %v", h.dir, err)
	}
}

// Path returns an absolute path inside the harness directory
func (h *Harness) Path(elem ...string) string {
	return filepath.Join(append([]string{h.dir}, elem...)...)
}

// Run executes tmplsync with args and returns its output and exit code
func (h *Harness) Run(ctx context.Context, args ...string) (string, string, int) {
	h.t.Helper()

	cmd := exec.CommandContext(ctx, h.binary, args...)
	cmd.Env = append(os.Environ(), "HOME="+h.dir, "TMPLSYNC_TOKEN=", "TMPLSYNC_CONFIG=")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			h.t.Fatalf("run tmplsync: %v", err)
		}
		exitCode = exitErr.ExitCode()
	}
	return stdout.String(), stderr.String(), exitCode
}

// Git runs git and fails the test on a non-zero exit
func (h *Harness) Git(ctx context.Context, args ...string) string {
	h.t.Helper()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=Test User", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=Test User", "GIT_COMMITTER_EMAIL=test@example.com",
		"GIT_TERMINAL_PROMPT=0")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		h.t.Fatalf("git %s: %v\nstderr: %s", strings.Join(args, " "), err, stderr.String())
	}
	return strings.TrimSpace(stdout.String())
}

// NewRemote creates a bare repository whose main branch holds files
func (h *Harness) NewRemote(ctx context.Context, name string, files map[string]string) string {
	h.t.Helper()

	bare := h.Path("remotes", name+".git")
	seed := h.Path("seed", name)

	h.Git(ctx, "init", "--quiet", "--bare", "-b", "main", bare)
	h.Git(ctx, "init", "--quiet", "-b", "main", seed)
	testutil.WriteFiles(h.t, seed, files)
	h.Git(ctx, "-C", seed, "add", "--all")
	h.Git(ctx, "-C", seed, "commit", "--quiet", "-m", "Initial commit")
	h.Git(ctx, "-C", seed, "push", "--quiet", bare, "main")
	return bare
}

// BranchExists reports whether branch exists in the bare remote
func (h *Harness) BranchExists(ctx context.Context, remote, branch string) bool {
	h.t.Helper()
	out := h.Git(ctx, "-C", remote, "branch", "--list", branch)
	return out != ""
}

// ShowFile returns the content of path on branch in the bare remote
func (h *Harness) ShowFile(ctx context.Context, remote, branch, path string) string {
	h.t.Helper()
	cmd := exec.CommandContext(ctx, "git", "-C", remote, "show", branch+":"+path)
	out, err := cmd.Output()
	if err != nil {
		h.t.Fatalf("git show %s:%s: %v", branch, path, err)
	}
	return string(out)
}

// WriteTemplate writes files into a fresh template directory
func (h *Harness) WriteTemplate(name string, files map[string]string) string {
	h.t.Helper()
	dir := h.Path("templates", name)
	testutil.WriteFiles(h.t, dir, files)
	return dir
}

// WriteConfig writes content to a config file and returns its path
func (h *Harness) WriteConfig(name, content string) string {
	h.t.Helper()
	path := h.Path("config", name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		h.t.Fatalf("mkdir config: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		h.t.Fatalf("write config: %v", err)
	}
	return path
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)
