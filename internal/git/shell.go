package git

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// ShellClient implements Client by shelling out to the git command
type ShellClient struct {
	bin string
}

// NewShellClient creates a new git client that uses the git command
func NewShellClient() *ShellClient {
	return &ShellClient{bin: "git"}
}

// Clone runs git clone into dest
func (c *ShellClient) Clone(ctx context.Context, url, dest string) (Repository, error) {
	cmd := exec.CommandContext(ctx, c.bin, "clone", "--quiet", "--", url, dest)
	if _, err := c.runCommand(cmd); err != nil {
		return nil, fmt.Errorf("git clone failed: %w", err)
	}

	// git clones empty repositories with a warning only.
	repo := &shellRepository{client: c, root: dest}
	if _, err := repo.Head(ctx); err != nil {
		return nil, fmt.Errorf("remote repository is empty: %w", err)
	}
	return repo, nil
}

type shellRepository struct {
	client *ShellClient
	root   string
}

func (r *shellRepository) Root() string { return r.root }

func (r *shellRepository) git(ctx context.Context, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, r.client.bin, append([]string{"-C", r.root}, args...)...)
}

func (r *shellRepository) Head(ctx context.Context) (string, error) {
	out, err := r.client.runCommand(r.git(ctx, "rev-parse", "--verify", "HEAD"))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoHead, err)
	}
	return strings.TrimSpace(out), nil
}

func (r *shellRepository) Stage(ctx context.Context, paths []string) (int, error) {
	if len(paths) == 0 {
		return 0, nil
	}

	// -f stages paths matched by .gitignore too.
	args := append([]string{"add", "-f", "--"}, paths...)
	if _, err := r.client.runCommand(r.git(ctx, args...)); err != nil {
		return 0, fmt.Errorf("git add failed: %w", err)
	}

	args = append([]string{"diff", "--cached", "--name-only", "--diff-filter=A", "-z", "--"}, paths...)
	out, err := r.client.runCommand(r.git(ctx, args...))
	if err != nil {
		return 0, fmt.Errorf("git diff failed: %w", err)
	}

	staged := 0
	for _, p := range strings.Split(out, "\x00") {
		if p != "" {
			staged++
		}
	}
	return staged, nil
}

func (r *shellRepository) Commit(ctx context.Context, branch, message string, author Signature) (string, error) {
	if _, err := r.Head(ctx); err != nil {
		return "", err
	}

	// checkout -B without a start point resets branch to HEAD and keeps the
	// index and working tree as they are.
	if _, err := r.client.runCommand(r.git(ctx, "checkout", "--quiet", "-B", shortBranch(branch))); err != nil {
		return "", fmt.Errorf("git checkout failed: %w", err)
	}

	cmd := r.git(ctx, "commit", "--quiet", "--allow-empty", "--no-verify", "-m", message)
	cmd.Args = insertGitFlags(cmd.Args,
		"-c", "user.name="+author.Name,
		"-c", "user.email="+author.Email,
		"-c", "commit.gpgsign=false",
	)
	date := author.when().Format(time.RFC3339)
	cmd.Env = append(os.Environ(), "GIT_AUTHOR_DATE="+date, "GIT_COMMITTER_DATE="+date)
	if _, err := r.client.runCommand(cmd); err != nil {
		return "", fmt.Errorf("git commit failed: %w", err)
	}

	return r.Head(ctx)
}

func (r *shellRepository) Push(ctx context.Context, remote, branch string, force bool) error {
	ref := fullBranch(branch)
	args := []string{"push", "--quiet"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, remote, ref+":"+ref)

	if _, err := r.client.runCommand(r.git(ctx, args...)); err != nil {
		return fmt.Errorf("git push failed: %w", err)
	}
	return nil
}

// insertGitFlags inserts flags immediately after the "git" command name,
// before the subcommand (e.g. "clone", "fetch").
func insertGitFlags(args []string, flags ...string) []string {
	if len(args) == 0 {
		return flags
	}
	result := make([]string, 0, len(args)+len(flags))
	result = append(result, args[0])
	result = append(result, flags...)
	result = append(result, args[1:]...)
	return result
}

var userInfoPattern = regexp.MustCompile(`://[^/@\s]+@`)

// scrubCredentials masks user-info in any URL that git echoes back
func scrubCredentials(s string) string {
	return userInfoPattern.ReplaceAllString(s, "://redacted@")
}

// runCommand executes a command and returns its stdout, or an error carrying
// stderr on failure. Git never prompts for credentials.
func (c *ShellClient) runCommand(cmd *exec.Cmd) (string, error) {
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	cmd.Env = append(cmd.Env, "GIT_TERMINAL_PROMPT=0")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%w: %s", err, scrubCredentials(strings.TrimSpace(stderr.String())))
	}
	return stdout.String(), nil
}
