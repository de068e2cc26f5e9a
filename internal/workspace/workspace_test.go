package workspace

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/schaermu/tmplsync/internal/git"
	"github.com/schaermu/tmplsync/internal/testutil"
)

// mockClient records clone calls and optionally blocks until canceled.
type mockClient struct {
	err   error
	block bool
	urls  []string
}

func (m *mockClient) Clone(ctx context.Context, url, dest string) (git.Repository, error) {
	m.urls = append(m.urls, url)
	if m.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if m.err != nil {
		return nil, m.err
	}
	return nil, errors.New("mock client cannot clone")
}

func acquire(t *testing.T, m *Manager) *Workspace {
	t.Helper()
	ws, err := m.Acquire()
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	return ws
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func TestAcquireRelease(t *testing.T) {
	base := t.TempDir()
	m := New(&mockClient{}, WithBaseDir(base))

	ws1 := acquire(t, m)
	ws2 := acquire(t, m)

	if ws1.Root() == ws2.Root() {
		t.Errorf("workspaces share root %s", ws1.Root())
	}
	if filepath.Dir(ws1.Root()) != base {
		t.Errorf("Root() = %s, want a child of %s", ws1.Root(), base)
	}
	if !strings.HasPrefix(filepath.Base(ws1.Root()), DefaultPrefix) {
		t.Errorf("Root() = %s, want prefix %s", ws1.Root(), DefaultPrefix)
	}

	entries, err := os.ReadDir(ws1.Root())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("new workspace holds %d entries", len(entries))
	}

	if err := os.WriteFile(filepath.Join(ws1.Root(), "file"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := ws1.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if dirExists(ws1.Root()) {
		t.Error("workspace still exists after Release()")
	}

	// Release is idempotent.
	if err := ws1.Release(); err != nil {
		t.Errorf("second Release() error = %v", err)
	}
	if !dirExists(ws2.Root()) {
		t.Error("releasing one workspace removed another")
	}
	if err := ws2.Release(); err != nil {
		t.Errorf("Release() error = %v", err)
	}
}

func TestAcquire_CustomPrefixAndMissingBase(t *testing.T) {
	base := filepath.Join(t.TempDir(), "nested", "work")
	m := New(&mockClient{}, WithBaseDir(base), WithPrefix("repo_"))

	ws := acquire(t, m)
	defer func() { _ = ws.Release() }()

	if !strings.HasPrefix(filepath.Base(ws.Root()), "repo_") {
		t.Errorf("Root() = %s, want prefix repo_", ws.Root())
	}
	if !dirExists(ws.Root()) {
		t.Errorf("workspace %s not created", ws.Root())
	}
}

func TestClone_RejectsNonEmptyWorkspace(t *testing.T) {
	client := &mockClient{}
	m := New(client, WithBaseDir(t.TempDir()))

	ws := acquire(t, m)
	defer func() { _ = ws.Release() }()
	if err := os.WriteFile(filepath.Join(ws.Root(), "stale"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := m.Clone(context.Background(), ws, "https://github.com/org/repo")
	var cloneErr *CloneError
	if !errors.As(err, &cloneErr) {
		t.Fatalf("Clone() error = %v, want *CloneError", err)
	}
	if !errors.Is(err, ErrNotEmpty) {
		t.Errorf("Clone() error = %v, want ErrNotEmpty", err)
	}
	if len(client.urls) != 0 {
		t.Errorf("client called for a dirty workspace: %v", client.urls)
	}
}

func TestClone_WrapsClientErrorAndRedacts(t *testing.T) {
	client := &mockClient{err: errors.New("authentication required")}
	m := New(client, WithBaseDir(t.TempDir()))

	ws := acquire(t, m)
	defer func() { _ = ws.Release() }()

	_, err := m.Clone(context.Background(), ws, "https://SECRET:@github.com/org/repo")
	var cloneErr *CloneError
	if !errors.As(err, &cloneErr) {
		t.Fatalf("Clone() error = %v, want *CloneError", err)
	}
	if cloneErr.URL != "https://redacted@github.com/org/repo" {
		t.Errorf("CloneError.URL = %q", cloneErr.URL)
	}
	if strings.Contains(err.Error(), "SECRET") {
		t.Errorf("error leaks token: %v", err)
	}
	if !strings.Contains(err.Error(), "authentication required") {
		t.Errorf("error lost cause: %v", err)
	}

	// The client still receives the credentialed URL.
	if diff := cmp.Diff([]string{"https://SECRET:@github.com/org/repo"}, client.urls); diff != "" {
		t.Errorf("cloned urls mismatch (-want +got):\n%s", diff)
	}
}

func TestClone_Timeout(t *testing.T) {
	m := New(&mockClient{block: true}, WithBaseDir(t.TempDir()), WithCloneTimeout(10*time.Millisecond))

	ws := acquire(t, m)
	defer func() { _ = ws.Release() }()

	_, err := m.Clone(context.Background(), ws, "https://github.com/org/repo")
	var cloneErr *CloneError
	if !errors.As(err, &cloneErr) {
		t.Fatalf("Clone() error = %v, want *CloneError", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Clone() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestClone_LocalRemote(t *testing.T) {
	files := map[string]string{"README.md": "hello\n", "a/b.txt": "b\n"}
	remote := testutil.NewRemote(t, files)
	m := New(git.NewGoGitClient(), WithBaseDir(t.TempDir()))

	ws := acquire(t, m)

	repo, err := m.Clone(context.Background(), ws, remote)
	if err != nil {
		t.Fatalf("Clone() error = %v", err)
	}
	if repo.Root() != ws.Root() {
		t.Errorf("repo.Root() = %s, want %s", repo.Root(), ws.Root())
	}
	if diff := cmp.Diff(files, testutil.ReadFiles(t, ws.Root())); diff != "" {
		t.Errorf("checkout mismatch (-want +got):\n%s", diff)
	}

	if err := ws.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if dirExists(ws.Root()) {
		t.Error("workspace still exists after Release()")
	}
}

func TestClone_EmptyRemoteFails(t *testing.T) {
	m := New(git.NewGoGitClient(), WithBaseDir(t.TempDir()))

	ws := acquire(t, m)
	defer func() { _ = ws.Release() }()

	_, err := m.Clone(context.Background(), ws, testutil.NewEmptyRemote(t))
	var cloneErr *CloneError
	if !errors.As(err, &cloneErr) {
		t.Errorf("Clone() error = %v, want *CloneError", err)
	}
}
