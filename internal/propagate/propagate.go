// Package propagate copies template-only files into a repository working tree.
package propagate

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/schaermu/tmplsync/internal/treediff"
)

// ErrExists is returned when a destination path appeared after the diff was
// taken. Existing files are never replaced.
var ErrExists = errors.New("destination already exists")

// link is replaced in tests to simulate filesystems without hard links
var link = os.Link

// Error reports the first file that could not be propagated. Copied lists
// the files written before the failure.
type Error struct {
	Path   string
	Copied []string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("propagate %s (after %d copied): %v", e.Path, len(e.Copied), e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Propagate copies every TemplateOnly entry from templateRoot to the same
// relative path under workspaceRoot and returns the copied paths. Other
// entries are ignored.
func Propagate(entries []treediff.Entry, templateRoot, workspaceRoot string) ([]string, error) {
	copied := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Kind != treediff.TemplateOnly {
			continue
		}

		src := filepath.Join(templateRoot, filepath.FromSlash(e.Path))
		dst := filepath.Join(workspaceRoot, filepath.FromSlash(e.Path))
		if err := copyEntry(src, dst); err != nil {
			return copied, &Error{Path: e.Path, Copied: copied, Err: err}
		}
		copied = append(copied, e.Path)
	}
	return copied, nil
}

func copyEntry(src, dst string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return err
	}

	if _, err := os.Lstat(dst); err == nil {
		return ErrExists
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	if info.Mode()&fs.ModeSymlink != 0 {
		target, err := os.Readlink(src)
		if err != nil {
			return err
		}
		return os.Symlink(target, dst)
	}
	return copyFile(src, dst, info.Mode().Perm())
}

// copyFile writes src to a temporary file in the destination directory and
// links it into place, so dst is either absent or complete. Where hard links
// are unsupported it falls back to an exclusive create.
func copyFile(src, dst string, perm fs.FileMode) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = srcFile.Close()
	}()

	tmpFile, err := os.CreateTemp(filepath.Dir(dst), ".tmplsync-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := io.Copy(tmpFile, srcFile); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(perm); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}

	// Link fails if dst was created in the meantime; Rename would replace it.
	err = link(tmpPath, dst)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fs.ErrExist):
		return ErrExists
	default:
		return copyExclusive(tmpPath, dst, perm)
	}
}

// copyExclusive copies src to dst, failing with ErrExists when dst exists
func copyExclusive(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = in.Close()
	}()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if errors.Is(err, fs.ErrExist) {
		return ErrExists
	}
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return err
	}
	// The umask applies to OpenFile.
	if err := out.Chmod(perm); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return err
	}
	return out.Close()
}
