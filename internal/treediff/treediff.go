// Package treediff classifies the files of a template tree against a
// repository working tree by presence only. File contents are never read.
package treediff

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// Kind tells on which side of a diff a path exists
type Kind int

const (
	// TemplateOnly paths exist in the template but not in the repository.
	TemplateOnly Kind = iota
	// RepoOnly paths exist in the repository but not in the template.
	RepoOnly
	// Common paths exist on both sides, whatever their content.
	Common
)

func (k Kind) String() string {
	switch k {
	case TemplateOnly:
		return "template-only"
	case RepoOnly:
		return "repo-only"
	case Common:
		return "common"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// MarshalText encodes the kind by name
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// SymlinkPolicy controls how symbolic links are classified
type SymlinkPolicy int

const (
	// SymlinksAsFiles classifies a symlink by presence like a regular file.
	// Links are never followed.
	SymlinksAsFiles SymlinkPolicy = iota
	// SymlinksSkip leaves symlinks out of the diff on both sides.
	SymlinksSkip
)

// DefaultExcludePattern excludes git metadata
const DefaultExcludePattern = `\.git$`

// Entry is one classified relative path. Path is slash-separated.
type Entry struct {
	Kind Kind   `json:"kind"`
	Path string `json:"path"`
}

// Options tune Diff
type Options struct {
	// Exclude drops every path with a component matched by any pattern.
	// Excluded directories are not descended into.
	Exclude  []*regexp.Regexp
	Symlinks SymlinkPolicy
}

// DefaultExclude returns the pattern set used when none is configured
func DefaultExclude() []*regexp.Regexp {
	return []*regexp.Regexp{regexp.MustCompile(DefaultExcludePattern)}
}

// CompileExcludes compiles configured exclusion patterns
func CompileExcludes(patterns []string) ([]*regexp.Regexp, error) {
	res := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid exclude pattern %q: %w", p, err)
		}
		res = append(res, re)
	}
	return res, nil
}

// Diff classifies every file below templateRoot and workspaceRoot. The result
// is sorted by path, but callers should not depend on the order.
func Diff(templateRoot, workspaceRoot string, opts Options) ([]Entry, error) {
	tmpl, err := collect(templateRoot, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to walk template %s: %w", templateRoot, err)
	}
	repo, err := collect(workspaceRoot, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to walk workspace %s: %w", workspaceRoot, err)
	}

	entries := make([]Entry, 0, len(tmpl)+len(repo))
	for p := range tmpl {
		if _, ok := repo[p]; ok {
			entries = append(entries, Entry{Kind: Common, Path: p})
		} else {
			entries = append(entries, Entry{Kind: TemplateOnly, Path: p})
		}
	}
	for p := range repo {
		if _, ok := tmpl[p]; !ok {
			entries = append(entries, Entry{Kind: RepoOnly, Path: p})
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

// collect returns the set of non-directory paths below root relative to it
func collect(root string, opts Options) (map[string]struct{}, error) {
	files := make(map[string]struct{})
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if excluded(rel, opts.Exclude) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		switch {
		case d.IsDir():
			return nil
		case d.Type()&fs.ModeSymlink != 0:
			if opts.Symlinks == SymlinksSkip {
				return nil
			}
		}

		files[rel] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// excluded reports whether any component of rel matches a pattern
func excluded(rel string, patterns []*regexp.Regexp) bool {
	if len(patterns) == 0 {
		return false
	}
	for _, part := range strings.Split(rel, "/") {
		for _, re := range patterns {
			if re.MatchString(part) {
				return true
			}
		}
	}
	return false
}

// Filter returns the paths of entries of the given kind
func Filter(entries []Entry, kind Kind) []string {
	var paths []string
	for _, e := range entries {
		if e.Kind == kind {
			paths = append(paths, e.Path)
		}
	}
	return paths
}

// Summary counts entries per kind
type Summary struct {
	TemplateOnly int `json:"template_only"`
	RepoOnly     int `json:"repo_only"`
	Common       int `json:"common"`
}

// Summarize counts entries per kind
func Summarize(entries []Entry) Summary {
	var s Summary
	for _, e := range entries {
		switch e.Kind {
		case TemplateOnly:
			s.TemplateOnly++
		case RepoOnly:
			s.RepoOnly++
		case Common:
			s.Common++
		}
	}
	return s
}
