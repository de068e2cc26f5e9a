package sync

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/schaermu/tmplsync/internal/treediff"
	"github.com/schaermu/tmplsync/internal/workflow"
)

// Stage names the pipeline step a repository reached
type Stage string

const (
	StageInject    Stage = "inject"
	StageWorkspace Stage = "workspace"
	StageClone     Stage = "clone"
	StageDiff      Stage = "diff"
	StagePropagate Stage = "propagate"
	StageCommit    Stage = "commit"
	StagePush      Stage = "push"
	StageDone      Stage = "done"
	StageSkipped   Stage = "skipped"
)

// Report summarises one sync run
type Report struct {
	StartedAt    time.Time    `json:"started_at"`
	FinishedAt   time.Time    `json:"finished_at"`
	DryRun       bool         `json:"dry_run"`
	Repositories []RepoResult `json:"repositories"`
}

// RepoResult is the outcome for one repository of one entry. Stage is the
// last stage reached: StageDone on success, otherwise the stage that failed.
type RepoResult struct {
	Template string           `json:"template"`
	Repo     string           `json:"repo"` // credentials redacted
	Stage    Stage            `json:"stage"`
	Summary  treediff.Summary `json:"summary"`
	Missing  []string         `json:"missing,omitempty"` // dry run only
	Copied   []string         `json:"copied,omitempty"`
	Commit   *workflow.Result `json:"commit,omitempty"`
	Error    string           `json:"error,omitempty"`
	Duration time.Duration    `json:"duration_ns"`

	err error
}

// Failed reports whether processing of the repository failed
func (r *RepoResult) Failed() bool {
	return r.err != nil
}

// Err returns the error that stopped processing, if any
func (r *RepoResult) Err() error {
	return r.err
}

func (r *RepoResult) fail(stage Stage, err error) {
	r.Stage = stage
	r.err = err
	r.Error = err.Error()
}

// Counts holds repository totals of a report
type Counts struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Files     int `json:"files"`
}

// Counts tallies repositories by outcome
func (r *Report) Counts() Counts {
	var c Counts
	for i := range r.Repositories {
		res := &r.Repositories[i]
		switch {
		case res.Failed():
			c.Failed++
		case res.Stage == StageSkipped:
			c.Skipped++
		default:
			c.Succeeded++
		}
		c.Files += len(res.Copied)
	}
	return c
}

// WriteFile persists the report as indented JSON, replacing path atomically
func (r *Report) WriteFile(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmplsync-report-*")
	if err != nil {
		return fmt.Errorf("failed to create report: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return os.Rename(tmpPath, path)
}
