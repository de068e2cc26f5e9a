package sync

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Repository outcome label values
const (
	resultSuccess = "success"
	resultNoOp    = "noop"
	resultDryRun  = "dry_run"
	resultFailed  = "failed"
	resultSkipped = "skipped"
)

// metrics holds the per-engine collectors. Each engine owns its registry so
// that several engines can coexist in one process.
type metrics struct {
	registry     *prometheus.Registry
	repositories *prometheus.CounterVec
	files        prometheus.Counter
	duration     *prometheus.HistogramVec
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &metrics{
		registry: reg,
		repositories: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tmplsync_repositories_total",
				Help: "Repositories processed, by result",
			},
			[]string{"result"},
		),
		files: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "tmplsync_files_propagated_total",
				Help: "Template files copied into repositories",
			},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tmplsync_repository_duration_seconds",
				Help:    "Time spent per pipeline stage",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
			},
			[]string{"stage"},
		),
	}
}

func (m *metrics) observe(stage Stage, start time.Time) {
	m.duration.WithLabelValues(string(stage)).Observe(time.Since(start).Seconds())
}

func (m *metrics) record(res *RepoResult, dryRun bool) {
	result := resultSuccess
	switch {
	case res.Failed():
		result = resultFailed
	case res.Stage == StageSkipped:
		result = resultSkipped
	case dryRun:
		result = resultDryRun
	case res.Commit != nil && res.Commit.NoOp:
		result = resultNoOp
	}
	m.repositories.WithLabelValues(result).Inc()
	m.files.Add(float64(len(res.Copied)))
}
