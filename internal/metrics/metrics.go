// internal/metrics/metrics.go
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "repo_pulse"

// Sync holds the collectors updated by sync runs. A nil *Sync is valid and
// records nothing.
type Sync struct {
	commitsProcessed *prometheus.CounterVec
	commitsCreated   *prometheus.CounterVec
	repositories     *prometheus.CounterVec
	runs             *prometheus.CounterVec
	runDuration      *prometheus.HistogramVec
	lockSkips        *prometheus.CounterVec
	rollupRows       prometheus.Counter
}

// NewSync registers the sync collectors on reg.
func NewSync(reg prometheus.Registerer) *Sync {
	f := promauto.With(reg)
	return &Sync{
		commitsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "commits_processed_total",
			Help:      "Commits read from a provider and written to storage.",
		}, []string{"provider"}),
		commitsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "commits_created_total",
			Help:      "Commits stored for the first time and added to rollups.",
		}, []string{"provider"}),
		repositories: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "repositories_total",
			Help:      "Repositories synced, by outcome (ok, partial, failed).",
		}, []string{"provider", "outcome"}),
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "runs_total",
			Help:      "Sync runs by final status.",
		}, []string{"kind", "status"}),
		runDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "run_duration_seconds",
			Help:      "Wall time of sync runs.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"kind"}),
		lockSkips: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "lock_skips_total",
			Help:      "Sync requests skipped because the lock was held.",
		}, []string{"lock"}),
		rollupRows: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rollup",
			Name:      "rows_flushed_total",
			Help:      "Pre-merged rollup rows written by ledger flushes.",
		}),
	}
}

func (s *Sync) CommitProcessed(provider string, created bool) {
	if s == nil {
		return
	}
	s.commitsProcessed.WithLabelValues(provider).Inc()
	if created {
		s.commitsCreated.WithLabelValues(provider).Inc()
	}
}

func (s *Sync) RepositorySynced(provider, outcome string) {
	if s == nil {
		return
	}
	s.repositories.WithLabelValues(provider, outcome).Inc()
}

func (s *Sync) RunFinished(kind, status string, elapsed time.Duration) {
	if s == nil {
		return
	}
	s.runs.WithLabelValues(kind, status).Inc()
	s.runDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

func (s *Sync) LockSkipped(lock string) {
	if s == nil {
		return
	}
	s.lockSkips.WithLabelValues(lock).Inc()
}

func (s *Sync) RollupRowsFlushed(n int) {
	if s == nil || n <= 0 {
		return
	}
	s.rollupRows.Add(float64(n))
}
