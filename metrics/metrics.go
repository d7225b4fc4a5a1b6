// Package metrics defines the Prometheus instruments exposed by the engine.
// Construction is explicit against a Registerer so tests and embedders can
// scope collectors to their own registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	RecordsProcessed   *prometheus.CounterVec
	LateRecordsDropped *prometheus.CounterVec
	WindowsEmitted     *prometheus.CounterVec

	CheckpointCommits  prometheus.Counter
	CheckpointFailures prometheus.Counter

	ChangelogAppends prometheus.Counter

	RestoreRecords  prometheus.Counter
	RestoreDuration prometheus.Histogram
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RecordsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rivulet_records_processed_total",
			Help: "Input records processed, by source topic.",
		}, []string{"topic"}),
		LateRecordsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rivulet_late_records_dropped_total",
			Help: "Records dropped because their window already closed.",
		}, []string{"store"}),
		WindowsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rivulet_windows_emitted_total",
			Help: "Closed windows emitted downstream.",
		}, []string{"store"}),
		CheckpointCommits: factory.NewCounter(prometheus.CounterOpts{
			Name: "rivulet_checkpoint_commits_total",
			Help: "Successful checkpoint cycles.",
		}),
		CheckpointFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "rivulet_checkpoint_failures_total",
			Help: "Checkpoint cycles aborted without advancing offsets.",
		}),
		ChangelogAppends: factory.NewCounter(prometheus.CounterOpts{
			Name: "rivulet_changelog_appends_total",
			Help: "Mutations appended to changelog topics.",
		}),
		RestoreRecords: factory.NewCounter(prometheus.CounterOpts{
			Name: "rivulet_restore_records_total",
			Help: "Changelog records replayed into local stores.",
		}),
		RestoreDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rivulet_restore_duration_seconds",
			Help:    "Time spent restoring a store partition.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
	}
}

// Nop returns metrics backed by a throwaway registry.
func Nop() *Metrics {
	return New(prometheus.NewRegistry())
}
