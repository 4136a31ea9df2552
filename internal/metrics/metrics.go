// Package metrics exports routing activity to Prometheus.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/JonMunkholm/csvrouter/internal/core"
	"github.com/JonMunkholm/csvrouter/internal/route"
)

const namespace = "csvrouter"

// Collector counts records, groups, cleanups and runs. It implements
// route.Observer for the per-record path and core.Recorder for run
// outcomes.
type Collector struct {
	recordsRouted   prometheus.Counter
	groupsOpened    prometheus.Counter
	groupsFinished  *prometheus.CounterVec
	groupRows       prometheus.Histogram
	groupDuration   prometheus.Histogram
	cleanups        *prometheus.CounterVec
	objectsDeleted  prometheus.Counter
	cleanupDuration prometheus.Histogram
	runsInFlight    prometheus.Gauge
	runsFinished    *prometheus.CounterVec
	runDuration     prometheus.Histogram
}

var (
	_ route.Observer = (*Collector)(nil)
	_ core.Recorder  = (*Collector)(nil)
)

// New creates a Collector and registers its metrics with reg.
func New(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		recordsRouted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_routed_total",
			Help:      "Records assigned to a group.",
		}),
		groupsOpened: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "groups_opened_total",
			Help:      "Group outputs opened.",
		}),
		groupsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "groups_finished_total",
			Help:      "Group outputs finished, by final state.",
		}, []string{"state"}),
		groupRows: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "group_rows",
			Help:      "Rows written per group output.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10), // 1 to ~262k
		}),
		groupDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "group_duration_seconds",
			Help:      "Time from group creation to commit or failure.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~163s
		}),
		cleanups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "partition_cleanups_total",
			Help:      "Partition cleanups, by result.",
		}, []string{"result"}),
		objectsDeleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_objects_deleted_total",
			Help:      "Objects removed by partition cleanups.",
		}),
		cleanupDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cleanup_duration_seconds",
			Help:      "Partition cleanup latency.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		runsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_in_flight",
			Help:      "Runs started and not yet finished.",
		}),
		runsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Finished runs, by phase and error code.",
		}, []string{"phase", "code"}),
		runDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Run wall time.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68min
		}),
	}
}

func (c *Collector) RecordRouted() { c.recordsRouted.Inc() }

func (c *Collector) GroupOpened() { c.groupsOpened.Inc() }

func (c *Collector) GroupFinished(state route.GroupState, rows int, elapsed time.Duration) {
	c.groupsFinished.WithLabelValues(state.String()).Inc()
	c.groupRows.Observe(float64(rows))
	c.groupDuration.Observe(elapsed.Seconds())
}

func (c *Collector) PartitionCleaned(deleted int, err error, elapsed time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.cleanups.WithLabelValues(result).Inc()
	c.objectsDeleted.Add(float64(deleted))
	c.cleanupDuration.Observe(elapsed.Seconds())
}

func (c *Collector) RecordStart(context.Context, core.RunInfo) error {
	c.runsInFlight.Inc()
	return nil
}

func (c *Collector) RecordFinish(_ context.Context, r *core.RunResult) error {
	c.runsInFlight.Dec()
	code := r.ErrorCode
	if code == "" {
		code = "none"
	}
	c.runsFinished.WithLabelValues(string(r.Phase), code).Inc()
	c.runDuration.Observe(r.Duration.Seconds())
	return nil
}
