// Package metrics exposes mnemos counters to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bdobrica/mnemos/internal/mnemos/memory"
)

// CacheSource is anything that reports cache counters; memory.Manager does.
type CacheSource interface {
	CacheMetrics() memory.CacheMetrics
}

// Metrics holds the Prometheus collectors for one process.
type Metrics struct {
	JobDuration    *prometheus.HistogramVec
	JobFailures    *prometheus.CounterVec
	JobLastSuccess *prometheus.GaugeVec

	PrunedRecords    prometheus.Counter
	RotatedSnapshots prometheus.Counter
}

// New registers every collector on reg. Cache figures are pulled from cache
// at scrape time.
func New(reg prometheus.Registerer, cache CacheSource) *Metrics {
	f := promauto.With(reg)

	m := &Metrics{
		JobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mnemos_job_duration_seconds",
			Help:    "Duration of scheduled backup and maintenance runs",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"job"}),

		JobFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mnemos_job_failures_total",
			Help: "Scheduled runs that returned an error",
		}, []string{"job"}),

		JobLastSuccess: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mnemos_job_last_success_timestamp_seconds",
			Help: "Unix time of the last successful run",
		}, []string{"job"}),

		PrunedRecords: f.NewCounter(prometheus.CounterOpts{
			Name: "mnemos_pruned_records_total",
			Help: "Memory records removed by retention pruning",
		}),

		RotatedSnapshots: f.NewCounter(prometheus.CounterOpts{
			Name: "mnemos_backup_snapshots_rotated_total",
			Help: "Backup snapshots deleted by rotation",
		}),
	}

	if cache != nil {
		f.NewCounterFunc(prometheus.CounterOpts{
			Name: "mnemos_cache_hits_total",
			Help: "Cache lookups that found an entry",
		}, func() float64 { return float64(cache.CacheMetrics().Hits) })
		f.NewCounterFunc(prometheus.CounterOpts{
			Name: "mnemos_cache_misses_total",
			Help: "Cache lookups that found nothing",
		}, func() float64 { return float64(cache.CacheMetrics().Misses) })
		f.NewCounterFunc(prometheus.CounterOpts{
			Name: "mnemos_cache_evictions_total",
			Help: "Entries evicted to make room",
		}, func() float64 { return float64(cache.CacheMetrics().Evictions) })
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "mnemos_cache_entries",
			Help: "Entries currently cached",
		}, func() float64 { return float64(cache.CacheMetrics().Size) })
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "mnemos_cache_hit_ratio",
			Help: "hits / (hits + misses), 0 before the first lookup",
		}, func() float64 { return cache.CacheMetrics().HitRatio })
	}

	return m
}

// ObserveJob records one scheduled run.
func (m *Metrics) ObserveJob(job string, started time.Time, d time.Duration, err error) {
	m.JobDuration.WithLabelValues(job).Observe(d.Seconds())
	if err != nil {
		m.JobFailures.WithLabelValues(job).Inc()
		return
	}
	m.JobLastSuccess.WithLabelValues(job).Set(float64(started.Add(d).Unix()))
}

// AddPruned counts records removed by pruning.
func (m *Metrics) AddPruned(n int) {
	if n > 0 {
		m.PrunedRecords.Add(float64(n))
	}
}

// AddRotated counts snapshots removed by rotation.
func (m *Metrics) AddRotated(n int) {
	if n > 0 {
		m.RotatedSnapshots.Add(float64(n))
	}
}
