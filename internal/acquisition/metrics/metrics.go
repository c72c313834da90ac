// Package metrics exposes prometheus instrumentation for the acquisition
// cycles.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	acquisition "solarsync/internal/acquisition/domain"
)

// Metrics bundles the acquisition collectors.
type Metrics struct {
	pagesFetched      *prometheus.CounterVec
	readingsCommitted *prometheus.CounterVec
	cycleDuration     *prometheus.HistogramVec
	cycleErrors       *prometheus.CounterVec
	lastCycleUnix     *prometheus.GaugeVec
}

// New registers the collectors on the default registry and returns them.
func New() *Metrics {
	m := &Metrics{
		pagesFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "solarsync_pages_fetched_total",
			Help: "Portal pages fetched per vendor and series.",
		}, []string{"vendor", "series"}),
		readingsCommitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "solarsync_readings_committed_total",
			Help: "Generation readings written to storage per vendor.",
		}, []string{"vendor"}),
		cycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "solarsync_cycle_duration_seconds",
			Help:    "Wall-clock duration of one vendor sync cycle.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"vendor", "series"}),
		cycleErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "solarsync_cycle_errors_total",
			Help: "Sync cycles that ended in error per vendor and series.",
		}, []string{"vendor", "series"}),
		lastCycleUnix: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "solarsync_last_cycle_timestamp_seconds",
			Help: "Unix time of the last completed sync cycle per vendor and series.",
		}, []string{"vendor", "series"}),
	}
	prometheus.MustRegister(
		m.pagesFetched,
		m.readingsCommitted,
		m.cycleDuration,
		m.cycleErrors,
		m.lastCycleUnix,
	)
	return m
}

func seriesLabel(kind acquisition.SeriesKind) string {
	if kind == acquisition.SeriesComplete {
		return "complete"
	}
	return "daily"
}

// PageFetched counts pages fetched during a plant walk.
func (m *Metrics) PageFetched(vendor string, kind acquisition.SeriesKind, pages int) {
	m.pagesFetched.WithLabelValues(vendor, seriesLabel(kind)).Add(float64(pages))
}

// ReadingsCommitted counts durably written readings.
func (m *Metrics) ReadingsCommitted(vendor string, count int) {
	m.readingsCommitted.WithLabelValues(vendor).Add(float64(count))
}

// CycleObserved records the outcome of one sync cycle.
func (m *Metrics) CycleObserved(vendor string, kind acquisition.SeriesKind, duration time.Duration, err error) {
	series := seriesLabel(kind)
	m.cycleDuration.WithLabelValues(vendor, series).Observe(duration.Seconds())
	if err != nil {
		m.cycleErrors.WithLabelValues(vendor, series).Inc()
		return
	}
	m.lastCycleUnix.WithLabelValues(vendor, series).SetToCurrentTime()
}
