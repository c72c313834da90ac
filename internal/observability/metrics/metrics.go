// Package metrics registers process-level gauges: connection-pool health and
// DB-backed row counts the dashboards alert on.
package metrics

import (
	"database/sql"
	"log"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const metricPrefix = "solarsync_"

var registerOnce sync.Once

// Init registers the gauges. Safe to call more than once.
func Init(db *sql.DB, logger *log.Logger) {
	registerOnce.Do(func() {
		if db == nil {
			return
		}
		registerPoolMetrics(db)
		registerDBMetrics(db, logger)
	})
}

func registerPoolMetrics(db *sql.DB) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "db_open_connections",
			Help: "Open connections in the pool",
		},
		func() float64 { return float64(db.Stats().OpenConnections) },
	))
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "db_in_use_connections",
			Help: "Connections currently executing",
		},
		func() float64 { return float64(db.Stats().InUse) },
	))
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "db_wait_count",
			Help: "Cumulative connection waits",
		},
		func() float64 { return float64(db.Stats().WaitCount) },
	))
}

func registerDBMetrics(db *sql.DB, logger *log.Logger) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "plants_total",
			Help: "Plants tracked across all vendors",
		},
		func() float64 {
			return queryCount(db, logger, "SELECT COUNT(*) FROM plants")
		},
	))

	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "utility_installations_total",
			Help: "Utility metering points tracked",
		},
		func() float64 {
			return queryCount(db, logger, "SELECT COUNT(*) FROM utility_installations")
		},
	))

	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "stale_watermarks",
			Help: "Plants whose intraday watermark is older than a day",
		},
		func() float64 {
			return queryCount(db, logger,
				"SELECT COUNT(*) FROM plant_sync_state WHERE last_daily_ts < NOW() - INTERVAL '1 day'")
		},
	))
}

func queryCount(db *sql.DB, logger *log.Logger, query string) float64 {
	if db == nil {
		return 0
	}
	var count int64
	if err := db.QueryRow(query).Scan(&count); err != nil {
		if logger != nil {
			logger.Printf("metrics query failed: %v", err)
		}
		return 0
	}
	if count < 0 {
		return 0
	}
	return float64(count)
}
