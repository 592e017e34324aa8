package migrate

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/shardkit/shardkit/internal/telemetry"
)

type metrics struct {
	planned  prometheus.Counter
	copied   prometheus.Counter
	verified prometheus.Counter
	swapped  prometheus.Counter
	failed   prometheus.Counter
	retries  prometheus.Counter

	activeCopy   prometheus.Gauge
	activeVerify prometheus.Gauge

	copyDuration      prometheus.Histogram
	verifyDuration    prometheus.Histogram
	swapBatchDuration prometheus.Histogram
	totalElapsed      prometheus.Histogram
}

func migrateMetrics() *metrics {
	counter := func(name, help string) prometheus.Counter {
		return telemetry.Register(prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shardkit", Subsystem: "migrate", Name: name, Help: help,
		})).(prometheus.Counter)
	}
	gauge := func(name, help string) prometheus.Gauge {
		return telemetry.Register(prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shardkit", Subsystem: "migrate", Name: name, Help: help,
		})).(prometheus.Gauge)
	}
	histogram := func(name, help string) prometheus.Histogram {
		return telemetry.Register(prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "shardkit", Subsystem: "migrate", Name: name, Help: help,
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		})).(prometheus.Histogram)
	}

	return &metrics{
		planned:  counter("moves_planned_total", "Moves admitted into executions."),
		copied:   counter("moves_copied_total", "Copy phases completed."),
		verified: counter("moves_verified_total", "Verify phases passed."),
		swapped:  counter("moves_swapped_total", "Moves whose assignment swap persisted."),
		failed:   counter("moves_failed_total", "Moves that exhausted retries or hit a fatal error."),
		retries:  counter("move_retries_total", "Transient retries, mismatch rollbacks and replayed swaps."),

		activeCopy:   gauge("active_copies", "Copy phases in flight."),
		activeVerify: gauge("active_verifies", "Verify phases in flight."),

		copyDuration:      histogram("copy_duration_seconds", "Per-move copy latency."),
		verifyDuration:    histogram("verify_duration_seconds", "Per-move verify latency."),
		swapBatchDuration: histogram("swap_batch_duration_seconds", "Swap batch persistence latency."),
		totalElapsed:      histogram("run_elapsed_seconds", "Whole plan execution latency."),
	}
}
