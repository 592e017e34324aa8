package query

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/shardkit/shardkit/internal/telemetry"
)

type metrics struct {
	invalidTargets    prometheus.Counter
	shardErrors       prometheus.Counter
	pagerOscillations prometheus.Counter
}

func queryMetrics() *metrics {
	return &metrics{
		invalidTargets: telemetry.Register(prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shardkit",
			Subsystem: "query",
			Name:      "invalid_targets_total",
			Help:      "Explicit target shards dropped because the executor does not know them.",
		})).(prometheus.Counter),
		shardErrors: telemetry.Register(prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shardkit",
			Subsystem: "query",
			Name:      "shard_errors_total",
			Help:      "Per-shard query failures, regardless of failure strategy.",
		})).(prometheus.Counter),
		pagerOscillations: telemetry.Register(prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shardkit",
			Subsystem: "query",
			Name:      "pager_oscillations_total",
			Help:      "Adaptive pager oscillation signals.",
		})).(prometheus.Counter),
	}
}
