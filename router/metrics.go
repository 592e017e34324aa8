package router

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/shardkit/shardkit/internal/telemetry"
)

type metrics struct {
	hits    *prometheus.CounterVec
	misses  prometheus.Counter
	latency prometheus.Histogram
}

func routerMetrics() *metrics {
	return &metrics{
		hits: telemetry.Register(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shardkit",
			Subsystem: "router",
			Name:      "route_hits_total",
			Help:      "Routes resolved to a shard, labelled by whether the assignment already existed.",
		}, []string{"existing"})).(*prometheus.CounterVec),
		misses: telemetry.Register(prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shardkit",
			Subsystem: "router",
			Name:      "route_misses_total",
			Help:      "Routes that found no existing assignment.",
		})).(prometheus.Counter),
		latency: telemetry.Register(prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "shardkit",
			Subsystem: "router",
			Name:      "route_duration_seconds",
			Help:      "Route call latency.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		})).(prometheus.Histogram),
	}
}
