// Package telemetry holds the process-wide metrics registerer. It is the
// only global state in the module: initialized lazily on first use and never
// required for correctness.
package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	mu         sync.Mutex
	registerer prometheus.Registerer
)

// Registerer returns the active registerer, defaulting to the prometheus
// global one.
func Registerer() prometheus.Registerer {
	mu.Lock()
	defer mu.Unlock()
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return registerer
}

// SetRegisterer overrides the process registerer. Call before any collector
// is created, typically from test main or embedding applications.
func SetRegisterer(r prometheus.Registerer) {
	mu.Lock()
	defer mu.Unlock()
	registerer = r
}

// Register registers c, tolerating duplicate registration so that multiple
// component instances can share collectors.
func Register(c prometheus.Collector) prometheus.Collector {
	if err := Registerer().Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
		panic(err)
	}
	return c
}
