package indexer

import "github.com/prometheus/client_golang/prometheus"

var EntriesProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "reshare",
	Subsystem: "indexer",
	Name:      "entries",
}, []string{"indexer", "result"})

// Collectors returns the package's metric vectors for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{EntriesProcessed}
}
