package reshare

import "github.com/prometheus/client_golang/prometheus"

var ForwardCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "reshare",
	Subsystem: "forwarder",
	Name:      "forwards",
}, []string{"result"})

var SessionCount = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "reshare",
	Subsystem: "forwarder",
	Name:      "sessions",
})

// Collectors returns the engine's metric vectors for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{ForwardCount, SessionCount}
}
