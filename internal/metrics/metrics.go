package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the process-wide counter bundle. It is constructed once at
// startup and only touched through the dispatcher.
type Metrics struct {
	RoutingRequests  *prometheus.CounterVec
	RoutingDuration  prometheus.Histogram
	LateRouteLookups *prometheus.CounterVec
	CacheWrites      prometheus.Counter
	InFlight         prometheus.Gauge
}

// New registers the routingd metrics with the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RoutingRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "routingd_requests_total",
			Help: "Stage-1 routing requests by outcome (ok or error kind)",
		}, []string{"outcome"}),
		RoutingDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "routingd_request_duration_seconds",
			Help:    "End-to-end duration of stage-1 routing requests",
			Buckets: prometheus.DefBuckets,
		}),
		LateRouteLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "routingd_lateroute_lookups_total",
			Help: "Late-route cache lookups by result (hit or miss)",
		}, []string{"result"}),
		CacheWrites: factory.NewCounter(prometheus.CounterOpts{
			Name: "routingd_cache_writes_total",
			Help: "Intermediate routing results written to the cache",
		}),
		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "routingd_requests_in_flight",
			Help: "Routing requests currently being computed",
		}),
	}
}
