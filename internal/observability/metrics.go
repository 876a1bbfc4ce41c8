package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_coordinator"

var (
	OffersReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "offers_received_total", Help: "Raw offers seen, by source"},
		[]string{"source"},
	)
	OffersDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "offers_dropped_total", Help: "Offers rejected by intake or state, by reason"},
		[]string{"reason"},
	)
	AcceptOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "accept_outcomes_total", Help: "Acceptance results by outcome"},
		[]string{"outcome"},
	)
	AcceptLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Name: "accept_latency_seconds", Help: "Accept round-trip latency", Buckets: prometheus.DefBuckets,
	})
	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "transitions_total", Help: "Ride state transitions by target state"},
		[]string{"to"},
	)
	RouteFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "route_fetches_total", Help: "Route computations by leg and result"},
		[]string{"leg", "result"},
	)
	Uplinks = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "uplinks_total", Help: "Throttled location uplinks by result"},
		[]string{"result"},
	)
	PositionSamples = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "position_samples_total", Help: "Position samples processed"})
	DistanceKm      = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "distance_travelled_km_total", Help: "Distance accumulated during active rides"})
	Online          = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "driver_online", Help: "1 while the driver is online"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
