package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "trip_dispatch"

var (
	OffersIssued  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offers_issued_total", Help: "Total offers issued to drivers"})
	MatchLatency  = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_latency_seconds", Help: "Time from trip request to accepted offer"})
	DriversOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_online", Help: "Number of online drivers"})

	TripTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "trip_transitions_total", Help: "Trips entering each status"},
		[]string{"status"},
	)
	OffersResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "offers_resolved_total", Help: "Offers resolved by response"},
		[]string{"response"},
	)
	DispatchStops = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "dispatch_stops_total", Help: "Dispatch chains that ended without an offer"},
		[]string{"reason"},
	)
	OtpVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "otp_verifications_total", Help: "OTP verification attempts by result"},
		[]string{"result"},
	)
	PollErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "poll_errors_total", Help: "Status synchronizer poll failures"},
		[]string{"task"},
	)

	EventsDropped        = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "events_dropped_total", Help: "Lifecycle events dropped because the publish queue was full"})
	EventPublishFailures = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "event_publish_failures_total", Help: "Lifecycle events the broker did not accept"})

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
