package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "delivery_dispatch"

var (
	DispatchTotal   = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "dispatch_total", Help: "Dispatch outcomes"}, []string{"outcome"})
	DispatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "dispatch_latency_seconds", Help: "Time from dispatch start to outcome", Buckets: []float64{.1, .5, 1, 5, 15, 30, 60, 120}})
	OffersTotal     = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "offers_total", Help: "Offers by outcome"}, []string{"outcome"})
	OffersActive    = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "offers_active", Help: "Offers awaiting a decision"})
	NotifyFailures  = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "notify_failures_total", Help: "Event deliveries that failed after retries"}, []string{"sink"})
	EventsDropped   = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "events_dropped_total", Help: "Events dropped because a sink queue was full"}, []string{"sink"})
	DriversOnline   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_online", Help: "Number of online drivers"})

	DeliveriesActive  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "deliveries_active", Help: "Deliveries in a non-terminal status"})
	TransitionsTotal  = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "transitions_total", Help: "Lifecycle transition attempts"}, []string{"status", "result"})
	RateLimitTotal    = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "rate_limit_decisions_total", Help: "Admission control decisions"}, []string{"role", "endpoint", "decision"})
	RelayPublished    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "relay_published_total", Help: "Location samples forwarded to subscribers"})
	RelayDropped      = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "relay_dropped_total", Help: "Location samples not forwarded"}, []string{"reason"})
	SettlementFailure = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "settlement_failures_total", Help: "Payment settlement calls that failed"}, []string{"action"})

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
