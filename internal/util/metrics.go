package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ReservationsCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reservations_created_total",
		Help: "Total number of reservation rows created",
	}, []string{"kind"})

	ReservationsConfirmedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reservations_confirmed_total",
		Help: "Total number of reservations reaching confirmed",
	}, []string{"kind", "via"})

	ReservationsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reservations_failed_total",
		Help: "Total number of reservations marked failed",
	}, []string{"kind", "reason"})

	PrepareRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "prepare_rejected_total",
		Help: "Total number of prepare calls rejected before reservation",
	}, []string{"reason"})

	RateLimitDeniedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rate_limit_denied_total",
		Help: "Total number of prepares denied by the rate limiter",
	}, []string{"window"})

	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_events_total",
		Help: "Total number of indexer webhook events received",
	}, []string{"result"})

	FulfillmentAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fulfillment_attempts_total",
		Help: "Total number of fulfillment mint attempts",
	})

	FulfillmentFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fulfillment_failed_total",
		Help: "Total number of failed fulfillment attempts",
	}, []string{"reason"})

	StaleReservationsSweptTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stale_reservations_swept_total",
		Help: "Total number of stale reservations forced to failed by the sweeper",
	}, []string{"kind"})

	PrepareLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "prepare_latency_seconds",
		Help:    "Latency of reservation preparation including transaction build",
		Buckets: prometheus.DefBuckets,
	})

	FulfillmentLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fulfillment_latency_seconds",
		Help:    "Latency of fulfillment mint attempts",
		Buckets: prometheus.DefBuckets,
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
