package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method", "status"})

	BookingAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "booking_attempts_total",
		Help: "Slot booking attempts by outcome.",
	}, []string{"outcome"})

	CheckoutInitiations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_initiations_total",
		Help: "Hosted checkout initiations by outcome.",
	}, []string{"outcome"})

	PaymentReconciliations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_reconciliations_total",
		Help: "Payment reconciliations by entry point and outcome.",
	}, []string{"source", "outcome"})

	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notifications_total",
		Help: "Notification events by type and result.",
	}, []string{"event", "result"})
)

// Booking outcomes.
const (
	OutcomeSuccess  = "success"
	OutcomeConflict = "conflict"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)
