package metrics

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ReconcileOutcomes counts reconciliation calls by entry point and outcome.
	ReconcileOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "socialapp_reconcile_outcomes_total",
			Help: "Identity reconciliations by entry point and outcome",
		},
		[]string{"source", "outcome"},
	)

	// ReconcileConflicts counts uniqueness conflicts absorbed by the reconciler's retry loop.
	ReconcileConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "socialapp_reconcile_conflicts_total",
			Help: "Uniqueness conflicts resolved by re-reading the winning row",
		},
	)

	// StoreDuration tracks store call latency in milliseconds.
	StoreDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:                            "socialapp_store_operation_duration_ms",
			Help:                            "User store operation duration in milliseconds",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 1 * time.Hour,
		},
		[]string{"store", "operation"},
	)

	// StoreErrors counts store failures by classification.
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "socialapp_store_errors_total",
			Help: "User store errors by operation and class",
		},
		[]string{"store", "operation", "class"},
	)

	// WebhookEvents counts inbound webhook deliveries by event type and HTTP status class.
	WebhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "socialapp_webhook_events_total",
			Help: "Identity provider webhook deliveries by type and result",
		},
		[]string{"type", "result"},
	)
)

// RecordStoreOperation records a store call and classifies its error, if any.
func RecordStoreOperation(store, operation string, duration time.Duration, err error) {
	StoreDuration.WithLabelValues(store, operation).Observe(float64(duration.Milliseconds()))
	if err != nil {
		StoreErrors.WithLabelValues(store, operation, ClassifyStoreError(err)).Inc()
	}
}

// ClassifyStoreError maps a store error onto a small label set.
func ClassifyStoreError(err error) string {
	if err == nil {
		return "none"
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return "timeout"
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "duplicate") || strings.Contains(errStr, "unique"):
		return "unique_violation"
	case strings.Contains(errStr, "not found") || strings.Contains(errStr, "no rows"):
		return "not_found"
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline"):
		return "timeout"
	case strings.Contains(errStr, "connection") || strings.Contains(errStr, "connect"):
		return "connection"
	default:
		return "other"
	}
}
