// Package metrics provides Prometheus instrumentation for the points engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CalculationsTotal counts point calculations, partitioned by chain
	// and outcome.
	CalculationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "points_calculations_total",
		Help: "Total number of point calculations processed",
	}, []string{"chain", "outcome"})

	// CalculationLatency tracks end-to-end calculation latency.
	CalculationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "points_calculation_latency_seconds",
		Help:    "Point calculation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"chain"})

	// LedgerEntriesWritten counts ledger entries committed per batch result.
	LedgerEntriesWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "points_ledger_entries_total",
		Help: "Ledger entries written, by write kind",
	}, []string{"kind"}) // inserted | updated | deleted

	// ReferralAttachments counts referral edges attached.
	ReferralAttachments = promauto.NewCounter(prometheus.CounterOpts{
		Name: "points_referral_attachments_total",
		Help: "Referral edges attached",
	})

	// ActiveUsers tracks distinct users with recent ledger activity.
	ActiveUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "points_active_users",
		Help: "Distinct users with ledger activity in the sampling window",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "points_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "points_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "points_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the raw path for the label; the route surface is small.
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
