// Package metrics provides Prometheus metrics for the nexus server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"digital.vasic.nexuscloud/pkg/client"
	"digital.vasic.nexuscloud/pkg/remoteerr"
	"digital.vasic.nexuscloud/pkg/transfer"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexus_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nexus_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Adapter metrics
	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexus_operations_total",
			Help: "Total adapter operations by kind and outcome",
		},
		[]string{"kind", "operation", "status"},
	)

	operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nexus_operation_duration_seconds",
			Help:    "Adapter operation duration in seconds, session setup included",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind", "operation"},
	)

	// Transfer metrics
	transfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexus_transfers_total",
			Help: "Total finished transfers by mode and status",
		},
		[]string{"mode", "status"},
	)

	transferBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexus_transfer_bytes_total",
			Help: "Total bytes carried by completed transfers",
		},
		[]string{"mode"},
	)

	transfersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nexus_transfers_active",
			Help: "Number of transfers currently running",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Status returns the outcome label for err: "success" or the error kind.
func Status(err error) string {
	if err == nil {
		return "success"
	}
	return string(remoteerr.KindOf(err))
}

// RecordOperation records one adapter operation. Its signature matches
// router.Options.OnOperation.
func RecordOperation(kind client.Kind, op client.Operation, d time.Duration, err error) {
	operationsTotal.WithLabelValues(string(kind), string(op), Status(err)).Inc()
	operationDuration.WithLabelValues(string(kind), string(op)).Observe(d.Seconds())
}

// TransferStarted marks a transfer as running.
func TransferStarted(transfer.Record) {
	transfersActive.Inc()
}

// TransferFinished records the outcome of a transfer that was started.
func TransferFinished(rec transfer.Record) {
	if rec.StartedAt != nil {
		transfersActive.Dec()
	}
	mode := Mode(rec)
	transfersTotal.WithLabelValues(mode, string(rec.Status)).Inc()
	if rec.Status == transfer.StatusCompleted && rec.BytesTransferred > 0 {
		transferBytes.WithLabelValues(mode).Add(float64(rec.BytesTransferred))
	}
}

// Mode labels a record as move or copy.
func Mode(rec transfer.Record) string {
	if rec.IsMove {
		return "move"
	}
	return "copy"
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware records request metrics labelled by the matched route template,
// so IDs in the path do not create new series.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, routeOf(r), rw.statusCode, time.Since(start))
	})
}

func routeOf(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}
