// Package metrics provides Prometheus metrics for the meshview server.
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
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshview_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meshview_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Content metrics
	contentBytesServed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meshview_content_bytes_served_total",
			Help: "Total bytes served from the content endpoint",
		},
	)

	contentRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshview_content_requests_total",
			Help: "Total number of content requests",
		},
		[]string{"status"},
	)

	// Registry metrics
	registryFiles = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "meshview_registry_files",
			Help: "Number of live files in the registry",
		},
	)

	// Watch/debounce metrics
	coalescedNotifications = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meshview_coalesced_notifications_total",
			Help: "Raw filesystem notifications absorbed into a pending quiet period",
		},
	)

	// Event stream metrics
	eventConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "meshview_event_connections_active",
			Help: "Number of active event-stream connections",
		},
	)

	eventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshview_events_published_total",
			Help: "Total change events published to the hub",
		},
		[]string{"type"},
	)

	resyncFallbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meshview_resync_fallbacks_total",
			Help: "Slow-consumer queue overflows resolved by a full resync",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordContentRequest records a content download.
func RecordContentRequest(bytes int64, success bool) {
	contentBytesServed.Add(float64(bytes))
	status := "success"
	if !success {
		status = "error"
	}
	contentRequestsTotal.WithLabelValues(status).Inc()
}

// SetRegistryFiles sets the current live file count.
func SetRegistryFiles(count int) {
	registryFiles.Set(float64(count))
}

// RecordCoalescedNotification counts a raw notification absorbed by an
// already-pending quiet period.
func RecordCoalescedNotification() {
	coalescedNotifications.Inc()
}

// SetEventConnectionsActive sets the number of live event subscribers.
func SetEventConnectionsActive(count int) {
	eventConnectionsActive.Set(float64(count))
}

// RecordEventPublished records a published change event.
func RecordEventPublished(eventType string) {
	eventsPublishedTotal.WithLabelValues(eventType).Inc()
}

// RecordResyncFallback records a queue overflow resolved by resync.
func RecordResyncFallback() {
	resyncFallbacksTotal.Inc()
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

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, r.URL.Path, rw.statusCode, time.Since(start))
	})
}
