// Package observability adapts the teacher's Prometheus + zerolog
// ambient stack to CATS: connection lifecycle/traffic counters satisfying
// internal/cats/conn.Metrics, plus the admin HTTP surface's generic
// request counters.
package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cats",
			Subsystem: "admin_http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cats",
			Subsystem: "admin_http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	connsOpened = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cats",
		Subsystem: "conn",
		Name:      "opened_total",
		Help:      "Connections that reached RUNNING.",
	})
	connsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cats",
		Subsystem: "conn",
		Name:      "active",
		Help:      "Connections currently in RUNNING.",
	})
	bytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cats",
		Subsystem: "conn",
		Name:      "bytes_sent_total",
		Help:      "Bytes written to peers after compression and framing.",
	})
	bytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cats",
		Subsystem: "conn",
		Name:      "bytes_received_total",
		Help:      "Bytes read from peers off the wire.",
	})
	inputDepth = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "cats",
		Subsystem: "conn",
		Name:      "input_chain_depth",
		Help:      "Nested ask() depth observed per input-reply cycle.",
		Buckets:   []float64{1, 2, 3, 4, 5, 6, 8, 10},
	})
	sendRate = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cats",
		Subsystem: "conn",
		Name:      "send_rate_bytes",
		Help:      "Most recently negotiated outbound byte-rate ceiling (0 = unthrottled).",
	})
)

// RegisterMetrics registers every collector with the default Prometheus
// registry. Safe to call repeatedly; only the first call has effect.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			connsOpened, connsActive, bytesSent, bytesReceived, inputDepth, sendRate,
		)
	})
}

// RecordHTTPRequest records one admin HTTP request's outcome.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

// ConnMetrics implements internal/cats/conn.Metrics over the package's
// Prometheus collectors, so every Conn Accept/Connect call reports into
// the same process-wide gauges and counters.
type ConnMetrics struct{}

// NewConnMetrics registers the collectors and returns a ConnMetrics ready
// to pass as conn.Config.OnMetrics.
func NewConnMetrics() ConnMetrics {
	RegisterMetrics()
	return ConnMetrics{}
}

func (ConnMetrics) ConnOpened() {
	connsOpened.Inc()
	connsActive.Inc()
}

func (ConnMetrics) ConnClosed() {
	connsActive.Dec()
}

func (ConnMetrics) BytesSent(n int) {
	bytesSent.Add(float64(n))
}

func (ConnMetrics) BytesReceived(n int) {
	bytesReceived.Add(float64(n))
}

func (ConnMetrics) InputDepth(depth int) {
	inputDepth.Observe(float64(depth))
}

func (ConnMetrics) SendRate(bytesPerSecond uint32) {
	sendRate.Set(float64(bytesPerSecond))
}
