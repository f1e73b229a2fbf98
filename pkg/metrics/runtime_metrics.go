package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection pool and request-level metrics shared by middleware.
var (
	DBConnectionsInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "db_connections_in_use",
		Help: "Current number of database connections in use",
	})

	DBConnectionsIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "db_connections_idle",
		Help: "Current number of idle database connections",
	})

	DBConnectionAcquireTimeoutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "db_connection_acquire_timeout_total",
		Help: "Total number of database connection acquisition timeouts",
	})

	DBConnectionAcquireTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "db_connection_acquire_total",
		Help: "Total number of database connection acquisitions",
	})

	DBConnectionAcquireDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "db_connection_acquire_duration_seconds",
		Help:    "Database connection acquisition latency in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	RequestTimeoutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "request_timeout_total",
		Help: "Total number of request timeouts",
	})

	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "request_duration_seconds",
		Help:    "Request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"method", "path", "status"})

	RequestTimeoutDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "request_timeout_duration_seconds",
		Help:    "Request timeout duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"method", "path"})

	RequestInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "request_in_flight",
		Help: "Current number of in-flight requests",
	})
)

// requestInFlightCount mirrors the gauge so the value can also be read
// back for load shedding decisions.
var requestInFlightCount int64

// RecordDBConnectionsInUse sets the number of database connections in use
func RecordDBConnectionsInUse(count int) {
	DBConnectionsInUse.Set(float64(count))
}

// RecordDBConnectionsIdle sets the number of idle database connections
func RecordDBConnectionsIdle(count int) {
	DBConnectionsIdle.Set(float64(count))
}

// RecordDBConnectionAcquireTimeout records a database connection acquisition timeout
func RecordDBConnectionAcquireTimeout() {
	DBConnectionAcquireTimeoutTotal.Inc()
}

// RecordDBConnectionAcquire records a database connection acquisition
func RecordDBConnectionAcquire() {
	DBConnectionAcquireTotal.Inc()
}

// RecordDBConnectionAcquireDuration records database connection acquisition latency
func RecordDBConnectionAcquireDuration(duration float64) {
	DBConnectionAcquireDuration.Observe(duration)
}

// RecordRequestTimeout records a request timeout
func RecordRequestTimeout(timeout time.Duration, duration time.Duration, method, path string) {
	RequestTimeoutTotal.Inc()
	RequestTimeoutDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordRequestDuration records a request duration
func RecordRequestDuration(duration time.Duration, method, path, status string) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// RecordRequestStart records the start of a request
func RecordRequestStart() {
	RequestInFlight.Inc()
	atomic.AddInt64(&requestInFlightCount, 1)
}

// RecordRequestEnd records the end of a request
func RecordRequestEnd() {
	RequestInFlight.Dec()
	atomic.AddInt64(&requestInFlightCount, -1)
}

// GetRequestInFlight returns the current number of in-flight requests
func GetRequestInFlight() float64 {
	return float64(atomic.LoadInt64(&requestInFlightCount))
}
