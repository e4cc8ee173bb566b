package observability

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics.
//
// Every recording method is safe to call on a nil *Metrics so components can
// run without instrumentation in tests.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Billing metrics
	RunsGeneratedTotal       *prometheus.CounterVec
	RaceAbortsTotal          prometheus.Counter
	ChargesTotal             *prometheus.CounterVec
	ChargedAmountCentsTotal  prometheus.Counter
	VoidsTotal               *prometheus.CounterVec
	ProcessorRequestDuration *prometheus.HistogramVec
	BatchDuration            prometheus.Histogram
	BatchAccountsTotal       *prometheus.CounterVec

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billrun_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "billrun_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		RunsGeneratedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billrun_runs_generated_total",
				Help: "Billing runs generated, by resulting status (empty when nothing was eligible)",
			},
			[]string{"status"},
		),
		RaceAbortsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "billrun_race_aborts_total",
				Help: "Generations aborted because a candidate job was billed concurrently",
			},
		),
		ChargesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billrun_charges_total",
				Help: "Charge attempts by outcome",
			},
			[]string{"outcome"},
		),
		ChargedAmountCentsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "billrun_charged_amount_cents_total",
				Help: "Total amount successfully charged, in cents",
			},
		),
		VoidsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billrun_voids_total",
				Help: "Voided billing runs",
			},
			[]string{"refunded"},
		),
		ProcessorRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "billrun_processor_request_duration_seconds",
				Help:    "Payment processor call duration in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"operation", "status"},
		),
		BatchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "billrun_weekly_batch_duration_seconds",
				Help:    "Weekly batch duration in seconds",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
		),
		BatchAccountsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billrun_weekly_batch_accounts_total",
				Help: "Accounts processed by the weekly batch, by outcome",
			},
			[]string{"outcome"},
		),

		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "billrun_db_connections_active",
				Help: "Number of in-use database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "billrun_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.RunsGeneratedTotal,
		m.RaceAbortsTotal,
		m.ChargesTotal,
		m.ChargedAmountCentsTotal,
		m.VoidsTotal,
		m.ProcessorRequestDuration,
		m.BatchDuration,
		m.BatchAccountsTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
	)

	return m
}

// RunGenerated counts a generation by resulting status
func (m *Metrics) RunGenerated(status string) {
	if m == nil {
		return
	}
	m.RunsGeneratedTotal.WithLabelValues(status).Inc()
}

// RaceAborted counts a generation aborted by a concurrent bill
func (m *Metrics) RaceAborted() {
	if m == nil {
		return
	}
	m.RaceAbortsTotal.Inc()
}

// ChargeOutcome counts a charge attempt. amountCents is added to the charged
// total when outcome is "charged".
func (m *Metrics) ChargeOutcome(outcome string, amountCents int64) {
	if m == nil {
		return
	}
	m.ChargesTotal.WithLabelValues(outcome).Inc()
	if outcome == "charged" && amountCents > 0 {
		m.ChargedAmountCentsTotal.Add(float64(amountCents))
	}
}

// RunVoided counts a void
func (m *Metrics) RunVoided(refunded bool) {
	if m == nil {
		return
	}
	m.VoidsTotal.WithLabelValues(strconv.FormatBool(refunded)).Inc()
}

// ObserveProcessor records the latency of a processor call
func (m *Metrics) ObserveProcessor(operation string, err error, d time.Duration) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.ProcessorRequestDuration.WithLabelValues(operation, status).Observe(d.Seconds())
}

// ObserveBatch records a weekly batch duration
func (m *Metrics) ObserveBatch(d time.Duration) {
	if m == nil {
		return
	}
	m.BatchDuration.Observe(d.Seconds())
}

// BatchAccount counts one account processed by the weekly batch
func (m *Metrics) BatchAccount(outcome string) {
	if m == nil {
		return
	}
	m.BatchAccountsTotal.WithLabelValues(outcome).Inc()
}

// RecordDBStats copies connection pool stats into gauges
func (m *Metrics) RecordDBStats(stats sql.DBStats) {
	if m == nil {
		return
	}
	m.DBConnectionsActive.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// Requests are labelled by their mux route template to keep cardinality bounded.
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if metrics == nil {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := r.URL.Path
			if current := mux.CurrentRoute(r); current != nil {
				if tmpl, err := current.GetPathTemplate(); err == nil {
					route = tmpl
				}
			}

			status := strconv.Itoa(rw.statusCode)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// MetricsHandler serves the registry in the Prometheus exposition format
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
