package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the panel's Prometheus metrics.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Moderation metrics
	ModerationDecisionsTotal *prometheus.CounterVec

	// Build notification metrics
	BuildNotificationsTotal *prometheus.CounterVec
	OutboxPendingDeliveries prometheus.Gauge

	// Session metrics
	SessionLookupsTotal *prometheus.CounterVec

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates and registers all panel metrics on the registry.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "panel_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "panel_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		ModerationDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "panel_moderation_decisions_total",
				Help: "Moderation decisions by outcome (accepted/rejected)",
			},
			[]string{"decision"},
		),
		BuildNotificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "panel_build_notifications_total",
				Help: "Build server notification attempts by outcome",
			},
			[]string{"outcome"},
		),
		OutboxPendingDeliveries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "panel_outbox_pending_deliveries",
				Help: "Build notifications waiting in the outbox",
			},
		),
		SessionLookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "panel_session_lookups_total",
				Help: "Session lookups by result (hit/miss/expired)",
			},
			[]string{"result"},
		),
		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "panel_db_connections_active",
				Help: "Active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "panel_db_connections_idle",
				Help: "Idle database connections",
			},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ModerationDecisionsTotal,
		m.BuildNotificationsTotal,
		m.OutboxPendingDeliveries,
		m.SessionLookupsTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
	)

	return m
}

// Handler returns the /metrics endpoint handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps an HTTP handler with request count and duration
// metrics. The route template (not the raw path) is used as the path label to
// keep cardinality bounded.
func (m *Metrics) InstrumentHandler(routeTemplate string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r)

		m.HTTPRequestsTotal.WithLabelValues(r.Method, routeTemplate, strconv.Itoa(rw.status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, routeTemplate).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
