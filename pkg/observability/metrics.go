package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Authentication metrics
	LoginsTotal        *prometheus.CounterVec
	LoginFailuresTotal *prometheus.CounterVec

	// OAuth metrics
	AuthorizationCodesIssued   prometheus.Counter
	AuthorizationCodesConsumed *prometheus.CounterVec
	TokensIssuedTotal          *prometheus.CounterVec
	RefreshRotationsTotal      prometheus.Counter
	RefreshReuseDetectedTotal  prometheus.Counter
	PKCEFailuresTotal          prometheus.Counter

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "identity_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "identity_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		LoginsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "identity_logins_total",
				Help: "Total successful logins by method (direct, oauth)",
			},
			[]string{"method"},
		),
		LoginFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "identity_login_failures_total",
				Help: "Total failed login attempts by reason",
			},
			[]string{"reason"},
		),
		AuthorizationCodesIssued: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "identity_authorization_codes_issued_total",
				Help: "Total authorization codes issued",
			},
		),
		AuthorizationCodesConsumed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "identity_authorization_codes_consumed_total",
				Help: "Total authorization code consumption attempts by outcome",
			},
			[]string{"outcome"},
		),
		TokensIssuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "identity_tokens_issued_total",
				Help: "Total tokens issued by kind (access, refresh, id)",
			},
			[]string{"kind"},
		),
		RefreshRotationsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "identity_refresh_rotations_total",
				Help: "Total successful refresh token rotations",
			},
		),
		RefreshReuseDetectedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "identity_refresh_reuse_detected_total",
				Help: "Total revoked refresh tokens presented again (possible theft)",
			},
		),
		PKCEFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "identity_pkce_failures_total",
				Help: "Total PKCE verifier mismatches",
			},
		),
		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "identity_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "identity_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.LoginsTotal,
		m.LoginFailuresTotal,
		m.AuthorizationCodesIssued,
		m.AuthorizationCodesConsumed,
		m.TokensIssuedTotal,
		m.RefreshRotationsTotal,
		m.RefreshReuseDetectedTotal,
		m.PKCEFailuresTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
	)

	return m
}

// Handler returns an HTTP handler for the /metrics endpoint
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps an HTTP handler with request metrics
func (m *Metrics) InstrumentHandler(path string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		m.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(sw.status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
