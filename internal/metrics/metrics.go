package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all the application metrics
type Metrics struct {
	// HTTP request metrics
	HTTPRequestTotal    *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Entitlement decision metrics
	EntitlementCheckTotal    *prometheus.CounterVec
	EntitlementCheckDuration *prometheus.HistogramVec

	// Download token metrics
	TokenIssueTotal  *prometheus.CounterVec
	TokenVerifyTotal *prometheus.CounterVec

	// Audit trail metrics
	AuditWriteTotal *prometheus.CounterVec

	// Fee computation metrics
	FeeSplitTotal *prometheus.CounterVec
}

// Global metrics instance with mutex for thread safety
var (
	globalMetrics *Metrics
	metricsMutex  sync.Mutex
)

// NewMetrics creates a new Metrics instance with all required metrics
func NewMetrics() *Metrics {
	metricsMutex.Lock()
	defer metricsMutex.Unlock()

	// Return existing instance if already created
	if globalMetrics != nil {
		return globalMetrics
	}

	m := &Metrics{
		HTTPRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),

		EntitlementCheckTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "entitlement_checks_total",
			Help: "Total number of entitlement checks",
		}, []string{"check", "decision"}),

		EntitlementCheckDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "entitlement_check_duration_seconds",
			Help:    "Entitlement check duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"check", "decision"}),

		TokenIssueTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "download_tokens_issued_total",
			Help: "Total number of download tokens issued",
		}, []string{"status"}),

		TokenVerifyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "download_token_verifications_total",
			Help: "Total number of download token verifications",
		}, []string{"status"}),

		AuditWriteTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_writes_total",
			Help: "Total number of audit event writes",
		}, []string{"status"}),

		FeeSplitTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fee_splits_total",
			Help: "Total number of fee split computations",
		}, []string{"status"}),
	}

	// Register metrics with the default registry
	registerMetrics(m)

	// Store as global instance
	globalMetrics = m

	return m
}

// registerMetrics registers all metrics with the default registry
func registerMetrics(m *Metrics) {
	// Try to register each metric, ignore if already registered
	registerOrGet(m.HTTPRequestTotal)
	registerOrGet(m.HTTPRequestDuration)
	registerOrGet(m.EntitlementCheckTotal)
	registerOrGet(m.EntitlementCheckDuration)
	registerOrGet(m.TokenIssueTotal)
	registerOrGet(m.TokenVerifyTotal)
	registerOrGet(m.AuditWriteTotal)
	registerOrGet(m.FeeSplitTotal)
}

// registerOrGet tries to register a metric, returns the existing one if already registered
func registerOrGet(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		// If already registered, return the existing collector
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}
