package monitoring

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector registers a service's Prometheus metrics under a
// common name prefix and serves them on /metrics.
type MetricsCollector struct {
	serviceName string

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	activeRequests      prometheus.Gauge
	serviceInfo         *prometheus.GaugeVec
}

// NewMetricsCollector creates a collector for a service and registers the
// standard HTTP metrics. Call once per process; metric names collide on
// a second registration.
func NewMetricsCollector(serviceName, version, commit string) *MetricsCollector {
	// Prometheus metric names cannot contain hyphens.
	mc := &MetricsCollector{
		serviceName: strings.ReplaceAll(serviceName, "-", "_"),
	}

	mc.httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: mc.serviceName + "_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	mc.httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    mc.serviceName + "_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
	mc.activeRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: mc.serviceName + "_active_requests",
			Help: "Requests currently being handled",
		},
	)
	mc.serviceInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: mc.serviceName + "_service_info",
			Help: "Service build information",
		},
		[]string{"version", "commit"},
	)

	prometheus.MustRegister(mc.httpRequestsTotal, mc.httpRequestDuration, mc.activeRequests, mc.serviceInfo)
	mc.serviceInfo.WithLabelValues(version, commit).Set(1)

	return mc
}

// NewCounter registers a prefixed counter vector.
func (mc *MetricsCollector) NewCounter(name, help string, labels []string) *prometheus.CounterVec {
	counter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: mc.serviceName + "_" + name,
			Help: help,
		},
		labels,
	)
	prometheus.MustRegister(counter)
	return counter
}

// NewGauge registers a prefixed gauge vector.
func (mc *MetricsCollector) NewGauge(name, help string, labels []string) *prometheus.GaugeVec {
	gauge := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: mc.serviceName + "_" + name,
			Help: help,
		},
		labels,
	)
	prometheus.MustRegister(gauge)
	return gauge
}

// NewHistogram registers a prefixed histogram vector. Nil buckets means
// the Prometheus defaults.
func (mc *MetricsCollector) NewHistogram(name, help string, labels []string, buckets []float64) *prometheus.HistogramVec {
	if buckets == nil {
		buckets = prometheus.DefBuckets
	}
	histogram := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    mc.serviceName + "_" + name,
			Help:    help,
			Buckets: buckets,
		},
		labels,
	)
	prometheus.MustRegister(histogram)
	return histogram
}

// CreateLedgerMetrics registers the credit-ledger metrics every backend
// reports: transaction outcomes, rejected spends, open provisional
// debits, and how long holds stay open before settling.
func (mc *MetricsCollector) CreateLedgerMetrics() (
	transactions *prometheus.CounterVec,
	insufficient *prometheus.CounterVec,
	openHolds *prometheus.GaugeVec,
	settlement *prometheus.HistogramVec,
) {
	transactions = mc.NewCounter("transactions_total", "Total ledger transactions", []string{"type", "status"})
	insufficient = mc.NewCounter("insufficient_credits_total", "Operations rejected for insufficient credits", []string{"operation"})
	openHolds = mc.NewGauge("open_holds", "Currently open provisional debits", []string{"backend"})
	// Holds can stay open for the length of a batch job, so the buckets
	// stretch to an hour.
	settlement = mc.NewHistogram("settlement_duration_seconds", "Hold lifetime from open to settle", []string{"outcome"}, []float64{0.1, 1, 5, 30, 120, 600, 3600})
	return
}

// MetricsMiddleware records request counts, durations, and the in-flight
// gauge for every routed request.
func (mc *MetricsCollector) MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		mc.activeRequests.Inc()
		defer mc.activeRequests.Dec()

		c.Next()

		// Label by route template, not the raw path, so user IDs don't
		// explode the cardinality.
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unknown"
		}
		status := strconv.Itoa(c.Writer.Status())

		mc.httpRequestsTotal.WithLabelValues(c.Request.Method, endpoint, status).Inc()
		mc.httpRequestDuration.WithLabelValues(c.Request.Method, endpoint).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the default Prometheus registry.
func (mc *MetricsCollector) Handler() gin.HandlerFunc {
	handler := promhttp.Handler()
	return func(c *gin.Context) {
		handler.ServeHTTP(c.Writer, c.Request)
	}
}
