// Package telemetry exposes Prometheus metrics for the dashboard service:
// HTTP server latency, clinical alerts emitted, feed builds, event log
// writes and outbound SMS results.
package telemetry

import (
	"fmt"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "healthalert"

// Metrics owns a private registry. All recording methods are safe to call on
// a nil *Metrics, which lets packages take metrics as an optional dependency.
type Metrics struct {
	registry *prometheus.Registry

	requestDuration *prometheus.HistogramVec
	activeRequests  prometheus.Gauge
	alerts          *prometheus.CounterVec
	feedBuilds      *prometheus.CounterVec
	logAppends      *prometheus.CounterVec
	malformedLogs   *prometheus.CounterVec
	fanouts         prometheus.Counter
	smsSent         *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method, route and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		activeRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_active_requests",
			Help:      "In-flight HTTP requests.",
		}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clinical_alerts_total",
			Help:      "Clinical alerts emitted by evaluations.",
		}, []string{"severity", "category"}),
		feedBuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_builds_total",
			Help:      "Notification feeds aggregated, by view.",
		}, []string{"view"}),
		logAppends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_log_appends_total",
			Help:      "Records appended to per-subject logs.",
		}, []string{"kind"}),
		malformedLogs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_log_malformed_total",
			Help:      "Stored logs that failed to decode and were read as empty.",
		}, []string{"kind"}),
		fanouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_fanout_total",
			Help:      "Open views re-aggregated after a mutation.",
		}),
		smsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sms_sent_total",
			Help:      "Outbound SMS attempts by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requestDuration, m.activeRequests, m.alerts, m.feedBuilds,
		m.logAppends, m.malformedLogs, m.fanouts, m.smsSent,
	)
	return m
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) AlertEmitted(severity, category string) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(severity, category).Inc()
}

func (m *Metrics) FeedBuilt(view string) {
	if m == nil {
		return
	}
	m.feedBuilds.WithLabelValues(view).Inc()
}

func (m *Metrics) LogAppended(kind string) {
	if m == nil {
		return
	}
	m.logAppends.WithLabelValues(kind).Inc()
}

func (m *Metrics) LogMalformed(kind string) {
	if m == nil {
		return
	}
	m.malformedLogs.WithLabelValues(kind).Inc()
}

func (m *Metrics) ViewRefreshed() {
	if m == nil {
		return
	}
	m.fanouts.Inc()
}

func (m *Metrics) SMSResult(ok bool) {
	if m == nil {
		return
	}
	result := "sent"
	if !ok {
		result = "failed"
	}
	m.smsSent.WithLabelValues(result).Inc()
}

// MetricsMiddleware records HTTP server metrics.
func (m *Metrics) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.activeRequests.Inc()
			start := time.Now()

			err := next(c)

			m.activeRequests.Dec()
			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			m.requestDuration.
				WithLabelValues(c.Request().Method, route, fmt.Sprintf("%d", status)).
				Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// PrometheusHandler serves the registry in text exposition format at /metrics.
func (m *Metrics) PrometheusHandler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}
