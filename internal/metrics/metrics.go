// Package metrics holds the Prometheus collectors shared by the settlement
// services and the HTTP surface.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settle_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	escrowOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_escrow_operations_total",
		Help: "Escrow operations by type and result (applied, replayed, conflict, insufficient, error).",
	}, []string{"type", "result"})

	kernelVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_kernel_verifications_total",
		Help: "Settlement kernel verifications by result.",
	}, []string{"result"})

	zkVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_zk_verifications_total",
		Help: "ZK proof verifications by protocol and result.",
	}, []string{"protocol", "result"})

	zkInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settle_zk_inflight",
		Help: "ZK proof verifications currently running.",
	})

	railEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_rail_events_total",
		Help: "Money-rail provider events by result (applied, duplicate, noop, rejected).",
	}, []string{"result"})

	auditEntriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settle_audit_entries_total",
		Help: "Total audit chain entries appended.",
	})

	webhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_webhook_deliveries_total",
		Help: "Webhook delivery attempts by result.",
	}, []string{"result"})

	dependencyChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_dependency_checks_total",
		Help: "Dependency health probes by dependency and result.",
	}, []string{"dependency", "result"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		requestsTotal.WithLabelValues(method, path, status).Inc()
		requestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// Handler returns a Gin handler that serves Prometheus metrics.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordEscrowOperation records the outcome of an escrow operation.
func RecordEscrowOperation(opType, result string) {
	escrowOperationsTotal.WithLabelValues(opType, result).Inc()
}

// RecordKernelVerification records a kernel verification outcome.
func RecordKernelVerification(valid bool) {
	if valid {
		kernelVerificationsTotal.WithLabelValues("valid").Inc()
	} else {
		kernelVerificationsTotal.WithLabelValues("invalid").Inc()
	}
}

// RecordZKVerification records a finished proof verification.
func RecordZKVerification(protocol, result string) {
	zkVerificationsTotal.WithLabelValues(protocol, result).Inc()
}

// ZKStarted and ZKFinished track in-flight proof verifications.
func ZKStarted()  { zkInflight.Inc() }
func ZKFinished() { zkInflight.Dec() }

// RecordRailEvent records how a provider event was handled.
func RecordRailEvent(result string) {
	railEventsTotal.WithLabelValues(result).Inc()
}

// RecordAuditAppend records an audit chain append.
func RecordAuditAppend() {
	auditEntriesTotal.Inc()
}

// RecordDependencyCheck records one dependency health probe.
func RecordDependencyCheck(dependency string, ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	dependencyChecksTotal.WithLabelValues(dependency, result).Inc()
}

// RecordWebhookDelivery records one webhook delivery attempt.
func RecordWebhookDelivery(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	webhookDeliveriesTotal.WithLabelValues(result).Inc()
}
