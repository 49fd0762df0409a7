package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "loan_service"

// Outcome labels for payment attempts.
const (
	OutcomeAccepted = "accepted"
	OutcomeError    = "error"
)

// Collector owns a private registry so tests can build as many as they need.
// A nil *Collector is valid and records nothing.
type Collector struct {
	registry          *prometheus.Registry
	paymentsProcessed *prometheus.CounterVec
	paymentDuration   prometheus.Histogram
	loansClosed       prometheus.Counter
	loansCreated      prometheus.Counter
	auditPublished    *prometheus.CounterVec
	auditRelayErrors  prometheus.Counter
}

// NewCollector registers every service metric plus the Go runtime collectors.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,
		paymentsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payments_processed_total",
			Help:      "Payment attempts by outcome",
		}, []string{"outcome"}),
		paymentDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "payment_processing_duration_seconds",
			Help:      "Time taken to reconcile a payment, lock wait included",
			Buckets:   prometheus.DefBuckets,
		}),
		loansClosed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loans_closed_total",
			Help:      "Loans transitioned to settled",
		}),
		loansCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loans_created_total",
			Help:      "Loans created",
		}),
		auditPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_events_published_total",
			Help:      "Audit events relayed to the broker by action",
		}, []string{"action"}),
		auditRelayErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_relay_errors_total",
			Help:      "Relay ticks that failed",
		}),
	}
}

// RecordPayment counts one attempt. Rejections are labelled with their lowercased kind.
func (c *Collector) RecordPayment(outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.paymentsProcessed.WithLabelValues(strings.ToLower(outcome)).Inc()
	c.paymentDuration.Observe(duration.Seconds())
}

func (c *Collector) RecordLoanClosed() {
	if c == nil {
		return
	}
	c.loansClosed.Inc()
}

func (c *Collector) RecordLoanCreated() {
	if c == nil {
		return
	}
	c.loansCreated.Inc()
}

func (c *Collector) RecordAuditPublished(action string) {
	if c == nil {
		return
	}
	c.auditPublished.WithLabelValues(action).Inc()
}

func (c *Collector) RecordAuditRelayError() {
	if c == nil {
		return
	}
	c.auditRelayErrors.Inc()
}

// Handler exposes the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
