package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	WebhookRequests   *prometheus.CounterVec
	Events            *prometheus.CounterVec
	SignatureChecks   *prometheus.CounterVec
	ProcessingTime    prometheus.Histogram
	ActiveTenants     prometheus.Gauge
	OCRJobsEnqueued   prometheus.Counter
	DuplicateMessages prometheus.Counter
}

// NewMetrics creates the metrics and registers them with reg. A nil reg
// creates unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		WebhookRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "inbound_webhooks_requests_total",
			Help: "Total number of webhook requests by provider and outcome",
		}, []string{"provider", "outcome"}),
		Events: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "inbound_webhooks_events_total",
			Help: "Total number of webhook events by result",
		}, []string{"result"}),
		SignatureChecks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "inbound_webhooks_signature_checks_total",
			Help: "Signature verification results",
		}, []string{"result"}),
		ProcessingTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "inbound_webhooks_processing_duration_seconds",
			Help:    "Time spent handling one webhook request",
			Buckets: prometheus.DefBuckets,
		}),
		ActiveTenants: factory.NewGauge(prometheus.GaugeOpts{
			Name: "inbound_webhooks_active_tenants",
			Help: "Number of tenants in the verification snapshot",
		}),
		OCRJobsEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "inbound_webhooks_ocr_jobs_enqueued_total",
			Help: "Total number of OCR jobs pushed to the queue",
		}),
		DuplicateMessages: factory.NewCounter(prometheus.CounterOpts{
			Name: "inbound_webhooks_duplicate_messages_total",
			Help: "Total number of redelivered messages skipped as already stored",
		}),
	}
}

func (m *Metrics) ObserveRequest(provider, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.WebhookRequests.WithLabelValues(provider, outcome).Inc()
	m.ProcessingTime.Observe(elapsed.Seconds())
}

func (m *Metrics) AddEvents(result string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Events.WithLabelValues(result).Add(float64(n))
}

func (m *Metrics) ObserveSignature(result string) {
	if m == nil {
		return
	}
	m.SignatureChecks.WithLabelValues(result).Inc()
}

func (m *Metrics) SetActiveTenants(n int) {
	if m == nil {
		return
	}
	m.ActiveTenants.Set(float64(n))
}

func (m *Metrics) IncOCRJobs() {
	if m == nil {
		return
	}
	m.OCRJobsEnqueued.Inc()
}

func (m *Metrics) IncDuplicates() {
	if m == nil {
		return
	}
	m.DuplicateMessages.Inc()
}
