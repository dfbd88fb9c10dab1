// Package metrics holds the Prometheus collectors shared by the delivery core.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	defaultInstance *Metrics
	defaultOnce     sync.Once
)

// Metrics holds all Prometheus metrics for the delivery core
type Metrics struct {
	// Message metrics
	MessagesReceived *prometheus.CounterVec
	MessagesSent     *prometheus.CounterVec
	MessagesRejected *prometheus.CounterVec
	MessagesFailed   *prometheus.CounterVec
	MessageSize      prometheus.Histogram

	// Delivery metrics
	DeliveryDuration *prometheus.HistogramVec
	Retries          *prometheus.CounterVec

	// Authentication metrics
	SPFResults   *prometheus.CounterVec
	DKIMResults  *prometheus.CounterVec
	DMARCResults *prometheus.CounterVec
	DKIMUnsigned *prometheus.CounterVec

	// Virus scanning
	VirusScans *prometheus.CounterVec

	// Queue metrics
	QueueMessages *prometheus.GaugeVec

	// TLS certificate metrics
	TLSCertificateExpiry *prometheus.GaugeVec
	TLSCertificateValid  *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// Default returns the process-wide instance registered on the default registry
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultInstance = New(prometheus.DefaultRegisterer)
		defaultInstance.gatherer = prometheus.DefaultGatherer
	})
	return defaultInstance
}

// NewRegistry returns metrics registered on a fresh registry. Tests and
// embedded uses call this to avoid duplicate registration panics.
func NewRegistry() *Metrics {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.gatherer = reg
	return m
}

// New creates all collectors and registers them on reg
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{
		MessagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mailcore_messages_received_total",
			Help: "Total number of messages accepted into the queue",
		}, []string{"domain"}),
		MessagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mailcore_messages_sent_total",
			Help: "Total number of messages delivered",
		}, []string{"domain"}),
		MessagesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mailcore_messages_rejected_total",
			Help: "Total number of messages or recipients rejected",
		}, []string{"domain", "reason"}),
		MessagesFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mailcore_messages_failed_total",
			Help: "Total number of messages that failed permanently",
		}, []string{"domain"}),
		MessageSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mailcore_message_size_bytes",
			Help:    "Size of accepted messages in bytes",
			Buckets: []float64{1024, 10 * 1024, 100 * 1024, 1024 * 1024, 10 * 1024 * 1024},
		}),

		DeliveryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mailcore_delivery_duration_seconds",
			Help:    "Duration of delivery attempts",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),
		Retries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mailcore_retries_total",
			Help: "Total number of scheduled delivery retries",
		}, []string{"domain"}),

		SPFResults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mailcore_spf_results_total",
			Help: "SPF evaluations by result",
		}, []string{"result"}),
		DKIMResults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mailcore_dkim_results_total",
			Help: "DKIM signature verifications by result",
		}, []string{"result"}),
		DMARCResults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mailcore_dmarc_results_total",
			Help: "DMARC evaluations by result and disposition",
		}, []string{"result", "disposition"}),
		DKIMUnsigned: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mailcore_dkim_unsigned_total",
			Help: "Outbound messages sent without a DKIM signature",
		}, []string{"domain"}),

		VirusScans: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mailcore_virus_scans_total",
			Help: "Virus scans of accepted messages by result",
		}, []string{"result"}),

		QueueMessages: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mailcore_queue_messages",
			Help: "Number of messages in the queue by status",
		}, []string{"status"}),

		TLSCertificateExpiry: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mailcore_tls_certificate_expiry_seconds",
			Help: "Time in seconds until TLS certificate expiry",
		}, []string{"domain", "issuer"}),
		TLSCertificateValid: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mailcore_tls_certificate_valid",
			Help: "Whether the TLS certificate is valid (1) or not (0)",
		}, []string{"domain", "issuer"}),
	}

	for _, status := range []string{"pending", "processing", "sent", "failed"} {
		m.QueueMessages.WithLabelValues(status).Set(0)
	}

	return m
}

// Handler serves the registry the metrics were created on
func (m *Metrics) Handler() http.Handler {
	if m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// SetQueueSizes replaces the queue gauge values
func (m *Metrics) SetQueueSizes(counts map[string]int) {
	for status, n := range counts {
		m.QueueMessages.WithLabelValues(status).Set(float64(n))
	}
}

// TrackDelivery times f under the given delivery type
func (m *Metrics) TrackDelivery(kind string, f func() error) error {
	start := time.Now()
	err := f()
	m.DeliveryDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	return err
}
