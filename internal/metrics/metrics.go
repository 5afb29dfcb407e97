// Package metrics provides Prometheus metrics for regionsync.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry for all regionsync metrics.
var Registry = prometheus.NewRegistry()

func init() {
	// Register standard Go metrics
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

// Result label values.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultSkipped = "skipped"
)

var (
	metricsOnce     sync.Once
	metricsInstance *Metrics
)

// Metrics holds all replication metrics. Every series carries a region label.
// Methods are safe to call on a nil receiver.
type Metrics struct {
	JournalEntries *prometheus.CounterVec   // regionsync_journal_entries_total{region,result}
	Replays        *prometheus.CounterVec   // regionsync_replays_total{region,op,result}
	Multipart      *prometheus.CounterVec   // regionsync_multipart_uploads_total{region,result}
	PartsCopied    *prometheus.CounterVec   // regionsync_parts_copied_total{region,result}
	BytesCopied    *prometheus.CounterVec   // regionsync_bytes_replicated_total{region}
	Finalizations  *prometheus.CounterVec   // regionsync_finalizations_total{region,result}
	QueueMessages  *prometheus.CounterVec   // regionsync_queue_messages_total{region,kind,result}
	ReplayDuration *prometheus.HistogramVec // regionsync_replay_duration_seconds{region,op}

	// Backlog gauges, refreshed by the Collector
	TrackingRecords *prometheus.GaugeVec // regionsync_tracking_records{region,status}
	QueueDepth      *prometheus.GaugeVec // regionsync_queue_depth{region}

	// Gateway request metrics
	RequestsTotal   *prometheus.CounterVec   // regionsync_gateway_requests_total{operation,status}
	RequestDuration *prometheus.HistogramVec // regionsync_gateway_request_duration_seconds{operation}
}

// InitMetrics registers all metrics with registry, or the package Registry
// when nil. Metrics are only registered once; subsequent calls return the
// same instance.
func InitMetrics(registry prometheus.Registerer) *Metrics {
	metricsOnce.Do(func() {
		if registry == nil {
			registry = Registry
		}
		factory := promauto.With(registry)
		metricsInstance = &Metrics{
			JournalEntries: factory.NewCounterVec(prometheus.CounterOpts{
				Name: "regionsync_journal_entries_total",
				Help: "Journal writer outcomes per notification record",
			}, []string{"region", "result"}),

			Replays: factory.NewCounterVec(prometheus.CounterOpts{
				Name: "regionsync_replays_total",
				Help: "Replayed journal entries by operation and result",
			}, []string{"region", "op", "result"}),

			Multipart: factory.NewCounterVec(prometheus.CounterOpts{
				Name: "regionsync_multipart_uploads_total",
				Help: "Multipart copies started by the coordinator",
			}, []string{"region", "result"}),

			PartsCopied: factory.NewCounterVec(prometheus.CounterOpts{
				Name: "regionsync_parts_copied_total",
				Help: "Part copy tasks processed",
			}, []string{"region", "result"}),

			BytesCopied: factory.NewCounterVec(prometheus.CounterOpts{
				Name: "regionsync_bytes_replicated_total",
				Help: "Bytes copied into the local region",
			}, []string{"region"}),

			Finalizations: factory.NewCounterVec(prometheus.CounterOpts{
				Name: "regionsync_finalizations_total",
				Help: "Multipart finalization attempts",
			}, []string{"region", "result"}),

			QueueMessages: factory.NewCounterVec(prometheus.CounterOpts{
				Name: "regionsync_queue_messages_total",
				Help: "Queue messages handled by kind and result",
			}, []string{"region", "kind", "result"}),

			ReplayDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "regionsync_replay_duration_seconds",
				Help:    "Time to replay one journal entry",
				Buckets: prometheus.DefBuckets,
			}, []string{"region", "op"}),

			TrackingRecords: factory.NewGaugeVec(prometheus.GaugeOpts{
				Name: "regionsync_tracking_records",
				Help: "Multipart tracking records by status",
			}, []string{"region", "status"}),

			QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
				Name: "regionsync_queue_depth",
				Help: "Messages waiting in the region queue",
			}, []string{"region"}),

			RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
				Name: "regionsync_gateway_requests_total",
				Help: "Total gateway requests by operation and status",
			}, []string{"operation", "status"}),

			RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "regionsync_gateway_request_duration_seconds",
				Help:    "Gateway request duration in seconds",
				Buckets: prometheus.DefBuckets,
			}, []string{"operation"}),
		}
	})

	return metricsInstance
}

// GetMetrics returns the singleton instance, or nil before InitMetrics.
func GetMetrics() *Metrics {
	return metricsInstance
}

func result(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultSuccess
}

// RecordJournal records a journal writer outcome.
func (m *Metrics) RecordJournal(region, res string) {
	if m == nil {
		return
	}
	m.JournalEntries.WithLabelValues(region, res).Inc()
}

// RecordReplay records a replayed operation and its duration.
func (m *Metrics) RecordReplay(region, op string, err error, seconds float64) {
	if m == nil {
		return
	}
	m.Replays.WithLabelValues(region, op, result(err)).Inc()
	m.ReplayDuration.WithLabelValues(region, op).Observe(seconds)
}

// RecordMultipart records a coordinator outcome.
func (m *Metrics) RecordMultipart(region, res string) {
	if m == nil {
		return
	}
	m.Multipart.WithLabelValues(region, res).Inc()
}

// RecordPart records a part copy and the bytes it moved.
func (m *Metrics) RecordPart(region string, bytes int64, err error) {
	if m == nil {
		return
	}
	m.PartsCopied.WithLabelValues(region, result(err)).Inc()
	if err == nil {
		m.BytesCopied.WithLabelValues(region).Add(float64(bytes))
	}
}

// RecordBytes records bytes copied outside the part path.
func (m *Metrics) RecordBytes(region string, bytes int64) {
	if m == nil {
		return
	}
	m.BytesCopied.WithLabelValues(region).Add(float64(bytes))
}

// RecordFinalization records a finalize attempt.
func (m *Metrics) RecordFinalization(region, res string) {
	if m == nil {
		return
	}
	m.Finalizations.WithLabelValues(region, res).Inc()
}

// RecordQueueMessage records a dispatched queue message.
func (m *Metrics) RecordQueueMessage(region, kind string, err error) {
	if m == nil {
		return
	}
	m.QueueMessages.WithLabelValues(region, kind, result(err)).Inc()
}

// RecordRequest records a gateway request.
func (m *Metrics) RecordRequest(operation, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(operation, status).Inc()
	m.RequestDuration.WithLabelValues(operation).Observe(durationSeconds)
}
