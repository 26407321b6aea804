package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cwhhwc/AI-lesson-plan-writing/pkg/lesson"
)

// Metrics holds the client's Prometheus collectors. It implements the
// observer hooks of the write queue, the archive service and the chat view.
type Metrics struct {
	registry *prometheus.Registry

	streamFragments prometheus.Counter
	markerDetected  prometheus.Counter
	cardTransitions *prometheus.CounterVec
	archiveOps      *prometheus.CounterVec
	queueWait       prometheus.Histogram
	queueExec       *prometheus.HistogramVec
	queuePending    prometheus.Gauge
}

var (
	defaultMetrics *Metrics
	initOnce       sync.Once
)

// InitMetrics returns the process-wide Metrics, creating it on first use.
func InitMetrics() *Metrics {
	initOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates Metrics on a private registry that also carries the
// Go runtime and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		streamFragments: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lessonchat_stream_fragments_total",
			Help: "Reply fragments received from chat streams",
		}),
		markerDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lessonchat_marker_detected_total",
			Help: "Generations in which the document marker was found",
		}),
		cardTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lessonchat_card_transitions_total",
			Help: "Document card state transitions",
		}, []string{"status"}),
		archiveOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lessonchat_archive_operations_total",
			Help: "Conversation archive operations",
		}, []string{"op", "result"}),
		queueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lessonchat_queue_wait_seconds",
			Help:    "Time write operations spend queued",
			Buckets: prometheus.DefBuckets,
		}),
		queueExec: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lessonchat_queue_exec_seconds",
			Help:    "Write operation execution time",
			Buckets: prometheus.DefBuckets,
		}, []string{"result"}),
		queuePending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lessonchat_queue_pending",
			Help: "Write operations waiting in the queue",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.streamFragments,
		m.markerDetected,
		m.cardTransitions,
		m.archiveOps,
		m.queueWait,
		m.queueExec,
		m.queuePending,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns an HTTP handler for Prometheus metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveFragment counts one reply fragment.
func (m *Metrics) ObserveFragment() { m.streamFragments.Inc() }

// ObserveMarker counts one marker detection.
func (m *Metrics) ObserveMarker() { m.markerDetected.Inc() }

// ObserveCardTransition counts a card entering state s.
func (m *Metrics) ObserveCardTransition(s lesson.State) {
	m.cardTransitions.WithLabelValues(string(s)).Inc()
}

// ObserveArchiveOp records the outcome of an archive operation.
func (m *Metrics) ObserveArchiveOp(op string, err error) {
	m.archiveOps.WithLabelValues(op, result(err)).Inc()
}

// ObserveWait records queueing delay.
func (m *Metrics) ObserveWait(d time.Duration) { m.queueWait.Observe(d.Seconds()) }

// ObserveExec records execution time of a queued operation.
func (m *Metrics) ObserveExec(d time.Duration, err error) {
	m.queueExec.WithLabelValues(result(err)).Observe(d.Seconds())
}

// SetPending sets the queue length gauge.
func (m *Metrics) SetPending(n int) { m.queuePending.Set(float64(n)) }

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
