package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tagbeat"

// Metrics holds the Prometheus collectors for the pipeline. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	framesProcessed    *prometheus.CounterVec
	reconstructSeconds prometheus.Histogram
	activeTags         prometheus.Gauge
	commands           *prometheus.CounterVec
	recordFailures     prometheus.Counter
	sourceDropped      prometheus.Counter
	sinkDropped        prometheus.Counter
	subscribers        prometheus.Gauge
}

// NewMetrics registers the pipeline collectors on reg. A nil registry
// disables metrics and returns nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		registry: reg,
		framesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "frames_processed_total",
			Help:      "Frames emitted by the processor, by run mode.",
		}, []string{"mode"}),
		reconstructSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "reconstruct_duration_seconds",
			Help:      "Time spent reconstructing one live frame.",
			Buckets:   prometheus.ExponentialBuckets(1e-5, 4, 10),
		}),
		activeTags: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "active_tags",
			Help:      "Tags present in the most recently emitted frame.",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "commands_total",
			Help:      "Reconfiguration commands applied, by kind and result.",
		}, []string{"kind", "result"}),
		recordFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recorder",
			Name:      "write_failures_total",
			Help:      "Session frames that could not be written.",
		}),
		sourceDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "frames_dropped_total",
			Help:      "Raw frames dropped because the processor fell behind.",
		}),
		sinkDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "frames_dropped_total",
			Help:      "Frames evicted from slow subscriber buffers.",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "subscribers",
			Help:      "Currently attached result subscribers.",
		}),
	}

	reg.MustRegister(
		m.framesProcessed,
		m.reconstructSeconds,
		m.activeTags,
		m.commands,
		m.recordFailures,
		m.sourceDropped,
		m.sinkDropped,
		m.subscribers,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// FrameEmitted records one frame leaving the processor.
func (m *Metrics) FrameEmitted(mode string, tags int) {
	if m == nil {
		return
	}
	m.framesProcessed.WithLabelValues(mode).Inc()
	m.activeTags.Set(float64(tags))
}

// ObserveReconstruct records the duration of one reconstruction.
func (m *Metrics) ObserveReconstruct(d time.Duration) {
	if m == nil {
		return
	}
	m.reconstructSeconds.Observe(d.Seconds())
}

// CommandApplied counts a command and whether it was accepted.
func (m *Metrics) CommandApplied(kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "rejected"
	}
	m.commands.WithLabelValues(kind, result).Inc()
}

// RecordFailed counts one session write failure.
func (m *Metrics) RecordFailed() {
	if m == nil {
		return
	}
	m.recordFailures.Inc()
}

// SourceDropped counts one raw frame evicted from the source buffer.
func (m *Metrics) SourceDropped() {
	if m == nil {
		return
	}
	m.sourceDropped.Inc()
}

// SinkDropped counts one frame evicted from a subscriber buffer.
func (m *Metrics) SinkDropped() {
	if m == nil {
		return
	}
	m.sinkDropped.Inc()
}

// SetSubscribers reports the current subscriber count.
func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.subscribers.Set(float64(n))
}
