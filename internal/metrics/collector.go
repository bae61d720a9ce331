// Package metrics provides Prometheus instrumentation for the call agent.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Stage labels for backend errors.
const (
	StageTranscription = "transcription"
	StageAgent         = "agent"
	StageSynthesis     = "synthesis"
	StageTransport     = "transport"
)

// Collector records call and pipeline metrics. A nil *Collector is valid and
// records nothing.
type Collector struct {
	callsStarted     *prometheus.CounterVec
	callsEnded       *prometheus.CounterVec
	activeCalls      prometheus.Gauge
	stateTransitions *prometheus.CounterVec
	bargeIns         prometheus.Counter
	backendErrors    *prometheus.CounterVec
	droppedFrames    *prometheus.CounterVec
	replyLatency     prometheus.Histogram

	gatherer prometheus.Gatherer
	logger   *zap.Logger
}

// NewCollector registers the metrics on reg under namespace. When reg is nil
// a private registry is used.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}

	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if reg == nil {
		r := prometheus.NewRegistry()
		reg, gatherer = r, r
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	f := promauto.With(reg)
	c := &Collector{
		gatherer: gatherer,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	c.callsStarted = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_started_total",
			Help:      "Total number of calls whose media stream started",
		},
		[]string{"direction"},
	)

	c.callsEnded = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_ended_total",
			Help:      "Total number of calls that ended",
		},
		[]string{"direction"},
	)

	c.activeCalls = f.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_calls",
			Help:      "Number of calls with a running pipeline",
		},
	)

	c.stateTransitions = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_state_transitions_total",
			Help:      "Total number of pipeline state transitions",
		},
		[]string{"from_state", "to_state"},
	)

	c.bargeIns = f.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "barge_ins_total",
			Help:      "Total number of replies cancelled by caller speech",
		},
	)

	c.backendErrors = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_errors_total",
			Help:      "Total number of recoverable backend failures",
		},
		[]string{"stage"},
	)

	c.droppedFrames = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_frames_total",
			Help:      "Total number of audio frames discarded",
		},
		[]string{"reason"},
	)

	c.replyLatency = f.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reply_latency_seconds",
			Help:      "Time from a final utterance to the first reply audio frame",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)

	c.logger.Debug("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// CallStarted records a call whose pipeline began running.
func (c *Collector) CallStarted(direction string) {
	if c == nil {
		return
	}
	c.callsStarted.WithLabelValues(direction).Inc()
	c.activeCalls.Inc()
}

// CallEnded records a call whose pipeline stopped.
func (c *Collector) CallEnded(direction string) {
	if c == nil {
		return
	}
	c.callsEnded.WithLabelValues(direction).Inc()
	c.activeCalls.Dec()
}

// StateTransition records a pipeline state change.
func (c *Collector) StateTransition(from, to string) {
	if c == nil {
		return
	}
	c.stateTransitions.WithLabelValues(from, to).Inc()
}

// BargeIn records a cancelled reply.
func (c *Collector) BargeIn() {
	if c == nil {
		return
	}
	c.bargeIns.Inc()
}

// BackendError records a recoverable failure in stage.
func (c *Collector) BackendError(stage string) {
	if c == nil {
		return
	}
	c.backendErrors.WithLabelValues(stage).Inc()
}

// DroppedFrame records a discarded frame.
func (c *Collector) DroppedFrame(reason string) {
	if c == nil {
		return
	}
	c.droppedFrames.WithLabelValues(reason).Inc()
}

// ReplyLatency records the time to first reply audio.
func (c *Collector) ReplyLatency(d time.Duration) {
	if c == nil {
		return
	}
	c.replyLatency.Observe(d.Seconds())
}
