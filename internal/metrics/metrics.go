// Package metrics wires the execution engine's counters into
// Prometheus, grounded on the pack's prometheus/client_golang usage
// (the teacher carries no metrics layer of its own; this follows the
// client_golang registry-plus-vector idiom from the rest of the pack).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Sink implements engine.Metrics against a Prometheus registry.
type Sink struct {
	executed *prometheus.CounterVec
	replayed *prometheus.CounterVec
	rejected *prometheus.CounterVec
	timedOut *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// New registers the counters on reg and returns a Sink. Passing
// prometheus.NewRegistry() keeps tests isolated from the global
// registry; production wiring can pass prometheus.DefaultRegisterer's
// registry instead.
func New(reg prometheus.Registerer) *Sink {
	s := &Sink{
		executed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wingmux",
			Subsystem: "engine",
			Name:      "commands_executed_total",
			Help:      "Commands that completed the pipeline, by command type.",
		}, []string{"command"}),
		replayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wingmux",
			Subsystem: "engine",
			Name:      "commands_replayed_total",
			Help:      "Commands satisfied from replay (idempotency cache, outcome cache, or in-flight dedup).",
		}, []string{"command"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wingmux",
			Subsystem: "engine",
			Name:      "commands_rejected_total",
			Help:      "Commands rejected before dispatch, by command type and reason.",
		}, []string{"command", "reason"}),
		timedOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wingmux",
			Subsystem: "engine",
			Name:      "commands_timed_out_total",
			Help:      "Commands that resolved via the classified timeout path.",
		}, []string{"command"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "wingmux",
			Subsystem: "engine",
			Name:      "command_duration_seconds",
			Help:      "End-to-end command execution latency as observed by the caller.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command"}),
	}

	reg.MustRegister(s.executed, s.replayed, s.rejected, s.timedOut, s.duration)
	return s
}

func (s *Sink) IncExecuted(cmdType string) { s.executed.WithLabelValues(cmdType).Inc() }
func (s *Sink) IncReplayed(cmdType string) { s.replayed.WithLabelValues(cmdType).Inc() }
func (s *Sink) IncRejected(cmdType, reason string) {
	s.rejected.WithLabelValues(cmdType, reason).Inc()
}
func (s *Sink) IncTimedOut(cmdType string) { s.timedOut.WithLabelValues(cmdType).Inc() }
func (s *Sink) ObserveDuration(cmdType string, d time.Duration) {
	s.duration.WithLabelValues(cmdType).Observe(d.Seconds())
}
