// Package metrics exposes Prometheus instrumentation for streaming turns,
// tool dispatch, knowledge search and agent runs.
//
// A nil *Metrics is valid and records nothing, so components can take one
// unconditionally.
//
// Usage:
//
//	m := metrics.New(prometheus.NewRegistry())
//	m.StreamFinished("ollama", "llama3.1", time.Since(start), "success")
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// StreamDuration measures streaming turn latency in seconds.
	// Labels: provider, model
	StreamDuration *prometheus.HistogramVec

	// StreamCounter counts streaming turns.
	// Labels: provider, model, status (success|error|canceled)
	StreamCounter *prometheus.CounterVec

	// SkippedFrames counts malformed frames dropped under the skip policy.
	// Labels: provider
	SkippedFrames *prometheus.CounterVec

	// ToolDispatchCounter counts tool dispatches.
	// Labels: kind (plugin|knowledge|workflow|agent|skill|external|builtin|unknown), status
	ToolDispatchCounter *prometheus.CounterVec

	// ToolDispatchDuration measures tool execution time in seconds.
	// Labels: kind
	ToolDispatchDuration *prometheus.HistogramVec

	// SearchDuration measures knowledge search latency in seconds.
	SearchDuration prometheus.Histogram

	// SearchResults observes the number of matches returned per search.
	SearchResults prometheus.Histogram

	// AgentRuns counts finished agent runs.
	// Labels: mode (react|plan), outcome (done|cap|error|stopped)
	AgentRuns *prometheus.CounterVec

	// AgentIterations observes iterations per run.
	// Labels: mode
	AgentIterations *prometheus.HistogramVec
}

// New registers the collectors with reg. Passing prometheus.DefaultRegisterer
// exposes them on the default /metrics handler.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		StreamDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "otcore_stream_duration_seconds",
				Help:    "Duration of streaming model turns in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "model"},
		),
		StreamCounter: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "otcore_streams_total",
				Help: "Total number of streaming turns by provider, model and status",
			},
			[]string{"provider", "model", "status"},
		),
		SkippedFrames: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "otcore_stream_skipped_frames_total",
				Help: "Malformed stream frames skipped by provider",
			},
			[]string{"provider"},
		),
		ToolDispatchCounter: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "otcore_tool_dispatches_total",
				Help: "Total number of tool dispatches by kind and status",
			},
			[]string{"kind", "status"},
		),
		ToolDispatchDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "otcore_tool_dispatch_duration_seconds",
				Help:    "Duration of tool dispatches in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"kind"},
		),
		SearchDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "otcore_knowledge_search_duration_seconds",
				Help:    "Duration of knowledge searches in seconds",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		),
		SearchResults: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "otcore_knowledge_search_results",
				Help:    "Number of matches returned per knowledge search",
				Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
			},
		),
		AgentRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "otcore_agent_runs_total",
				Help: "Total number of agent runs by mode and outcome",
			},
			[]string{"mode", "outcome"},
		),
		AgentIterations: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "otcore_agent_iterations",
				Help:    "Iterations used per agent run",
				Buckets: []float64{1, 2, 3, 5, 8, 10, 15, 20},
			},
			[]string{"mode"},
		),
	}
}

// StreamFinished records one streaming turn.
func (m *Metrics) StreamFinished(provider, model string, d time.Duration, status string) {
	if m == nil {
		return
	}
	m.StreamDuration.WithLabelValues(provider, model).Observe(d.Seconds())
	m.StreamCounter.WithLabelValues(provider, model, status).Inc()
}

// FrameSkipped records a dropped malformed frame.
func (m *Metrics) FrameSkipped(provider string) {
	if m == nil {
		return
	}
	m.SkippedFrames.WithLabelValues(provider).Inc()
}

// ToolDispatched records one tool dispatch.
func (m *Metrics) ToolDispatched(kind, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolDispatchCounter.WithLabelValues(kind, status).Inc()
	m.ToolDispatchDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// SearchObserved records one knowledge search.
func (m *Metrics) SearchObserved(d time.Duration, results int) {
	if m == nil {
		return
	}
	m.SearchDuration.Observe(d.Seconds())
	m.SearchResults.Observe(float64(results))
}

// RunFinished records the end of an agent run.
func (m *Metrics) RunFinished(mode, outcome string, iterations int) {
	if m == nil {
		return
	}
	m.AgentRuns.WithLabelValues(mode, outcome).Inc()
	m.AgentIterations.WithLabelValues(mode).Observe(float64(iterations))
}
