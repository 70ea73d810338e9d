package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.StreamFinished("openai", "gpt", time.Second, "success")
	m.FrameSkipped("openai")
	m.ToolDispatched("knowledge", "success", time.Millisecond)
	m.SearchObserved(time.Millisecond, 3)
	m.RunFinished("react", "done", 1)
}

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.FrameSkipped("anthropic")
	m.FrameSkipped("anthropic")
	m.ToolDispatched("knowledge", "error", 10*time.Millisecond)
	m.RunFinished("react", "cap", 10)

	expected := `
		# HELP otcore_stream_skipped_frames_total Malformed stream frames skipped by provider
		# TYPE otcore_stream_skipped_frames_total counter
		otcore_stream_skipped_frames_total{provider="anthropic"} 2
	`
	if err := testutil.CollectAndCompare(m.SkippedFrames, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected skipped frames: %v", err)
	}
	if got := testutil.ToFloat64(m.ToolDispatchCounter.WithLabelValues("knowledge", "error")); got != 1 {
		t.Errorf("tool dispatch count = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.AgentRuns.WithLabelValues("react", "cap")); got != 1 {
		t.Errorf("agent runs = %v, want 1", got)
	}
	if count := testutil.CollectAndCount(m.AgentIterations); count != 1 {
		t.Errorf("iteration series = %d, want 1", count)
	}
}
