package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics() *Metrics {
	return NewMetricsWith(prometheus.NewRegistry())
}

func TestMessagePublished(t *testing.T) {
	m := newTestMetrics()

	m.MessagePublished("w1", "human")
	m.MessagePublished("w1", "human")
	m.MessagePublished("w1", "agent")

	if got := testutil.ToFloat64(m.MessageCounter.WithLabelValues("w1", "human")); got != 2 {
		t.Errorf("human messages = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.MessageCounter.WithLabelValues("w1", "agent")); got != 1 {
		t.Errorf("agent messages = %v, want 1", got)
	}
}

func TestRecordLLMRequest(t *testing.T) {
	m := newTestMetrics()

	m.RecordLLMRequest("openai", "gpt-4o", "ok", 1.2, 150, 40)
	m.RecordLLMRequest("openai", "gpt-4o", "error", 0.3, 0, 0)

	if got := testutil.ToFloat64(m.LLMRequestCounter.WithLabelValues("openai", "gpt-4o", "ok")); got != 1 {
		t.Errorf("ok requests = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.LLMRequestCounter.WithLabelValues("openai", "gpt-4o", "error")); got != 1 {
		t.Errorf("error requests = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.LLMTokensUsed.WithLabelValues("openai", "gpt-4o", "prompt")); got != 150 {
		t.Errorf("prompt tokens = %v, want 150", got)
	}
	// Zero token counts are not recorded.
	if got := testutil.ToFloat64(m.LLMTokensUsed.WithLabelValues("openai", "gpt-4o", "completion")); got != 40 {
		t.Errorf("completion tokens = %v, want 40", got)
	}
}

func TestRecordToolExecution(t *testing.T) {
	m := newTestMetrics()

	m.RecordToolExecution("shell_cmd", "ok", 0.5)
	m.RecordToolExecution("shell_cmd", "error", 0.1)

	if got := testutil.ToFloat64(m.ToolExecutionCounter.WithLabelValues("shell_cmd", "ok")); got != 1 {
		t.Errorf("ok executions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ToolExecutionCounter.WithLabelValues("shell_cmd", "error")); got != 1 {
		t.Errorf("error executions = %v, want 1", got)
	}
}

func TestGauges(t *testing.T) {
	m := newTestMetrics()

	m.SetPendingOperations("w1", 3)
	m.SetQueueDepth("w1", 5)
	m.SetPendingOperations("w1", 0)

	if got := testutil.ToFloat64(m.PendingOperations.WithLabelValues("w1")); got != 0 {
		t.Errorf("pending = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.QueueDepth.WithLabelValues("w1")); got != 5 {
		t.Errorf("queue depth = %v, want 5", got)
	}
}

func TestCountersTolerateNilReceiver(t *testing.T) {
	var m *Metrics

	// None of these may panic when metrics are disabled.
	m.MessagePublished("w1", "human")
	m.RecordLLMRequest("openai", "gpt-4o", "ok", 1, 1, 1)
	m.RecordToolExecution("echo", "ok", 0.1)
	m.RecordError("orchestrator", "llm")
	m.SetPendingOperations("w1", 1)
	m.SetQueueDepth("w1", 1)
	m.EventPersisted("message")
	m.TitleGeneration("committed")
}

func TestErrorAndTitleCounters(t *testing.T) {
	m := newTestMetrics()

	m.RecordError("world", "persist_agent")
	m.TitleGeneration("conflict")
	m.EventPersisted("sse")

	if got := testutil.ToFloat64(m.ErrorCounter.WithLabelValues("world", "persist_agent")); got != 1 {
		t.Errorf("errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.TitleGenerations.WithLabelValues("conflict")); got != 1 {
		t.Errorf("title generations = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.EventsPersisted.WithLabelValues("sse")); got != 1 {
		t.Errorf("events persisted = %v, want 1", got)
	}
}
