package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/openfleet/openfleet/pkg/engine"
)

func sinkMetrics(t *testing.T) *Metrics {
	t.Helper()
	metrics, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "openfleet"})
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	return metrics
}

func sinkTracer(t *testing.T) *Tracer {
	t.Helper()
	tracer, err := NewTracer(TracingConfig{Enabled: true, Exporter: "none", SamplingRate: 1}, "fleet-test", "dev", "test")
	if err != nil {
		t.Fatalf("NewTracer() error = %v", err)
	}
	return tracer
}

func publishLifecycle(sink *EngineSink, runID string, events ...engine.Event) {
	for _, event := range events {
		event.RunID = runID
		event.Timestamp = time.Now()
		sink.Publish(event)
	}
}

func TestEngineSinkRunLifecycleMetrics(t *testing.T) {
	metrics := sinkMetrics(t)
	sink := NewEngineSink(nil, sinkTracer(t), metrics, nil)

	publishLifecycle(sink, "run-1",
		engine.Event{
			Type:    engine.EventTypeRunStarted,
			Details: map[string]interface{}{"manifest": "production"},
		},
		engine.Event{
			Type:      engine.EventTypeActionStarted,
			ActionKey: "launch:network:022222222222:eu-west-1",
			Details: map[string]interface{}{
				"operation":  "CREATE",
				"account_id": "022222222222",
				"region":     "eu-west-1",
			},
		},
		engine.Event{
			Type:      engine.EventTypeActionCompleted,
			ActionKey: "launch:network:022222222222:eu-west-1",
			Details:   map[string]interface{}{"operation": "CREATE"},
		},
		engine.Event{
			Type:    engine.EventTypeRunCompleted,
			Details: map[string]interface{}{"verdict": "success"},
		},
	)

	if got := testutil.ToFloat64(metrics.runsStarted); got != 1 {
		t.Errorf("runs started = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.runsCompleted.WithLabelValues("success")); got != 1 {
		t.Errorf("runs completed with verdict success = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.actionsExecuted.WithLabelValues("CREATE", "succeeded")); got != 1 {
		t.Errorf("actions executed CREATE/succeeded = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.activeRuns); got != 0 {
		t.Errorf("active runs gauge = %v, want 0 after completion", got)
	}
	if got := testutil.ToFloat64(metrics.inFlightActions); got != 0 {
		t.Errorf("in-flight actions gauge = %v, want 0 after completion", got)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.runSpans) != 0 || len(sink.actionSpans) != 0 {
		t.Errorf("spans left open: %d run, %d action", len(sink.runSpans), len(sink.actionSpans))
	}
}

func TestEngineSinkFailureAndSkipMetrics(t *testing.T) {
	metrics := sinkMetrics(t)
	sink := NewEngineSink(nil, sinkTracer(t), metrics, nil)

	publishLifecycle(sink, "run-2",
		engine.Event{
			Type:    engine.EventTypeRunStarted,
			Details: map[string]interface{}{"manifest": "production"},
		},
		engine.Event{
			Type:      engine.EventTypeActionStarted,
			ActionKey: "launch:network:022222222222:eu-west-1",
			Details: map[string]interface{}{
				"operation":  "CREATE",
				"account_id": "022222222222",
				"region":     "eu-west-1",
			},
		},
		engine.Event{
			Type:      engine.EventTypeActionFailed,
			ActionKey: "launch:network:022222222222:eu-west-1",
			Details: map[string]interface{}{
				"operation":   "CREATE",
				"error_class": "permanent",
				"error_code":  "EXECUTION_FAILED",
			},
		},
		// A skipped dependent never started; it must not touch the
		// in-flight gauge.
		engine.Event{
			Type:      engine.EventTypeActionSkipped,
			ActionKey: "launch:data-lake:022222222222:eu-west-1",
			Details: map[string]interface{}{
				"operation":   "CREATE",
				"error_class": "permanent",
				"error_code":  "DEPENDENCY_FAILED",
			},
		},
		engine.Event{
			Type:      engine.EventTypeActionRetried,
			ActionKey: "launch:network:022222222222:eu-west-1",
		},
		engine.Event{
			Type:    engine.EventTypeRunCompleted,
			Details: map[string]interface{}{"verdict": "partial_failure"},
		},
	)

	if got := testutil.ToFloat64(metrics.actionsExecuted.WithLabelValues("CREATE", "failed")); got != 1 {
		t.Errorf("actions executed CREATE/failed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.actionsExecuted.WithLabelValues("CREATE", "skipped")); got != 1 {
		t.Errorf("actions executed CREATE/skipped = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.errorsByClass.WithLabelValues("permanent")); got != 1 {
		t.Errorf("errors by class permanent = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.errorsByCode.WithLabelValues("EXECUTION_FAILED")); got != 1 {
		t.Errorf("errors by code EXECUTION_FAILED = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.actionRetries); got != 1 {
		t.Errorf("action retries = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.runsCompleted.WithLabelValues("partial_failure")); got != 1 {
		t.Errorf("runs completed with verdict partial_failure = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.inFlightActions); got != 0 {
		t.Errorf("in-flight actions gauge = %v, want 0 after completion", got)
	}
}

func TestEngineSinkAbortedRunClosesActionSpans(t *testing.T) {
	sink := NewEngineSink(nil, sinkTracer(t), nil, nil)

	publishLifecycle(sink, "run-3",
		engine.Event{
			Type:    engine.EventTypeRunStarted,
			Details: map[string]interface{}{"manifest": "production"},
		},
		engine.Event{
			Type:      engine.EventTypeActionStarted,
			ActionKey: "launch:network:022222222222:eu-west-1",
			Details:   map[string]interface{}{"operation": "CREATE"},
		},
		// The run aborts without a terminal event for the in-flight action.
		engine.Event{
			Type:    engine.EventTypeRunCompleted,
			Details: map[string]interface{}{"verdict": "aborted"},
		},
	)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.actionSpans) != 0 {
		t.Errorf("expected orphaned action spans to close with the run, %d left", len(sink.actionSpans))
	}
}

func TestEngineSinkNilComponents(t *testing.T) {
	sink := NewEngineSink(nil, nil, nil, nil)

	publishLifecycle(sink, "run-4",
		engine.Event{Type: engine.EventTypeRunStarted},
		engine.Event{Type: engine.EventTypeActionStarted, ActionKey: "a"},
		engine.Event{Type: engine.EventTypeActionCompleted, ActionKey: "a"},
		engine.Event{Type: engine.EventTypeDriftDetected, ActionKey: "a"},
		engine.Event{Type: engine.EventTypeRunCompleted},
	)
}
