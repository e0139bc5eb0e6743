package telemetry

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfleet/openfleet/pkg/engine"
)

// EngineSink adapts the telemetry stack to engine.EventSink. Every engine
// event is logged at its severity and forwarded to the event publisher;
// run and action lifecycle events additionally drive the metric families
// and open or close the matching trace spans. Publish never blocks; the
// event publisher drops on a full buffer.
type EngineSink struct {
	logger  *Logger
	tracer  *Tracer
	metrics *Metrics
	events  *EventPublisher

	mu          sync.Mutex
	runSpans    map[string]*spanHandle
	actionSpans map[string]*spanHandle
}

// spanHandle tracks one open lifecycle span. The span is nil when tracing
// is disabled; the start time still feeds duration metrics. The context
// carries the span so child spans nest under it.
type spanHandle struct {
	ctx     context.Context
	span    trace.Span
	started time.Time
}

// NewEngineSink builds a sink over the given telemetry components. Any of
// them may be nil, in which case that output is skipped.
func NewEngineSink(logger *Logger, tracer *Tracer, metrics *Metrics, events *EventPublisher) *EngineSink {
	if logger != nil {
		logger = logger.NewComponentLogger("engine")
	}
	return &EngineSink{
		logger:      logger,
		tracer:      tracer,
		metrics:     metrics,
		events:      events,
		runSpans:    make(map[string]*spanHandle),
		actionSpans: make(map[string]*spanHandle),
	}
}

// Publish delivers one engine event.
func (s *EngineSink) Publish(event engine.Event) {
	s.log(event)
	s.observe(event)

	if s.events == nil {
		return
	}
	_ = s.events.Publish(Event{
		ID:        event.ID,
		Timestamp: event.Timestamp,
		Type:      eventTypeName(event.Type),
		Source:    "engine",
		RunID:     event.RunID,
		ActionKey: event.ActionKey,
		Message:   event.Message,
		Level:     event.Type.Severity(),
		Data:      event.Details,
	})
}

func (s *EngineSink) log(event engine.Event) {
	if s.logger == nil {
		return
	}
	logger := s.logger.WithRunID(event.RunID)
	if event.ActionKey != "" {
		logger = logger.WithAction(event.ActionKey)
	}
	switch event.Type.Severity() {
	case "error":
		logger.Error(event.Message)
	case "warning":
		logger.Warn(event.Message)
	default:
		logger.Info(event.Message)
	}
}

// observe maps one lifecycle event onto metrics and spans.
func (s *EngineSink) observe(event engine.Event) {
	switch event.Type {
	case engine.EventTypeRunStarted:
		if s.metrics != nil {
			s.metrics.RecordRunStarted()
		}
		s.openRunSpan(event)

	case engine.EventTypeRunCompleted:
		verdict := detailString(event, "verdict")
		elapsed, handle := s.closeSpan(s.runSpans, event.RunID)
		if s.metrics != nil {
			s.metrics.RecordRunCompleted(verdict, elapsed)
		}
		if handle != nil && handle.span != nil {
			handle.span.SetAttributes(AttrRunStatus.String(verdict))
			if verdict == string(engine.VerdictSuccess) {
				RecordSuccess(handle.span)
			} else {
				handle.span.SetStatus(codes.Error, event.Message)
			}
			handle.span.End()
		}
		s.dropRunActions(event.RunID)

	case engine.EventTypeActionStarted:
		if s.metrics != nil {
			s.metrics.ActionStarted()
		}
		s.openActionSpan(event)

	case engine.EventTypeActionCompleted:
		s.finishAction(event, "succeeded", nil)

	case engine.EventTypeActionFailed:
		s.finishAction(event, "failed", func(span trace.Span) {
			span.SetAttributes(
				AttrErrorClass.String(detailString(event, "error_class")),
				AttrErrorCode.String(detailString(event, "error_code")),
			)
			span.SetStatus(codes.Error, event.Message)
		})
		if s.metrics != nil {
			s.metrics.RecordError(detailString(event, "error_class"), detailString(event, "error_code"))
		}

	case engine.EventTypeActionSkipped:
		s.finishAction(event, "skipped", func(span trace.Span) {
			span.SetStatus(codes.Error, event.Message)
		})

	case engine.EventTypeActionRetried:
		if s.metrics != nil {
			s.metrics.RecordActionRetry()
		}

	case engine.EventTypeDriftDetected:
		if s.metrics != nil {
			s.metrics.RecordDriftDetection(string(engine.DriftStatusDrifted))
		}
	}
}

// finishAction closes the action's span handle and records the execution.
// A skipped action that never started leaves no handle; it is counted with
// a zero duration and does not touch the in-flight gauge.
func (s *EngineSink) finishAction(event engine.Event, status string, mark func(trace.Span)) {
	elapsed, handle := s.closeSpan(s.actionSpans, event.RunID+"/"+event.ActionKey)
	if s.metrics != nil {
		s.metrics.RecordActionExecution(detailString(event, "operation"), status, elapsed)
		if handle != nil {
			s.metrics.ActionFinished()
		}
	}
	if handle == nil || handle.span == nil {
		return
	}
	if mark != nil {
		mark(handle.span)
	} else {
		RecordSuccess(handle.span)
	}
	handle.span.End()
}

func (s *EngineSink) openRunSpan(event engine.Event) {
	handle := &spanHandle{ctx: context.Background(), started: event.Timestamp}
	if s.tracer != nil {
		handle.ctx, handle.span = s.tracer.StartRunSpan(context.Background(), event.RunID)
		if name := detailString(event, "manifest"); name != "" {
			handle.span.SetAttributes(AttrManifest.String(name))
		}
	}
	s.mu.Lock()
	s.runSpans[event.RunID] = handle
	s.mu.Unlock()
}

func (s *EngineSink) openActionSpan(event engine.Event) {
	s.mu.Lock()
	parent := context.Background()
	if run, ok := s.runSpans[event.RunID]; ok {
		parent = run.ctx
	}
	handle := &spanHandle{ctx: parent, started: event.Timestamp}
	if s.tracer != nil {
		handle.ctx, handle.span = s.tracer.StartActionSpan(parent,
			event.ActionKey,
			detailString(event, "account_id"),
			detailString(event, "region"),
			detailString(event, "operation"))
	}
	s.actionSpans[event.RunID+"/"+event.ActionKey] = handle
	s.mu.Unlock()
}

// closeSpan removes and returns the handle for key, with the elapsed time
// since it opened. A missing handle yields a zero duration.
func (s *EngineSink) closeSpan(spans map[string]*spanHandle, key string) (time.Duration, *spanHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	handle, ok := spans[key]
	if !ok {
		return 0, nil
	}
	delete(spans, key)
	return time.Since(handle.started), handle
}

// dropRunActions ends any action spans left open when their run completed.
// An aborted run can leave in-flight actions behind; their spans close with
// the run rather than leaking.
func (s *EngineSink) dropRunActions(runID string) {
	prefix := runID + "/"
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, handle := range s.actionSpans {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		delete(s.actionSpans, key)
		if handle.span != nil {
			handle.span.End()
		}
	}
}

// detailString reads one string detail off an event.
func detailString(event engine.Event, key string) string {
	if event.Details == nil {
		return ""
	}
	value, _ := event.Details[key].(string)
	return value
}

// eventTypeName maps engine event types onto the published event vocabulary.
func eventTypeName(t engine.EventType) string {
	switch t {
	case engine.EventTypeRunStarted:
		return EventTypeRunStarted
	case engine.EventTypeRunCompleted:
		return EventTypeRunCompleted
	case engine.EventTypeActionStarted:
		return EventTypeActionStarted
	case engine.EventTypeActionCompleted:
		return EventTypeActionCompleted
	case engine.EventTypeActionFailed:
		return EventTypeActionFailed
	case engine.EventTypeActionSkipped:
		return EventTypeActionSkipped
	case engine.EventTypeActionRetried:
		return EventTypeActionRetried
	case engine.EventTypeDriftDetected:
		return EventTypeDriftDetected
	case engine.EventTypeOutputPublished:
		return EventTypeOutputPublished
	default:
		return string(t)
	}
}
