// Package telemetry provides comprehensive observability instrumentation for OpenFleet.
//
// The telemetry package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and event publishing into a unified system
// for monitoring and debugging OpenFleet deployment runs.
//
// # Architecture
//
// The telemetry system is built on four pillars:
//
//  1. Structured Logging - Context-aware logging with zerolog
//  2. Distributed Tracing - OpenTelemetry traces with multiple exporters
//  3. Metrics Collection - Prometheus metrics for operational insights
//  4. Event Publishing - Async event system for audit and notifications
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	// Start metrics server
//	if err := tel.StartMetricsServer(); err != nil {
//	    log.Fatal(err)
//	}
//
// Add telemetry to context:
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
// The logger provides component-specific logging with automatic context propagation:
//
//	logger := tel.Logger.NewComponentLogger("engine")
//	logger = logger.WithRunID("run-123").WithAction("networking:111111111111:eu-west-1")
//	logger.Info("Starting provisioning")
//	logger.WithError(err).Error("Provisioning failed")
//
// Log levels: trace, debug, info, warn, error, fatal
//
// # Distributed Tracing
//
// Tracing provides visibility into run flow and performance:
//
//	ctx, span := tel.Tracer.Start(ctx, "operation.name")
//	defer span.End()
//
//	// Add attributes
//	span.SetAttributes(
//	    telemetry.AttrManifest.String(manifestName),
//	    telemetry.AttrRunStatus.String("success"),
//	)
//
//	// Record errors
//	if err != nil {
//	    telemetry.RecordError(span, err)
//	}
//
// Supported exporters: OTLP (production), Stdout (development), None (testing)
//
// # Metrics
//
// Prometheus metrics track run behavior and performance:
//
//	// Record run execution
//	tel.Metrics.RecordRunStarted()
//	tel.Metrics.RecordRunCompleted("SUCCESS", duration)
//
//	// Record action execution
//	tel.Metrics.RecordActionExecution("CREATE", "SUCCEEDED", duration)
//
//	// Record remote service calls
//	tel.Metrics.RecordRemoteCall("servicecatalog", "ProvisionProduct", duration)
//
//	// Record errors
//	tel.Metrics.RecordError("transient", "TIMEOUT")
//
// Metrics are exposed via HTTP at /metrics (default: :9090/metrics)
//
// # Event Publishing
//
// The event system provides async publishing with buffering and filtering:
//
//	// Publish events
//	tel.Events.PublishRunStarted(runID, manifestName)
//	tel.Events.PublishActionCompleted(runID, actionKey, duration)
//	tel.Events.PublishDriftDetected(runID, actionKey, detail)
//
//	// Subscribe to events
//	tel.Events.Subscribe(func(event telemetry.Event) {
//	    fmt.Printf("Event: %s - %s\n", event.Type, event.Message)
//	}, telemetry.FilterByLevel("warning"))
//
// Event filters: FilterByLevel, FilterByType, FilterByRunID, FilterByActionKey
//
// # Engine Integration
//
// The engine emits run timeline events; EngineSink maps them onto all four
// pillars, opening run and action spans and driving the metric families:
//
//	deps := engine.Deps{
//	    // ...
//	    Events: tel.EngineSink(),
//	}
//
// Remote provisioning calls are instrumented by wrapping the provisioning
// API, which records one span and one remote-call metric per call:
//
//	cfg := cloud.SessionConfig{
//	    // ...
//	    WrapRemote: tel.InstrumentRemote,
//	}
//
// # Configuration
//
// The package provides pre-configured setups for different environments:
//
//	// Development (verbose logging, stdout traces, full sampling)
//	cfg := telemetry.DevelopmentConfig()
//
//	// Production (JSON logs, OTLP traces, 10% sampling)
//	cfg := telemetry.ProductionConfig()
//
// # Graceful Shutdown
//
// Always shut down telemetry gracefully to flush pending data:
//
//	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
//	defer cancel()
//
//	if err := tel.Shutdown(ctx); err != nil {
//	    log.Printf("Telemetry shutdown error: %v", err)
//	}
//
// # Common Metrics
//
// Key metrics exposed:
//
//	openfleet_runs_started_total
//	openfleet_runs_completed_total{verdict}
//	openfleet_run_duration_seconds{verdict}
//	openfleet_actions_executed_total{operation,status}
//	openfleet_action_duration_seconds{operation}
//	openfleet_action_retries_total
//	openfleet_remote_calls_total{service,operation}
//	openfleet_remote_call_duration_seconds{service,operation}
//	openfleet_errors_by_class_total{class}
//	openfleet_drift_detections_total{status}
//	openfleet_active_runs
//	openfleet_in_flight_actions
package telemetry
