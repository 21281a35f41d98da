// Package telemetry provides the observability instrumentation of offerd.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and event publishing.
//
// # Usage
//
// Initialize telemetry at startup:
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//	tel.StartMetricsServer()
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
// Loggers carry scheduler fields:
//
//	logger := tel.Logger.NewComponentLogger("scheduler").
//	    WithOfferID(offer.ID).
//	    WithTask("node-0", "daemon")
//	logger.Info("launching task")
//
// Library code that has no logger uses NopLogger.
//
// # Metrics
//
// Metrics methods accept a nil receiver, so components can hold an optional
// *Metrics without guarding every call:
//
//	offers_total{outcome}
//	offer_cycle_duration_seconds
//	evaluation_failures_total{stage}
//	recommendations_total{operation}
//	block_transitions_total{plan,status}
//	plan_complete{plan}
//	task_status_updates_total{state}
//	executor_shutdowns_total{result}
//	errors_by_code_total{code}
//
// # Events
//
// The EventPublisher delivers block transitions, offer outcomes, task status
// changes, placement denials and backup/restore start and stop to
// subscribers, either synchronously or through a buffered goroutine.
package telemetry
