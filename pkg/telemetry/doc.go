// Package telemetry provides observability instrumentation for skein.
//
// It combines structured logging (zerolog), distributed tracing
// (OpenTelemetry) and metrics (Prometheus) behind one Telemetry value that
// the CLI builds at startup and hands to the engine and plan host.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//	tel.StartMetricsServer()
//
// # Logging
//
// Components receive a zerolog.Logger through their constructors and tag
// their own component:
//
//	exec := engine.New(registry, engine.WithLogger(tel.Logger.Zerolog()))
//
// Commands find the logger in their context:
//
//	logger := telemetry.FromContext(ctx).NewComponentLogger("cli").WithAction("command", "uptime")
//
// # Tracing
//
// Every action gets one span with a child span per transport batch:
//
//	ctx, span := tel.Tracer.StartActionSpan(ctx, runID, "command", "uptime", len(targets))
//	defer span.End()
//
// Exporters: "otlp" (gRPC), "stdout" and "none".
//
// # Metrics
//
// Metrics are registered on a private registry and served on
// Config.Metrics.ListenAddress:
//
//   - skein_actions_started_total{action}
//   - skein_actions_completed_total{action,status}
//   - skein_action_duration_seconds{action}
//   - skein_target_results_total{action,transport,status}
//   - skein_target_duration_seconds{action,transport}
//   - skein_errors_by_kind_total{kind}
//   - skein_transport_targets_total{transport}
//   - skein_function_calls_total{function}
//   - skein_active_actions, skein_active_futures
//
// Metrics also serves as the engine's analytics sink through TransportUsed
// and FunctionCalled. A disabled Metrics is a no-op.
package telemetry
