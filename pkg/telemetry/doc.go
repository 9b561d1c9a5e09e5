// Package telemetry provides observability instrumentation for the plugin daemon.
//
// It integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and an in-process event bus into one
// Telemetry value built from a Config.
//
// # Usage
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
// # Plugin lifecycle
//
// The plugin manager reports through small adapters built from a Telemetry:
//
//	mgr := plugins.NewManager(plugins.ManagerConfig{
//	    Loader:          loader,
//	    Observers:       []plugins.Observer{tel.NewPluginObserver()},
//	    Instrumentation: tel.NewPluginInstrumentation(),
//	}, tel.Logger.Zerolog())
//
// NewPluginObserver counts transitions, records a plugin.transition span for
// each and publishes plugin.state_changed and plugin.disabled events. NewPluginInstrumentation records resolver runs,
// provider wiring and the per-phase plugins gauge, and publishes one
// plugin.dependency_unsatisfied event per entry of a diagnostics report.
// NewEventSink forwards events plugins emit through their Context, prefixed
// with "plugin.custom.". NewDeployReporter counts hot deploys and records a
// repository.deploy span under the deploy context.
//
// # Metrics
//
// All metrics live in a private registry under the configured namespace
// (default "plugind"):
//
//   - plugin_transitions_total{from,to}
//   - plugins{phase,refreshing}
//   - resolve_iterations{loop}, resolve_duration_seconds{loop}
//   - resolver_cap_hits_total{loop}
//   - hot_deploy_events_total{action}
//   - provider_wiring_total{kind,op}, provider_wiring_errors_total{kind,op}
//   - errors_total{class,code}
//
// Handler serves them; the admin server mounts it, and StartMetricsServer
// starts a dedicated listener only when Metrics.ListenAddress is set.
//
// # Tracing
//
// Exporters are otlp (gRPC), stdout, and none. Tracing is off by default.
// StartPluginSpan and StartDeploySpan carry the plugin.* attribute keys.
//
// # Events
//
// With EnableAsync the publisher buffers events and delivers them in batches
// from one goroutine; otherwise Publish delivers synchronously, in order.
// Shutdown drains the buffer before returning. Events at or above
// Events.LogLevel are also written to the daemon log.
package telemetry
