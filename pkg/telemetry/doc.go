// Package telemetry provides logging, metrics and tracing for converge runs.
//
// Logging is zerolog, wrapped by Logger with run and resource fields.
// Metrics are Prometheus collectors in a private registry; after a run they
// can be written in the text exposition format for the node_exporter textfile
// collector, or served over HTTP in watch mode. Tracing is OpenTelemetry with
// a stdout or OTLP/gRPC exporter.
//
// Observer implements engine.RunObserver and connects the three to the
// driver:
//
//	tel, err := telemetry.NewTelemetry(cfg, os.Stderr)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	driver, err := engine.NewDriver(transport, settings,
//	    engine.WithObserver(tel.Observer()),
//	    engine.WithLogger(tel.Logger.Zerolog()))
//
// A run produces one "converge.run" span with a "converge.resource" child per
// processed resource, and updates these metrics:
//
//	converge_runs_total{state}
//	converge_run_duration_seconds{state}
//	converge_last_run_resources{outcome}
//	converge_active_runs
//	converge_resources_total{kind,outcome}
//	converge_resource_duration_seconds{kind}
//	converge_errors_total{kind}
package telemetry
