// Package telemetry wires OpenTelemetry tracing and metrics export.
//
// New installs OTLP tracer and meter providers (gRPC or HTTP/protobuf) as
// the process globals. Instrumented packages such as retrieval and the
// embedding gateway take their tracers and meters from the globals and need
// no reference to this package:
//
//	tel, err := telemetry.New(ctx, telemetry.FromObservability(cfg.Observability, version))
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.WithoutCancel(ctx))
//
// Export failures never stop the service. They are reported by Status.
//
// Tests use TestTelemetry and pass its Tracer explicitly:
//
//	tt := telemetry.NewTestTelemetry()
//	cfg.Tracer = tt.Tracer("test")
//	...
//	tt.AssertSpanExists(t, "retrieval.retrieve")
package telemetry
