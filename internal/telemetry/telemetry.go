package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Telemetry owns the process's tracer and meter providers.
type Telemetry struct {
	cfg *Config

	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider
	lp log.LoggerProvider

	mu       sync.Mutex
	problems []string
	closed   bool
}

// Status reports whether export is on and which parts failed to start.
type Status struct {
	Enabled  bool     `json:"enabled"`
	Degraded bool     `json:"degraded"`
	Problems []string `json:"problems,omitempty"`
}

// New installs OTLP tracer and meter providers as the globals when cfg is
// enabled. An exporter that cannot be created is recorded in Status and
// leaves the corresponding global a no-op; only an invalid config fails.
func New(ctx context.Context, cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}
	t := &Telemetry{cfg: cfg}
	if !cfg.Enabled {
		return t, nil
	}

	res := newResource(cfg)

	if exp, err := spanExporter(ctx, cfg); err != nil {
		t.degrade("traces", err)
	} else {
		t.tp = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exp),
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sampler(cfg.SampleRate)),
		)
		otel.SetTracerProvider(t.tp)
	}

	if cfg.MetricInterval > 0 {
		if exp, err := metricExporter(ctx, cfg); err != nil {
			t.degrade("metrics", err)
		} else {
			t.mp = sdkmetric.NewMeterProvider(
				sdkmetric.WithResource(res),
				sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(cfg.MetricInterval))),
			)
			otel.SetMeterProvider(t.mp)
		}
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return t, nil
}

func (t *Telemetry) degrade(part string, err error) {
	t.mu.Lock()
	t.problems = append(t.problems, part+": "+err.Error())
	t.mu.Unlock()
	if t.cfg.Logger != nil {
		t.cfg.Logger.Warn("telemetry export disabled", zap.String("part", part), zap.Error(err))
	}
}

// Status returns the export state. A nil Telemetry reports disabled.
func (t *Telemetry) Status() Status {
	if t == nil {
		return Status{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return Status{
		Enabled:  t.cfg.Enabled && !t.closed,
		Degraded: len(t.problems) > 0,
		Problems: append([]string(nil), t.problems...),
	}
}

// Tracer returns a tracer from the owned provider, or the global one.
func (t *Telemetry) Tracer(name string, opts ...trace.TracerOption) trace.Tracer {
	if t == nil || t.tp == nil {
		return otel.Tracer(name, opts...)
	}
	return t.tp.Tracer(name, opts...)
}

// Meter returns a meter from the owned provider, or the global one.
func (t *Telemetry) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	if t == nil || t.mp == nil {
		return otel.Meter(name, opts...)
	}
	return t.mp.Meter(name, opts...)
}

// LoggerProvider returns the provider log records are bridged to: the one
// set with SetLoggerProvider, else the global provider while export is
// enabled. It returns nil when logs should not be bridged.
func (t *Telemetry) LoggerProvider() log.LoggerProvider {
	if t == nil {
		return nil
	}
	if t.lp != nil {
		return t.lp
	}
	if t.cfg.Enabled {
		return global.GetLoggerProvider()
	}
	return nil
}

// SetLoggerProvider overrides the provider returned by LoggerProvider.
func (t *Telemetry) SetLoggerProvider(lp log.LoggerProvider) {
	if t != nil {
		t.lp = lp
	}
}

// ForceFlush exports everything buffered so far.
func (t *Telemetry) ForceFlush(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var errs []error
	if t.tp != nil {
		errs = append(errs, t.tp.ForceFlush(ctx))
	}
	if t.mp != nil {
		errs = append(errs, t.mp.ForceFlush(ctx))
	}
	return errors.Join(errs...)
}

// Shutdown flushes and stops the providers. Without a deadline on ctx it
// waits at most the configured shutdown timeout. Repeated calls are no-ops.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.ShutdownTimeout)
		defer cancel()
	}

	var errs []error
	if t.tp != nil {
		if err := t.tp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider: %w", err))
		}
	}
	if t.mp != nil {
		if err := t.mp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider: %w", err))
		}
	}
	return errors.Join(errs...)
}
