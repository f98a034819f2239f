package logging

import (
	"errors"
	"os"
	"sort"
	"syscall"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// otelScope names the instrumentation scope of bridged log records.
const otelScope = "github.com/fyrsmithlabs/knowledged"

// New builds a logger from cfg. When cfg.OTel is set and lp is non-nil,
// entries are also emitted as OpenTelemetry log records.
func New(cfg *Config, lp log.LoggerProvider) (*zap.Logger, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	red, err := newRedactor(newEncoder(cfg.Format), cfg.Redact)
	if err != nil {
		return nil, err
	}
	w := cfg.Writer
	if w == nil {
		w = zapcore.Lock(os.Stdout)
	}
	level := zap.NewAtomicLevelAt(cfg.Level)

	var core zapcore.Core = zapcore.NewCore(red, w, level)
	if cfg.OTel && lp != nil {
		core = zapcore.NewTee(core, otelzap.NewCore(otelScope, otelzap.WithLoggerProvider(lp)))
	}
	if cfg.Sampling.Enabled {
		core = newSampledCore(core, cfg.Sampling)
	}

	opts := []zap.Option{zap.AddStacktrace(zapcore.ErrorLevel)}
	if cfg.Caller {
		opts = append(opts, zap.AddCaller())
	}
	if len(cfg.Fields) > 0 {
		opts = append(opts, zap.Fields(constantFields(cfg.Fields)...))
	}
	return zap.New(core, opts...), nil
}

func newEncoder(format string) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "ts"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.EncodeDuration = zapcore.StringDurationEncoder
	ec.EncodeLevel = levelName
	if format == "console" {
		return zapcore.NewConsoleEncoder(ec)
	}
	return zapcore.NewJSONEncoder(ec)
}

// constantFields sorts by key so every entry prints them in the same order.
func constantFields(m map[string]string) []zap.Field {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fields := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		fields = append(fields, zap.String(k, m[k]))
	}
	return fields
}

// Sync flushes l. Terminals and pipes reject fsync with EINVAL or ENOTTY,
// which is not a failure worth reporting on shutdown.
func Sync(l *zap.Logger) error {
	if l == nil {
		return nil
	}
	err := l.Sync()
	if errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY) {
		return nil
	}
	return err
}
