package logging

import (
	"go.uber.org/zap/zapcore"
)

// newSampledCore samples entries below Error and passes Error and above
// through untouched.
func newSampledCore(core zapcore.Core, sc SamplingConfig) zapcore.Core {
	thereafter := sc.Thereafter
	if thereafter < 1 {
		thereafter = 1
	}
	low := &levelRangeCore{Core: core, max: zapcore.WarnLevel, hasMax: true}
	high := &levelRangeCore{Core: core, min: zapcore.ErrorLevel, hasMin: true}
	return zapcore.NewTee(
		zapcore.NewSamplerWithOptions(low, sc.Tick, sc.Initial, thereafter),
		high,
	)
}

// levelRangeCore restricts core to levels in [min, max]. The flags mark which
// bounds apply, since the zero Level is Info.
type levelRangeCore struct {
	zapcore.Core
	min, max       zapcore.Level
	hasMin, hasMax bool
}

func (c *levelRangeCore) inRange(l zapcore.Level) bool {
	if c.hasMin && l < c.min {
		return false
	}
	if c.hasMax && l > c.max {
		return false
	}
	return true
}

func (c *levelRangeCore) Enabled(l zapcore.Level) bool {
	return c.inRange(l) && c.Core.Enabled(l)
}

func (c *levelRangeCore) With(fields []zapcore.Field) zapcore.Core {
	return &levelRangeCore{
		Core:   c.Core.With(fields),
		min:    c.min,
		max:    c.max,
		hasMin: c.hasMin,
		hasMax: c.hasMax,
	}
}

func (c *levelRangeCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.inRange(e.Level) {
		return ce
	}
	return c.Core.Check(e, ce)
}
