package logging

import (
	"reflect"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger records entries in memory for assertions.
type TestLogger struct {
	logger *zap.Logger
	logs   *observer.ObservedLogs
}

// NewTestLogger records every level down to Trace.
func NewTestLogger() *TestLogger {
	core, logs := observer.New(TraceLevel)
	return &TestLogger{logger: zap.New(core), logs: logs}
}

// Logger returns the recording logger.
func (tl *TestLogger) Logger() *zap.Logger {
	return tl.logger
}

// Entries returns every recorded entry.
func (tl *TestLogger) Entries() []observer.LoggedEntry {
	return tl.logs.All()
}

// AssertLogged fails tb unless an entry at level contains substr.
func (tl *TestLogger) AssertLogged(tb testing.TB, level zapcore.Level, substr string) {
	tb.Helper()
	if tl.find(level, substr) == nil {
		tb.Errorf("no %s entry containing %q; got %s", level, substr, tl.summary())
	}
}

// AssertNotLogged fails tb if an entry at level contains substr.
func (tl *TestLogger) AssertNotLogged(tb testing.TB, level zapcore.Level, substr string) {
	tb.Helper()
	if tl.find(level, substr) != nil {
		tb.Errorf("unexpected %s entry containing %q", level, substr)
	}
}

// AssertField fails tb unless the entry with message msg carries key=want.
func (tl *TestLogger) AssertField(tb testing.TB, msg, key string, want any) {
	tb.Helper()
	entries := tl.logs.FilterMessage(msg).All()
	if len(entries) == 0 {
		tb.Errorf("no entry with message %q; got %s", msg, tl.summary())
		return
	}
	for _, e := range entries {
		if got, ok := e.ContextMap()[key]; ok && reflect.DeepEqual(got, want) {
			return
		}
	}
	tb.Errorf("entry %q has no field %s=%v; fields %v", msg, key, want, entries[0].ContextMap())
}

func (tl *TestLogger) find(level zapcore.Level, substr string) *observer.LoggedEntry {
	for _, e := range tl.logs.All() {
		if e.Level == level && strings.Contains(e.Message, substr) {
			return &e
		}
	}
	return nil
}

func (tl *TestLogger) summary() string {
	var msgs []string
	for _, e := range tl.logs.All() {
		msgs = append(msgs, e.Level.String()+":"+e.Message)
	}
	return "[" + strings.Join(msgs, ", ") + "]"
}
