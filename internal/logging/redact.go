package logging

import (
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

const redacted = "[REDACTED]"

// redactor wraps an encoder and masks sensitive values. Fields attached with
// With reach it through the Add methods; per-call fields are rewritten in
// EncodeEntry before the inner encoder sees them.
type redactor struct {
	zapcore.Encoder
	keys     []string
	patterns []*regexp.Regexp
}

func newRedactor(enc zapcore.Encoder, rc RedactConfig) (*redactor, error) {
	r := &redactor{Encoder: enc}
	for _, k := range rc.Keys {
		r.keys = append(r.keys, normalizeKey(k))
	}
	for _, p := range rc.Patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("redaction pattern %q: %w", p, err)
		}
		r.patterns = append(r.patterns, re)
	}
	return r, nil
}

func normalizeKey(k string) string {
	return strings.NewReplacer("-", "_", ".", "_").Replace(strings.ToLower(k))
}

// sensitiveKey matches a configured key exactly or as the final segment, so
// "openai.api_key" is caught and "token_count" is not.
func (r *redactor) sensitiveKey(key string) bool {
	k := normalizeKey(key)
	for _, s := range r.keys {
		if k == s || strings.HasSuffix(k, "_"+s) {
			return true
		}
	}
	return false
}

func (r *redactor) scrub(s string) string {
	for _, re := range r.patterns {
		s = re.ReplaceAllString(s, redacted)
	}
	return s
}

func (r *redactor) Clone() zapcore.Encoder {
	return &redactor{Encoder: r.Encoder.Clone(), keys: r.keys, patterns: r.patterns}
}

func (r *redactor) AddString(key, value string) {
	if r.sensitiveKey(key) {
		r.Encoder.AddString(key, redacted)
		return
	}
	r.Encoder.AddString(key, r.scrub(value))
}

func (r *redactor) AddByteString(key string, value []byte) {
	r.AddString(key, string(value))
}

func (r *redactor) AddReflected(key string, value any) error {
	if r.sensitiveKey(key) {
		r.Encoder.AddString(key, redacted)
		return nil
	}
	return r.Encoder.AddReflected(key, value)
}

func (r *redactor) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	ent.Message = r.scrub(ent.Message)
	out := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		out[i] = r.redactField(f)
	}
	return r.Encoder.EncodeEntry(ent, out)
}

func (r *redactor) redactField(f zapcore.Field) zapcore.Field {
	if f.Type == zapcore.SkipType || f.Type == zapcore.NamespaceType {
		return f
	}
	if r.sensitiveKey(f.Key) {
		return zap.String(f.Key, redacted)
	}
	switch f.Type {
	case zapcore.StringType:
		f.String = r.scrub(f.String)
	case zapcore.ByteStringType:
		if b, ok := f.Interface.([]byte); ok {
			return zap.String(f.Key, r.scrub(string(b)))
		}
	case zapcore.StringerType:
		if s, ok := f.Interface.(fmt.Stringer); ok {
			return zap.String(f.Key, r.scrub(s.String()))
		}
	case zapcore.ErrorType:
		if err, ok := f.Interface.(error); ok {
			return zap.String(f.Key, r.scrub(err.Error()))
		}
	}
	return f
}
