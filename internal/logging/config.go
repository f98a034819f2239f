package logging

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/knowledged/internal/config"
)

// Config controls encoding, destinations, sampling and redaction.
type Config struct {
	Level  zapcore.Level
	Format string // "json" or "console"

	// Writer receives encoded entries. Nil means stdout.
	Writer zapcore.WriteSyncer

	// OTel mirrors entries to the log provider passed to New.
	OTel bool

	Sampling SamplingConfig
	Caller   bool

	// Fields are attached to every entry.
	Fields map[string]string
	Redact RedactConfig
}

// SamplingConfig keeps the first Initial entries with a given message per
// Tick, then every Thereafter-th. Error and above are never sampled.
type SamplingConfig struct {
	Enabled    bool
	Tick       time.Duration
	Initial    int
	Thereafter int
}

// RedactConfig lists field keys whose values are always replaced and value
// patterns that are replaced under any key.
type RedactConfig struct {
	Keys     []string
	Patterns []string
}

// maxPatternLen bounds redaction patterns, which run on every string field.
const maxPatternLen = 200

// NewDefaultConfig returns the service defaults: JSON at info to stdout.
func NewDefaultConfig() *Config {
	return &Config{
		Level:  zapcore.InfoLevel,
		Format: "json",
		Sampling: SamplingConfig{
			Enabled:    true,
			Tick:       time.Second,
			Initial:    100,
			Thereafter: 10,
		},
		Caller: true,
		Fields: map[string]string{"service": "knowledged"},
		Redact: RedactConfig{
			Keys: []string{
				"api_key", "secret_key", "access_key", "password",
				"token", "authorization", "credential",
			},
			Patterns: []string{
				`(?i)bearer\s+\S+`,
				`(?i)api[_-]?key[=:]\s*\S+`,
				`\bsk-[A-Za-z0-9_-]{16,}`,
			},
		},
	}
}

// FromConfig applies the logging section of the service configuration to
// the defaults.
func FromConfig(lc config.LoggingConfig) (*Config, error) {
	cfg := NewDefaultConfig()
	if lc.Level != "" {
		level, err := ParseLevel(lc.Level)
		if err != nil {
			return nil, err
		}
		cfg.Level = level
	}
	if lc.Format != "" {
		cfg.Format = lc.Format
	}
	return cfg, cfg.Validate()
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Format != "json" && c.Format != "console" {
		return fmt.Errorf("log format must be json or console, got %q", c.Format)
	}
	if c.Sampling.Enabled && (c.Sampling.Tick <= 0 || c.Sampling.Initial < 1) {
		return errors.New("log sampling needs a positive tick and initial count")
	}
	for k, v := range c.Fields {
		if k == "" || v == "" {
			return fmt.Errorf("constant log field %q has an empty key or value", k)
		}
	}
	for _, p := range c.Redact.Patterns {
		if len(p) > maxPatternLen {
			return fmt.Errorf("redaction pattern longer than %d characters", maxPatternLen)
		}
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("invalid redaction pattern %q: %w", p, err)
		}
	}
	return nil
}
