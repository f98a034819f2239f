package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fyrsmithlabs/knowledged/internal/config"
)

func enabledConfig() *Config {
	cfg := NewDefaultConfig()
	cfg.Enabled = true
	return cfg
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"disabled skips checks", func(c *Config) { c.Enabled = false; c.Endpoint = "" }, ""},
		{"no endpoint", func(c *Config) { c.Endpoint = "" }, "endpoint is required"},
		{"no service name", func(c *Config) { c.ServiceName = "" }, "service name"},
		{"bad protocol", func(c *Config) { c.Protocol = "udp" }, "protocol"},
		{"insecure remote", func(c *Config) { c.Endpoint = "collector.internal:4317" }, "insecure export"},
		{"tls remote", func(c *Config) {
			c.Endpoint = "collector.internal:4317"
			c.Insecure = false
		}, ""},
		{"insecure ipv6 loopback", func(c *Config) { c.Endpoint = "[::1]:4317" }, ""},
		{"insecure 127.0.0.2", func(c *Config) { c.Endpoint = "http://127.0.0.2:4318" }, ""},
		{"sample rate high", func(c *Config) { c.SampleRate = 1.5 }, "sample rate"},
		{"sample rate low", func(c *Config) { c.SampleRate = -0.1 }, "sample rate"},
		{"negative interval", func(c *Config) { c.MetricInterval = -time.Second }, "metric interval"},
		{"metrics off", func(c *Config) { c.MetricInterval = 0 }, ""},
		{"no shutdown timeout", func(c *Config) { c.ShutdownTimeout = 0 }, "shutdown timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := enabledConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}

	var nilCfg *Config
	assert.Error(t, nilCfg.Validate())
}

func TestHostPort(t *testing.T) {
	assert.Equal(t, "collector:4318", hostPort("https://collector:4318"))
	assert.Equal(t, "localhost:4318", hostPort("http://localhost:4318/v1/traces"))
	assert.Equal(t, "localhost:4317", hostPort("localhost:4317"))
}

func TestIsLoopback(t *testing.T) {
	for endpoint, want := range map[string]bool{
		"localhost:4317":        true,
		"127.0.0.1:4317":        true,
		"[::1]:4317":            true,
		"::1":                   true,
		"http://localhost":      true,
		"10.0.0.5:4317":         false,
		"otel.example.com:4317": false,
		"localhost.evil.com":    false,
	} {
		assert.Equal(t, want, isLoopback(endpoint), endpoint)
	}
}

func TestFromObservability(t *testing.T) {
	cfg := FromObservability(config.ObservabilityConfig{
		EnableTelemetry: true,
		ServiceName:     "kd-test",
		Endpoint:        "collector:4318",
		Protocol:        ProtocolHTTP,
	}, "1.2.3")

	assert.True(t, cfg.Enabled)
	assert.Equal(t, "kd-test", cfg.ServiceName)
	assert.Equal(t, "collector:4318", cfg.Endpoint)
	assert.Equal(t, ProtocolHTTP, cfg.Protocol)
	assert.Equal(t, "1.2.3", cfg.ServiceVersion)
	assert.False(t, cfg.Insecure)

	def := FromObservability(config.ObservabilityConfig{}, "")
	assert.False(t, def.Enabled)
	assert.Equal(t, "knowledged", def.ServiceName)
	assert.Equal(t, "dev", def.ServiceVersion)
	assert.NoError(t, def.Validate())
}

func TestUserAgent(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.ServiceVersion = "1.0.0"
	assert.Equal(t, "knowledged/1.0.0", userAgent(cfg))
}
