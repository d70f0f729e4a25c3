package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Disabled(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Enabled = false

	tel, err := New(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, tel)

	assert.False(t, tel.Enabled())
	assert.False(t, tel.Degraded())
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestNew_NilConfig(t *testing.T) {
	tel, err := New(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, tel.Enabled())
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := &Config{Enabled: true}

	tel, err := New(context.Background(), cfg)
	require.Error(t, err)
	assert.Nil(t, tel)
	assert.Contains(t, err.Error(), "invalid telemetry config")
}

func TestTelemetry_NilSafe(t *testing.T) {
	var tel *Telemetry

	assert.NotPanics(t, func() {
		_ = tel.Enabled()
		_ = tel.Degraded()
		_ = tel.Shutdown(context.Background())
	})
	assert.False(t, tel.Enabled())
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		cfg := NewDefaultConfig()
		cfg.Enabled = true
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid defaults",
			mutate: func(c *Config) {},
		},
		{
			name:   "disabled skips validation",
			mutate: func(c *Config) { c.Enabled = false; c.Endpoint = "" },
		},
		{
			name:    "missing endpoint",
			mutate:  func(c *Config) { c.Endpoint = "" },
			wantErr: "endpoint is required",
		},
		{
			name:    "missing service name",
			mutate:  func(c *Config) { c.ServiceName = "" },
			wantErr: "service_name is required",
		},
		{
			name:    "bad protocol",
			mutate:  func(c *Config) { c.Protocol = "thrift" },
			wantErr: "protocol must be",
		},
		{
			name:    "insecure remote endpoint",
			mutate:  func(c *Config) { c.Endpoint = "collector.example.com:4317" },
			wantErr: "insecure export to remote endpoint",
		},
		{
			name: "secure remote endpoint ok",
			mutate: func(c *Config) {
				c.Endpoint = "collector.example.com:4317"
				c.Insecure = false
			},
		},
		{
			name:    "sample rate out of range",
			mutate:  func(c *Config) { c.SampleRate = 1.5 },
			wantErr: "sample_rate",
		},
		{
			name:    "metric interval zero",
			mutate:  func(c *Config) { c.MetricInterval = 0 },
			wantErr: "metric_interval",
		},
		{
			name:    "shutdown timeout zero",
			mutate:  func(c *Config) { c.ShutdownTimeout = 0 },
			wantErr: "shutdown_timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsLocalEndpoint(t *testing.T) {
	tests := []struct {
		endpoint string
		local    bool
	}{
		{"localhost:4317", true},
		{"127.0.0.1:4317", true},
		{"[::1]:4317", true},
		{"collector.example.com:4317", false},
		{"10.0.0.5:4317", false},
	}

	for _, tt := range tests {
		cfg := &Config{Endpoint: tt.endpoint}
		assert.Equal(t, tt.local, cfg.isLocalEndpoint(), tt.endpoint)
	}
}

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.False(t, cfg.Enabled)
	assert.Equal(t, "localhost:4317", cfg.Endpoint)
	assert.Equal(t, ProtocolGRPC, cfg.Protocol)
	assert.Equal(t, "gauntlet", cfg.ServiceName)
	assert.Equal(t, 1.0, cfg.SampleRate)
	assert.Equal(t, 15*time.Second, cfg.MetricInterval)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout)
}
