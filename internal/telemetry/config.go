// Package telemetry provides OpenTelemetry export for gauntlet.
//
// The engine instruments itself through the otel global providers; this
// package installs real providers behind them when export is enabled
// and leaves the no-op defaults in place when it is not. Telemetry
// failures never fail a run: a provider that cannot be built degrades
// to the no-op implementation.
package telemetry

import (
	"fmt"
	"strings"
	"time"
)

// Exporter protocols.
const (
	ProtocolGRPC = "grpc"
	ProtocolHTTP = "http/protobuf"
)

// Config holds telemetry export configuration.
type Config struct {
	// Enabled turns OTLP export on. Off by default; the engine then
	// runs with no-op instrumentation.
	Enabled bool `koanf:"enabled"`

	// Endpoint is the OTLP collector address as host:port.
	Endpoint string `koanf:"endpoint"`

	// Protocol selects the exporter transport, "grpc" or
	// "http/protobuf".
	Protocol string `koanf:"protocol"`

	ServiceName    string `koanf:"service_name"`
	ServiceVersion string `koanf:"service_version"`

	// Insecure disables TLS. Only allowed for local endpoints.
	Insecure bool `koanf:"insecure"`

	// SampleRate is the trace sampling ratio in [0,1].
	SampleRate float64 `koanf:"sample_rate"`

	// MetricInterval is the metric export period.
	MetricInterval time.Duration `koanf:"metric_interval"`

	// ShutdownTimeout bounds the final flush on shutdown.
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// NewDefaultConfig returns defaults suitable for a local collector.
func NewDefaultConfig() *Config {
	return &Config{
		Enabled:         false,
		Endpoint:        "localhost:4317",
		Protocol:        ProtocolGRPC,
		ServiceName:     "gauntlet",
		ServiceVersion:  "0.1.0",
		Insecure:        true,
		SampleRate:      1.0,
		MetricInterval:  15 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

// Validate checks the configuration. A disabled config is always valid.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required when telemetry is enabled")
	}
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required when telemetry is enabled")
	}
	if c.Protocol != "" && c.Protocol != ProtocolGRPC && c.Protocol != ProtocolHTTP {
		return fmt.Errorf("protocol must be %q or %q, got %q", ProtocolGRPC, ProtocolHTTP, c.Protocol)
	}
	if c.Insecure && !c.isLocalEndpoint() {
		return fmt.Errorf("insecure export to remote endpoint %s is not allowed", c.Endpoint)
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return fmt.Errorf("sample_rate must be between 0 and 1, got %f", c.SampleRate)
	}
	if c.MetricInterval <= 0 {
		return fmt.Errorf("metric_interval must be positive")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown_timeout must be positive")
	}
	return nil
}

// isLocalEndpoint reports whether the endpoint points at this host.
func (c *Config) isLocalEndpoint() bool {
	host := c.Endpoint
	if strings.HasPrefix(host, "[") {
		if idx := strings.Index(host, "]"); idx != -1 {
			host = host[1:idx]
		}
	} else if idx := strings.LastIndex(host, ":"); idx != -1 && strings.Count(host, ":") == 1 {
		host = host[:idx]
	}
	return host == "localhost" || host == "::1" || strings.HasPrefix(host, "127.")
}
