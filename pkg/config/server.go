package config

import "fmt"

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	// Host to bind. Default: 0.0.0.0.
	Host string `yaml:"host,omitempty"`

	// Port to listen on. Default: 8080.
	Port int `yaml:"port,omitempty"`

	// ReadTimeoutSeconds bounds request header+body reads.
	ReadTimeoutSeconds int `yaml:"read_timeout,omitempty"`

	// ShutdownTimeoutSeconds bounds graceful shutdown.
	ShutdownTimeoutSeconds int `yaml:"shutdown_timeout,omitempty"`
}

func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.ReadTimeoutSeconds == 0 {
		c.ReadTimeoutSeconds = 30
	}
	if c.ShutdownTimeoutSeconds == 0 {
		c.ShutdownTimeoutSeconds = 10
	}
}

func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be in 1..65535")
	}
	return nil
}

// ObservabilityConfig configures tracing and metrics.
type ObservabilityConfig struct {
	// TracingEnabled turns on OpenTelemetry spans around orchestration
	// phases. Spans export to the globally configured exporter.
	TracingEnabled bool `yaml:"tracing_enabled,omitempty"`

	// TracingEndpoint is the OTLP gRPC collector address.
	TracingEndpoint string `yaml:"tracing_endpoint,omitempty"`

	// MetricsEnabled exposes Prometheus metrics on /metrics.
	MetricsEnabled bool `yaml:"metrics_enabled,omitempty"`

	// ServiceName identifies this process in traces.
	ServiceName string `yaml:"service_name,omitempty"`
}

func (c *ObservabilityConfig) SetDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "sibyl"
	}
	if c.TracingEndpoint == "" {
		c.TracingEndpoint = "localhost:4317"
	}
	if !c.TracingEnabled && !c.MetricsEnabled {
		c.MetricsEnabled = true
	}
}
