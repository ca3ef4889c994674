// Package config defines the YAML configuration surface for sibyl and the
// loader that reads it. Every config struct follows the same contract:
// SetDefaults() fills zero values, Validate() rejects bad combinations.
package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	// Logging configures the slog setup.
	Logging LoggingConfig `yaml:"logging,omitempty"`

	// Server configures the HTTP API.
	Server ServerConfig `yaml:"server,omitempty"`

	// Database is the primary store for conversations, turns, examples,
	// feedback, and annotations.
	Database DatabaseConfig `yaml:"database"`

	// LLMs are named LLM providers. The orchestrator uses "default" unless
	// a component names another.
	LLMs map[string]*LLMProviderConfig `yaml:"llms,omitempty"`

	// Embedder produces vectors for the example index.
	Embedder EmbedderProviderConfig `yaml:"embedder,omitempty"`

	// Vector configures the example vector index.
	Vector VectorConfig `yaml:"vector,omitempty"`

	// DataSources are the registered query backends, keyed by provider id.
	DataSources map[string]*DataSourceConfig `yaml:"data_sources"`

	// Orchestrator tunes the generate-validate loop.
	Orchestrator OrchestratorConfig `yaml:"orchestrator,omitempty"`

	// Retrieval tunes example search.
	Retrieval RetrievalConfig `yaml:"retrieval,omitempty"`

	// RateLimit throttles LLM calls process-wide.
	RateLimit RateLimitConfig `yaml:"rate_limit,omitempty"`

	// Observability configures tracing and metrics.
	Observability ObservabilityConfig `yaml:"observability,omitempty"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
	File   string `yaml:"file,omitempty"`
}

func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "text"
	}
}

// SetDefaults applies defaults recursively.
func (c *Config) SetDefaults() {
	c.Logging.SetDefaults()
	c.Server.SetDefaults()
	c.Database.SetDefaults()
	for _, llm := range c.LLMs {
		llm.SetDefaults()
	}
	c.Embedder.SetDefaults()
	c.Vector.SetDefaults()
	for _, ds := range c.DataSources {
		ds.SetDefaults()
	}
	c.Orchestrator.SetDefaults()
	c.Retrieval.SetDefaults()
	c.RateLimit.SetDefaults()
	c.Observability.SetDefaults()
}

// Validate checks the configuration recursively.
func (c *Config) Validate() error {
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if len(c.LLMs) == 0 {
		return fmt.Errorf("at least one llm must be configured")
	}
	if _, ok := c.LLMs["default"]; !ok {
		return fmt.Errorf("an llm named 'default' must be configured")
	}
	for name, llm := range c.LLMs {
		if err := llm.Validate(); err != nil {
			return fmt.Errorf("llm %q: %w", name, err)
		}
	}
	if err := c.Embedder.Validate(); err != nil {
		return fmt.Errorf("embedder: %w", err)
	}
	if err := c.Vector.Validate(); err != nil {
		return fmt.Errorf("vector: %w", err)
	}
	if len(c.DataSources) == 0 {
		return fmt.Errorf("at least one data source must be configured")
	}
	for id, ds := range c.DataSources {
		if err := ds.Validate(); err != nil {
			return fmt.Errorf("data source %q: %w", id, err)
		}
	}
	if err := c.Orchestrator.Validate(); err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}
	if err := c.Retrieval.Validate(); err != nil {
		return fmt.Errorf("retrieval: %w", err)
	}
	if err := c.RateLimit.Validate(); err != nil {
		return fmt.Errorf("rate_limit: %w", err)
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} references with environment values. Unset
// variables expand to the empty string so Validate can report the real
// problem (a missing key) instead of a cryptic literal.
func expandEnv(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envVarPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// Load reads, expands, defaults, and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse builds a Config from raw YAML bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(expandEnv(data), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
