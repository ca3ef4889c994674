package config

import "fmt"

// LLMProviderConfig configures one LLM provider.
type LLMProviderConfig struct {
	// Type is the provider implementation: "openai" or "anthropic".
	Type string `yaml:"type"`

	// Model is the model identifier (e.g. "gpt-4o", "claude-sonnet-4-20250514").
	Model string `yaml:"model,omitempty"`

	// APIKey authenticates with the vendor. Supports ${VAR} expansion.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the default API endpoint.
	BaseURL string `yaml:"base_url,omitempty"`

	// Temperature is the default sampling temperature. Callers override it
	// per invocation.
	Temperature float64 `yaml:"temperature,omitempty"`

	// MaxTokens limits response length.
	MaxTokens int `yaml:"max_tokens,omitempty"`

	// MaxRetries bounds retry attempts for transient failures.
	MaxRetries int `yaml:"max_retries,omitempty"`

	// TimeoutSeconds bounds a single HTTP round trip.
	TimeoutSeconds int `yaml:"timeout,omitempty"`
}

func (c *LLMProviderConfig) SetDefaults() {
	if c.Model == "" {
		switch c.Type {
		case "anthropic":
			c.Model = "claude-sonnet-4-20250514"
		case "openai":
			c.Model = "gpt-4o"
		}
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 4096
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = 120
	}
}

func (c *LLMProviderConfig) Validate() error {
	switch c.Type {
	case "openai", "anthropic":
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unsupported type %q (supported: openai, anthropic)", c.Type)
	}
	if c.APIKey == "" {
		return fmt.Errorf("api_key is required")
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("temperature must be in [0,2]")
	}
	return nil
}

// RateLimitConfig throttles LLM calls across the process.
type RateLimitConfig struct {
	// Enabled turns rate limiting on.
	Enabled bool `yaml:"enabled,omitempty"`

	// RequestsPerMinute caps LLM request count per minute. 0 means no cap.
	RequestsPerMinute int `yaml:"requests_per_minute,omitempty"`

	// TokensPerMinute caps LLM token throughput per minute. 0 means no cap.
	TokensPerMinute int `yaml:"tokens_per_minute,omitempty"`
}

func (c *RateLimitConfig) SetDefaults() {
	if c.Enabled && c.RequestsPerMinute == 0 && c.TokensPerMinute == 0 {
		c.RequestsPerMinute = 60
	}
}

func (c *RateLimitConfig) Validate() error {
	if c.RequestsPerMinute < 0 {
		return fmt.Errorf("requests_per_minute must be non-negative")
	}
	if c.TokensPerMinute < 0 {
		return fmt.Errorf("tokens_per_minute must be non-negative")
	}
	return nil
}

// EmbedderProviderConfig configures the embedding service.
type EmbedderProviderConfig struct {
	// Type is the embedder implementation: "openai" or "ollama".
	Type string `yaml:"type,omitempty"`

	// Model is the embedding model name.
	Model string `yaml:"model,omitempty"`

	// APIKey authenticates with the vendor (openai only).
	APIKey string `yaml:"api_key,omitempty"`

	// Host overrides the default API endpoint.
	Host string `yaml:"host,omitempty"`

	// Dimension is the embedding vector length. Defaults per known model.
	Dimension int `yaml:"dimension,omitempty"`

	// TimeoutSeconds bounds a single embed call.
	TimeoutSeconds int `yaml:"timeout,omitempty"`

	// MaxRetries bounds retry attempts.
	MaxRetries int `yaml:"max_retries,omitempty"`
}

func (c *EmbedderProviderConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = "openai"
	}
	if c.Model == "" {
		switch c.Type {
		case "openai":
			c.Model = "text-embedding-3-small"
		case "ollama":
			c.Model = "nomic-embed-text"
		}
	}
	if c.Dimension == 0 {
		switch c.Model {
		case "text-embedding-3-small", "text-embedding-ada-002":
			c.Dimension = 1536
		case "text-embedding-3-large":
			c.Dimension = 3072
		case "nomic-embed-text":
			c.Dimension = 768
		default:
			c.Dimension = 1536
		}
	}
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = 30
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
}

func (c *EmbedderProviderConfig) Validate() error {
	switch c.Type {
	case "openai":
		if c.APIKey == "" {
			return fmt.Errorf("api_key is required for openai embedder")
		}
	case "ollama":
	default:
		return fmt.Errorf("unsupported type %q (supported: openai, ollama)", c.Type)
	}
	if c.Dimension <= 0 {
		return fmt.Errorf("dimension must be positive")
	}
	return nil
}
