package config

import "fmt"

// OrchestratorConfig tunes the generate-validate loop.
type OrchestratorConfig struct {
	// MaxIterations bounds refinement passes per request.
	MaxIterations int `yaml:"max_iterations,omitempty"`

	// ConfidenceThreshold is the minimum confidence for success termination.
	ConfidenceThreshold float64 `yaml:"confidence_threshold,omitempty"`

	// ClarificationThreshold is the confidence below which the orchestrator
	// asks the user a follow-up question after the loop ends.
	ClarificationThreshold float64 `yaml:"clarification_threshold,omitempty"`

	// RequestTimeoutSeconds is the default request deadline.
	RequestTimeoutSeconds int `yaml:"request_timeout,omitempty"`

	// EventBuffer is the per-request event channel capacity.
	EventBuffer int `yaml:"event_buffer,omitempty"`
}

func (c *OrchestratorConfig) SetDefaults() {
	if c.MaxIterations == 0 {
		c.MaxIterations = 5
	}
	if c.ConfidenceThreshold == 0 {
		c.ConfidenceThreshold = 0.85
	}
	if c.ClarificationThreshold == 0 {
		c.ClarificationThreshold = 0.6
	}
	if c.RequestTimeoutSeconds == 0 {
		c.RequestTimeoutSeconds = 120
	}
	if c.EventBuffer == 0 {
		c.EventBuffer = 64
	}
}

func (c *OrchestratorConfig) Validate() error {
	if c.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be at least 1")
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence_threshold must be in [0,1]")
	}
	if c.ClarificationThreshold < 0 || c.ClarificationThreshold > 1 {
		return fmt.Errorf("clarification_threshold must be in [0,1]")
	}
	if c.RequestTimeoutSeconds < 1 {
		return fmt.Errorf("request_timeout must be positive")
	}
	return nil
}

// RetrievalConfig tunes hybrid example search.
type RetrievalConfig struct {
	// TopK is the maximum number of examples returned.
	TopK int `yaml:"top_k,omitempty"`

	// MinSimilarity drops merged results scoring below this value.
	MinSimilarity float64 `yaml:"min_similarity,omitempty"`

	// SchemaTopK is the maximum number of tables the schema expert keeps.
	SchemaTopK int `yaml:"schema_top_k,omitempty"`
}

func (c *RetrievalConfig) SetDefaults() {
	if c.TopK == 0 {
		c.TopK = 5
	}
	if c.MinSimilarity == 0 {
		c.MinSimilarity = 0.7
	}
	if c.SchemaTopK == 0 {
		c.SchemaTopK = 8
	}
}

func (c *RetrievalConfig) Validate() error {
	if c.TopK < 1 {
		return fmt.Errorf("top_k must be at least 1")
	}
	if c.MinSimilarity < 0 || c.MinSimilarity > 1 {
		return fmt.Errorf("min_similarity must be in [0,1]")
	}
	if c.SchemaTopK < 1 {
		return fmt.Errorf("schema_top_k must be at least 1")
	}
	return nil
}
