// Package embedders maps text to fixed-length vectors for the example
// index. OpenAI and Ollama backends are supported.
package embedders

import (
	"context"
	"fmt"

	"github.com/querylab/sibyl/pkg/config"
	"github.com/querylab/sibyl/pkg/registry"
)

// Embedder is the embedding-service contract.
type Embedder interface {
	// Embed maps text to a vector. Safe for concurrent use.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimension is the vector length this embedder produces.
	Dimension() int

	Close() error
}

// EmbedderRegistry holds named embedders.
type EmbedderRegistry struct {
	*registry.BaseRegistry[Embedder]
}

func NewEmbedderRegistry() *EmbedderRegistry {
	return &EmbedderRegistry{
		BaseRegistry: registry.NewBaseRegistry[Embedder](),
	}
}

// CreateFromConfig builds, registers, and returns an embedder.
func (r *EmbedderRegistry) CreateFromConfig(name string, cfg *config.EmbedderProviderConfig) (Embedder, error) {
	if cfg == nil {
		return nil, fmt.Errorf("embedder config cannot be nil")
	}

	var embedder Embedder
	var err error

	switch cfg.Type {
	case "openai":
		embedder, err = NewOpenAIEmbedderFromConfig(cfg)
	case "ollama":
		embedder, err = NewOllamaEmbedderFromConfig(cfg)
	default:
		return nil, fmt.Errorf("unsupported embedder type: %s (supported: openai, ollama)", cfg.Type)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}

	if err := r.Register(name, embedder); err != nil {
		return nil, fmt.Errorf("failed to register embedder: %w", err)
	}

	return embedder, nil
}
