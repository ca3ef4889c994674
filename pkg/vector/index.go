// Package vector stores example embeddings and serves similarity search.
// The primary SQL store stays authoritative for example status; this index
// is authoritative only for similarity.
package vector

import (
	"context"
	"fmt"

	"github.com/querylab/sibyl/pkg/config"
)

// Result is one similarity hit.
type Result struct {
	ID       string
	Score    float64
	Content  string
	Metadata map[string]any
}

// Index is the vector-index contract the retrieval engine and example
// indexer consume. Implementations must be safe for concurrent use.
type Index interface {
	// Name identifies the backing implementation.
	Name() string

	// Upsert writes a vector with metadata under the given id.
	Upsert(ctx context.Context, id string, vec []float32, metadata map[string]any) error

	// Search returns the topK nearest vectors, optionally restricted by
	// exact-match metadata filters.
	Search(ctx context.Context, vec []float32, topK int, filter map[string]any) ([]Result, error)

	// Delete removes a vector by id. Deleting a missing id is not an error.
	Delete(ctx context.Context, id string) error

	Close() error
}

// NewFromConfig builds the configured index implementation.
func NewFromConfig(cfg *config.VectorConfig) (Index, error) {
	switch cfg.Type {
	case "chromem":
		return NewChromemIndex(cfg.Chromem, cfg.Collection)
	case "qdrant":
		return NewQdrantIndex(cfg.Qdrant, cfg.Collection)
	case "pinecone":
		return NewPineconeIndex(cfg.Pinecone, cfg.Collection)
	default:
		return nil, fmt.Errorf("unsupported vector type: %s", cfg.Type)
	}
}
