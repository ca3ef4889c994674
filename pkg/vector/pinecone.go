package vector

import (
	"context"
	"fmt"

	"github.com/pinecone-io/go-pinecone/pinecone"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/querylab/sibyl/pkg/config"
)

// PineconeIndex backs the example index with a managed Pinecone index.
// The config's collection name becomes the Pinecone namespace.
type PineconeIndex struct {
	client    *pinecone.Client
	indexHost string
	namespace string
}

// NewPineconeIndex connects to a Pinecone index.
func NewPineconeIndex(cfg *config.PineconeConfig, collection string) (*PineconeIndex, error) {
	if cfg == nil || cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for Pinecone")
	}
	if cfg.IndexHost == "" {
		return nil, fmt.Errorf("index host is required for Pinecone")
	}

	client, err := pinecone.NewClient(pinecone.NewClientParams{ApiKey: cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create Pinecone client: %w", err)
	}

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = collection
	}

	return &PineconeIndex{
		client:    client,
		indexHost: cfg.IndexHost,
		namespace: namespace,
	}, nil
}

// Name implements Index.
func (x *PineconeIndex) Name() string { return "pinecone" }

func (x *PineconeIndex) connect(ctx context.Context) (*pinecone.IndexConnection, error) {
	conn, err := x.client.Index(pinecone.NewIndexConnParams{
		Host:      x.indexHost,
		Namespace: x.namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create index connection: %w", err)
	}
	return conn, nil
}

// Upsert implements Index.
func (x *PineconeIndex) Upsert(ctx context.Context, id string, vec []float32, metadata map[string]any) error {
	conn, err := x.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	var pcMetadata *pinecone.Metadata
	if len(metadata) > 0 {
		pcMetadata, err = structpb.NewStruct(metadata)
		if err != nil {
			return fmt.Errorf("failed to convert metadata: %w", err)
		}
	}

	_, err = conn.UpsertVectors(ctx, []*pinecone.Vector{{
		Id:       id,
		Values:   vec,
		Metadata: pcMetadata,
	}})
	if err != nil {
		return fmt.Errorf("failed to upsert vector: %w", err)
	}
	return nil
}

// Search implements Index.
func (x *PineconeIndex) Search(ctx context.Context, vec []float32, topK int, filter map[string]any) ([]Result, error) {
	conn, err := x.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	var metadataFilter *pinecone.MetadataFilter
	if len(filter) > 0 {
		metadataFilter, err = structpb.NewStruct(filter)
		if err != nil {
			return nil, fmt.Errorf("failed to convert filter: %w", err)
		}
	}

	resp, err := conn.QueryByVectorValues(ctx, &pinecone.QueryByVectorValuesRequest{
		Vector:          vec,
		TopK:            uint32(topK),
		MetadataFilter:  metadataFilter,
		IncludeMetadata: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query Pinecone: %w", err)
	}

	out := make([]Result, 0, len(resp.Matches))
	for _, match := range resp.Matches {
		if match.Vector == nil {
			continue
		}

		metadata := make(map[string]any)
		if match.Vector.Metadata != nil {
			metadata = match.Vector.Metadata.AsMap()
		}

		content := ""
		if q, ok := metadata["question"].(string); ok {
			content = q
		}

		out = append(out, Result{
			ID:       match.Vector.Id,
			Score:    float64(match.Score),
			Content:  content,
			Metadata: metadata,
		})
	}
	return out, nil
}

// Delete implements Index.
func (x *PineconeIndex) Delete(ctx context.Context, id string) error {
	conn, err := x.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.DeleteVectorsById(ctx, []string{id}); err != nil {
		return fmt.Errorf("failed to delete vector %s: %w", id, err)
	}
	return nil
}

// Close implements Index.
func (x *PineconeIndex) Close() error { return nil }
