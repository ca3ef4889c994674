package vector

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/philippgille/chromem-go"

	"github.com/querylab/sibyl/pkg/config"
)

// ChromemIndex is the embedded, zero-config index. Vectors live in memory
// with optional gob persistence. Single-process only.
type ChromemIndex struct {
	db         *chromem.DB
	collection string
	persistDir string

	mu  sync.Mutex
	col *chromem.Collection
}

// NewChromemIndex creates (or reloads) an embedded index.
func NewChromemIndex(cfg *config.ChromemConfig, collection string) (*ChromemIndex, error) {
	if cfg == nil {
		cfg = &config.ChromemConfig{}
	}

	var db *chromem.DB

	if cfg.Path != "" {
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create persist directory: %w", err)
		}

		dbPath := filepath.Join(cfg.Path, "vectors.gob")
		if _, statErr := os.Stat(dbPath); statErr == nil {
			loaded, err := chromem.NewPersistentDB(dbPath, false)
			if err != nil {
				slog.Warn("failed to load existing vector database, creating new",
					"path", dbPath, "error", err)
				db = chromem.NewDB()
			} else {
				db = loaded
				slog.Info("loaded vector database from file", "path", dbPath)
			}
		} else {
			db = chromem.NewDB()
		}
	} else {
		db = chromem.NewDB()
		slog.Debug("created in-memory vector database (no persistence)")
	}

	return &ChromemIndex{
		db:         db,
		collection: collection,
		persistDir: cfg.Path,
	}, nil
}

// Name implements Index.
func (x *ChromemIndex) Name() string { return "chromem" }

func (x *ChromemIndex) getCollection() (*chromem.Collection, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.col != nil {
		return x.col, nil
	}

	// Vectors arrive pre-computed; the embedding func must never run.
	embedFn := func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("vectors must be pre-computed")
	}

	col, err := x.db.GetOrCreateCollection(x.collection, nil, embedFn)
	if err != nil {
		return nil, fmt.Errorf("failed to get/create collection %q: %w", x.collection, err)
	}
	x.col = col
	return col, nil
}

// Upsert implements Index.
func (x *ChromemIndex) Upsert(ctx context.Context, id string, vec []float32, metadata map[string]any) error {
	col, err := x.getCollection()
	if err != nil {
		return err
	}

	strMetadata := make(map[string]string, len(metadata))
	for k, v := range metadata {
		strMetadata[k] = fmt.Sprint(v)
	}

	content := ""
	if c, ok := metadata["question"].(string); ok {
		content = c
	}

	doc := chromem.Document{
		ID:        id,
		Content:   content,
		Metadata:  strMetadata,
		Embedding: vec,
	}

	if err := col.AddDocuments(ctx, []chromem.Document{doc}, runtime.NumCPU()); err != nil {
		return fmt.Errorf("failed to upsert document: %w", err)
	}
	return nil
}

// Search implements Index.
func (x *ChromemIndex) Search(ctx context.Context, vec []float32, topK int, filter map[string]any) ([]Result, error) {
	col, err := x.getCollection()
	if err != nil {
		return nil, err
	}

	// chromem errors when topK exceeds the collection size.
	if count := col.Count(); count < topK {
		topK = count
	}
	if topK == 0 {
		return nil, nil
	}

	var where map[string]string
	if len(filter) > 0 {
		where = make(map[string]string, len(filter))
		for k, v := range filter {
			where[k] = fmt.Sprint(v)
		}
	}

	results, err := col.QueryEmbedding(ctx, vec, topK, where, nil)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	out := make([]Result, 0, len(results))
	for _, r := range results {
		metadata := make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			metadata[k] = v
		}
		out = append(out, Result{
			ID:       r.ID,
			Score:    float64(r.Similarity),
			Content:  r.Content,
			Metadata: metadata,
		})
	}
	return out, nil
}

// Delete implements Index.
func (x *ChromemIndex) Delete(ctx context.Context, id string) error {
	col, err := x.getCollection()
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return nil
}

// Close implements Index.
func (x *ChromemIndex) Close() error { return nil }
