package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/querylab/sibyl/pkg/embedders"
	"github.com/querylab/sibyl/pkg/model"
	"github.com/querylab/sibyl/pkg/vector"
)

const indexerSweepInterval = 30 * time.Second

// IndexerStore is the persistence surface the indexer needs.
type IndexerStore interface {
	ListUnindexedApproved(ctx context.Context, limit int) ([]*model.Example, error)
	MarkIndexed(ctx context.Context, id string) error
}

// Indexer mirrors approved examples into the vector index in the
// background. Approval marks an example unindexed; the indexer embeds its
// question and upserts it, so index lag never blocks the review flow.
type Indexer struct {
	store    IndexerStore
	index    vector.Index
	embedder embedders.Embedder
	kick     chan struct{}
}

func NewIndexer(store IndexerStore, index vector.Index, embedder embedders.Embedder) *Indexer {
	return &Indexer{
		store:    store,
		index:    index,
		embedder: embedder,
		kick:     make(chan struct{}, 1),
	}
}

// Enqueue nudges the indexer to sweep soon. Non-blocking; a pending nudge
// covers any number of callers.
func (ix *Indexer) Enqueue() {
	select {
	case ix.kick <- struct{}{}:
	default:
	}
}

// Run sweeps until the context is cancelled.
func (ix *Indexer) Run(ctx context.Context) {
	ticker := time.NewTicker(indexerSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-ix.kick:
		}
		if err := ix.Sweep(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("example indexing sweep failed", "error", err)
		}
	}
}

// Sweep indexes every approved-but-unindexed example once.
func (ix *Indexer) Sweep(ctx context.Context) error {
	if ix.index == nil || ix.embedder == nil {
		return nil
	}
	pending, err := ix.store.ListUnindexedApproved(ctx, 100)
	if err != nil {
		return fmt.Errorf("failed to list pending examples: %w", err)
	}
	for _, ex := range pending {
		if err := ix.indexOne(ctx, ex); err != nil {
			// Leave the example unindexed; the next sweep retries it.
			slog.Warn("failed to index example", "example_id", ex.ID, "error", err)
			continue
		}
		if err := ix.store.MarkIndexed(ctx, ex.ID); err != nil {
			return err
		}
	}
	return nil
}

func (ix *Indexer) indexOne(ctx context.Context, ex *model.Example) error {
	embedding, err := ix.embedder.Embed(ctx, ex.Question)
	if err != nil {
		return fmt.Errorf("failed to embed question: %w", err)
	}
	metadata := map[string]any{
		"question":    ex.Question,
		"provider_id": ex.ProviderID,
		"intent":      string(ex.Intent),
		"complexity":  string(ex.Complexity),
	}
	return ix.index.Upsert(ctx, ex.ID, embedding, metadata)
}
