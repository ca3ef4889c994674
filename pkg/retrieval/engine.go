package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/querylab/sibyl/pkg/config"
	"github.com/querylab/sibyl/pkg/embedders"
	"github.com/querylab/sibyl/pkg/model"
	"github.com/querylab/sibyl/pkg/schema"
	"github.com/querylab/sibyl/pkg/vector"
)

// Multipliers applied to merged scores based on review verdicts.
const (
	goodExampleBoost  = 1.1
	badExamplePenalty = 0.7
)

// ExampleSource supplies the reviewed example pool.
type ExampleSource interface {
	ListExamplesByStatus(ctx context.Context, providerID string, status model.ExampleStatus) ([]*model.Example, error)
}

// Match is one retrieved example with its merged score.
type Match struct {
	Example *model.Example
	// Score is the merged, boosted score in [0, 1].
	Score float64
	// VectorScore is the raw vector similarity, zero if the vector
	// strategy did not surface this example. Used for tie-breaking.
	VectorScore float64
	// StrategyScores records each contributing strategy's score.
	StrategyScores map[string]float64
}

// Result is the retrieval outcome for one question.
type Result struct {
	Matches  []Match
	Intent   model.Intent
	Keywords []string
}

// Engine runs the retrieval strategies and merges their rankings.
type Engine struct {
	source     ExampleSource
	index      vector.Index
	embedder   embedders.Embedder
	classifier *Classifier
	topK       int
	minScore   float64
}

func NewEngine(source ExampleSource, index vector.Index, embedder embedders.Embedder, classifier *Classifier, cfg config.RetrievalConfig) *Engine {
	return &Engine{
		source:     source,
		index:      index,
		embedder:   embedder,
		classifier: classifier,
		topK:       cfg.TopK,
		minScore:   cfg.MinSimilarity,
	}
}

// SchemaContextFn resolves the schema context for the schema-aware
// strategy. The other strategies do not depend on it, so callers running
// schema selection concurrently pass a function that blocks until the
// context is ready (or returns nil on failure).
type SchemaContextFn func(context.Context) *schema.Context

// StaticSchema wraps an already-resolved context.
func StaticSchema(sctx *schema.Context) SchemaContextFn {
	return func(context.Context) *schema.Context { return sctx }
}

// Retrieve finds the examples most relevant to the question. Individual
// strategy failures are logged and skipped; retrieval only fails if the
// example pool itself cannot be read.
func (e *Engine) Retrieve(ctx context.Context, providerID, question string, schemaCtx SchemaContextFn) (*Result, error) {
	approved, err := e.source.ListExamplesByStatus(ctx, providerID, model.ExampleApproved)
	if err != nil {
		return nil, fmt.Errorf("failed to load example pool: %w", err)
	}

	intent, keywords := e.classifier.Classify(ctx, question)
	byID := make(map[string]*model.Example, len(approved))
	for _, ex := range approved {
		byID[ex.ID] = ex
	}

	var (
		mu        sync.Mutex
		strategy  = map[string]map[string]float64{}
		vectorRaw map[string]float64
	)
	record := func(name string, scores map[string]float64) {
		mu.Lock()
		defer mu.Unlock()
		strategy[name] = scores
		if name == "vector" {
			vectorRaw = scores
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		record("keyword", e.keywordScores(approved, keywords))
		return nil
	})
	g.Go(func() error {
		scores, err := e.vectorScores(gctx, providerID, question, byID)
		if err != nil {
			slog.Warn("vector strategy failed", "error", err)
			return nil
		}
		record("vector", scores)
		return nil
	})
	g.Go(func() error {
		if schemaCtx == nil {
			return nil
		}
		record("schema", schemaScores(approved, schemaCtx(gctx)))
		return nil
	})
	g.Go(func() error {
		record("intent", intentScores(approved, intent))
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	matches := merge(byID, strategy, vectorRaw, e.minScore)
	if len(matches) > e.topK {
		matches = matches[:e.topK]
	}
	return &Result{Matches: matches, Intent: intent, Keywords: keywords}, nil
}

func (e *Engine) keywordScores(pool []*model.Example, keywords []string) map[string]float64 {
	idx := newBM25Index()
	for _, ex := range pool {
		idx.add(ex.ID, ex.Question)
	}
	return normalize(idx.search(keywords))
}

func (e *Engine) vectorScores(ctx context.Context, providerID, question string, byID map[string]*model.Example) (map[string]float64, error) {
	if e.index == nil || e.embedder == nil {
		return nil, nil
	}
	embedding, err := e.embedder.Embed(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("failed to embed question: %w", err)
	}
	results, err := e.index.Search(ctx, embedding, e.topK*2,
		map[string]any{"provider_id": providerID})
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	scores := map[string]float64{}
	for _, r := range results {
		// Only score examples still in the approved pool; the index can
		// lag behind rejections.
		if _, ok := byID[r.ID]; ok {
			scores[r.ID] = r.Score
		}
	}
	return scores, nil
}

// schemaScores rewards examples whose involved tables overlap the tables
// the schema expert selected for this question.
func schemaScores(pool []*model.Example, sctx *schema.Context) map[string]float64 {
	if sctx == nil || len(sctx.Tables) == 0 {
		return nil
	}
	scores := map[string]float64{}
	for _, ex := range pool {
		if len(ex.InvolvedTables) == 0 {
			continue
		}
		var overlap int
		for _, t := range ex.InvolvedTables {
			if sctx.HasTable(t) {
				overlap++
			}
		}
		if overlap > 0 {
			scores[ex.ID] = float64(overlap) / float64(len(ex.InvolvedTables))
		}
	}
	return scores
}

func intentScores(pool []*model.Example, intent model.Intent) map[string]float64 {
	scores := map[string]float64{}
	for _, ex := range pool {
		if ex.Intent == intent {
			scores[ex.ID] = 1.0
		}
	}
	return scores
}

// merge averages per-strategy scores over the strategies that surfaced
// each example, applies review boosts, clamps to [0, 1], and drops
// anything below minScore. Ties break on vector score, then on the most
// recent review.
func merge(byID map[string]*model.Example, strategy map[string]map[string]float64, vectorRaw map[string]float64, minScore float64) []Match {
	type acc struct {
		sum   float64
		count int
		per   map[string]float64
	}
	accs := map[string]*acc{}
	for name, scores := range strategy {
		for id, score := range scores {
			a, ok := accs[id]
			if !ok {
				a = &acc{per: map[string]float64{}}
				accs[id] = a
			}
			a.sum += score
			a.count++
			a.per[name] = score
		}
	}

	matches := make([]Match, 0, len(accs))
	for id, a := range accs {
		ex, ok := byID[id]
		if !ok {
			continue
		}
		score := a.sum / float64(a.count)
		if ex.IsGoodExample {
			score *= goodExampleBoost
		} else {
			score *= badExamplePenalty
		}
		score = clamp01(score)
		if score < minScore {
			continue
		}
		matches = append(matches, Match{
			Example:        ex,
			Score:          score,
			VectorScore:    vectorRaw[id],
			StrategyScores: a.per,
		})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		if matches[i].VectorScore != matches[j].VectorScore {
			return matches[i].VectorScore > matches[j].VectorScore
		}
		ti, tj := matches[i].Example.ReviewedAt, matches[j].Example.ReviewedAt
		switch {
		case ti == nil:
			return false
		case tj == nil:
			return true
		default:
			return ti.After(*tj)
		}
	})
	return matches
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
