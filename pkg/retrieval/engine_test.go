package retrieval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querylab/sibyl/pkg/config"
	"github.com/querylab/sibyl/pkg/model"
	"github.com/querylab/sibyl/pkg/schema"
	"github.com/querylab/sibyl/pkg/vector"
)

type fakeSource struct {
	examples []*model.Example
}

func (f *fakeSource) ListExamplesByStatus(_ context.Context, _ string, status model.ExampleStatus) ([]*model.Example, error) {
	var out []*model.Example
	for _, ex := range f.examples {
		if ex.Status == status {
			out = append(out, ex)
		}
	}
	return out, nil
}

type fakeIndex struct {
	results []vector.Result
	err     error
}

func (f *fakeIndex) Name() string { return "fake" }
func (f *fakeIndex) Upsert(context.Context, string, []float32, map[string]any) error {
	return nil
}
func (f *fakeIndex) Search(context.Context, []float32, int, map[string]any) ([]vector.Result, error) {
	return f.results, f.err
}
func (f *fakeIndex) Delete(context.Context, string) error { return nil }
func (f *fakeIndex) Close() error                         { return nil }

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(context.Context, string) ([]float32, error) {
	return []float32{0.1, 0.2}, nil
}
func (fakeEmbedder) Dimension() int { return 2 }
func (fakeEmbedder) Close() error   { return nil }

func approvedExample(id, question string, good bool, tables ...string) *model.Example {
	return &model.Example{
		ID:             id,
		ProviderID:     "sales",
		Question:       question,
		Query:          "SELECT 1",
		Status:         model.ExampleApproved,
		IsGoodExample:  good,
		Intent:         model.IntentAggregation,
		InvolvedTables: tables,
	}
}

func testConfig() config.RetrievalConfig {
	cfg := config.RetrievalConfig{}
	cfg.SetDefaults()
	return cfg
}

func TestRetrieveMergesAndBoosts(t *testing.T) {
	good := approvedExample("ex-good", "total revenue by month", true, "orders")
	bad := approvedExample("ex-bad", "total revenue by month", false, "orders")
	source := &fakeSource{examples: []*model.Example{good, bad}}
	index := &fakeIndex{results: []vector.Result{
		{ID: "ex-good", Score: 0.95},
		{ID: "ex-bad", Score: 0.95},
	}}

	engine := NewEngine(source, index, fakeEmbedder{}, NewClassifier(nil), testConfig())
	sctx := &schema.Context{Tables: []schema.Table{{Name: "orders"}}}

	result, err := engine.Retrieve(context.Background(), "sales", "total revenue by month", StaticSchema(sctx))
	require.NoError(t, err)
	require.NotEmpty(t, result.Matches)

	// The good example outranks the otherwise identical bad one.
	assert.Equal(t, "ex-good", result.Matches[0].Example.ID)
	for _, m := range result.Matches {
		assert.LessOrEqual(t, m.Score, 1.0)
		assert.GreaterOrEqual(t, m.Score, engine.minScore)
	}
}

func TestRetrieveDropsBelowMinSimilarity(t *testing.T) {
	weak := approvedExample("ex-weak", "completely unrelated topic", true)
	source := &fakeSource{examples: []*model.Example{weak}}
	index := &fakeIndex{results: []vector.Result{{ID: "ex-weak", Score: 0.1}}}

	engine := NewEngine(source, index, fakeEmbedder{}, NewClassifier(nil), testConfig())

	result, err := engine.Retrieve(context.Background(), "sales", "total revenue by month", nil)
	require.NoError(t, err)
	assert.Empty(t, result.Matches)
}

func TestRetrieveSurvivesVectorFailure(t *testing.T) {
	ex := approvedExample("ex1", "total revenue by month", true, "orders")
	source := &fakeSource{examples: []*model.Example{ex}}
	index := &fakeIndex{err: assert.AnError}

	engine := NewEngine(source, index, fakeEmbedder{}, NewClassifier(nil), testConfig())
	sctx := &schema.Context{Tables: []schema.Table{{Name: "orders"}}}

	result, err := engine.Retrieve(context.Background(), "sales", "total revenue by month", StaticSchema(sctx))
	require.NoError(t, err)
	// Keyword, schema, and intent strategies still surface the example.
	require.Len(t, result.Matches, 1)
	assert.Zero(t, result.Matches[0].VectorScore)
}

func TestMergeTieBreaks(t *testing.T) {
	older := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)
	a := approvedExample("a", "q", true)
	a.ReviewedAt = &older
	b := approvedExample("b", "q", true)
	b.ReviewedAt = &newer

	byID := map[string]*model.Example{"a": a, "b": b}
	strategy := map[string]map[string]float64{
		"keyword": {"a": 0.9, "b": 0.9},
	}

	matches := merge(byID, strategy, nil, 0)
	require.Len(t, matches, 2)
	// Equal scores and vector scores: the more recently reviewed wins.
	assert.Equal(t, "b", matches[0].Example.ID)
}

func TestBM25PrefersRarerTerms(t *testing.T) {
	idx := newBM25Index()
	idx.add("d1", "total revenue by month")
	idx.add("d2", "total orders by month")
	idx.add("d3", "list all customers")

	scores := normalize(idx.search([]string{"revenue"}))
	assert.Contains(t, scores, "d1")
	assert.NotContains(t, scores, "d2")
	assert.NotContains(t, scores, "d3")
	assert.InDelta(t, 1.0, scores["d1"], 1e-9)
}

func TestClassifierFallback(t *testing.T) {
	c := NewClassifier(nil)
	intent, keywords := c.Classify(context.Background(), "Show me the top customers")

	assert.Equal(t, model.IntentFilter, intent)
	assert.Equal(t, []string{"show", "customers"}, keywords)
}
