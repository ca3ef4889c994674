package querybuilder

import (
	"context"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querylab/sibyl/pkg/llms"
	"github.com/querylab/sibyl/pkg/model"
	"github.com/querylab/sibyl/pkg/protocol"
	"github.com/querylab/sibyl/pkg/retrieval"
	"github.com/querylab/sibyl/pkg/schema"
)

type fakeLLM struct {
	response string
	prompts  []string
}

func (f *fakeLLM) Invoke(_ context.Context, messages []protocol.Message, _ llms.InvokeOptions) (*llms.Completion, error) {
	for _, m := range messages {
		f.prompts = append(f.prompts, m.Content)
	}
	return &llms.Completion{Content: f.response}, nil
}
func (f *fakeLLM) ModelName() string { return "fake" }
func (f *fakeLLM) Close() error      { return nil }

func customersContext() *schema.Context {
	return &schema.Context{
		QueryLanguage: protocol.QueryLanguageSQL,
		Tables: []schema.Table{{
			Name: "customers",
			Columns: []schema.Column{
				{Name: "id", Type: "integer", IsPrimaryKey: true},
				{Name: "name", Type: "text"},
			},
		}},
	}
}

func TestBuildParsesTaggedOutput(t *testing.T) {
	llm := &fakeLLM{response: `{"reasoning_steps": ["use customers table"], "query": "SELECT * FROM customers"}`}
	b := New(llm, protocol.QueryLanguageSQL)

	draft, err := b.Build(context.Background(), &Input{
		Question:  "Show me all customers",
		Schema:    customersContext(),
		Iteration: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM customers", draft.Query)
	assert.Equal(t, []string{"use customers table"}, draft.ReasoningSteps)
	assert.Greater(t, draft.Confidence, 0.85)
}

func TestBuildFencedFallback(t *testing.T) {
	llm := &fakeLLM{response: "Here is the query:\n```sql\nSELECT name FROM customers\n```\n"}
	b := New(llm, protocol.QueryLanguageSQL)

	draft, err := b.Build(context.Background(), &Input{
		Question:  "Show me all customer names",
		Schema:    customersContext(),
		Iteration: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, "SELECT name FROM customers", draft.Query)
	assert.Empty(t, draft.ReasoningSteps)
}

func TestParseOutputPrefersMatchingFenceTag(t *testing.T) {
	b := New(&fakeLLM{}, protocol.QueryLanguageSPL)
	content := "```sql\nSELECT 1\n```\n```spl\nsearch index=web\n```"

	query, _ := b.parseOutput(content)
	assert.Equal(t, "search index=web", query)
}

func TestBuildFailsWithoutQuery(t *testing.T) {
	llm := &fakeLLM{response: "I cannot answer that."}
	b := New(llm, protocol.QueryLanguageSQL)

	_, err := b.Build(context.Background(), &Input{Question: "q", Iteration: 1})
	require.Error(t, err)
	assert.True(t, protocol.IsKind(err, protocol.ErrLLMFailure))
}

func TestRefinementPromptCarriesValidatorFeedback(t *testing.T) {
	llm := &fakeLLM{response: `{"reasoning_steps": [], "query": "SELECT id FROM customers"}`}
	b := New(llm, protocol.QueryLanguageSQL)

	_, err := b.Build(context.Background(), &Input{
		Question:   "Show customer ids",
		Schema:     customersContext(),
		Iteration:  2,
		PriorDraft: "SELECT id FROM customer",
		PriorValidation: &model.ValidationResult{
			Status:      model.ValidationFailed,
			Errors:      []string{`relation "customer" does not exist`},
			Suggestions: []string{"did you mean customers?"},
		},
	})
	require.NoError(t, err)

	prompt := llm.prompts[len(llm.prompts)-1]
	assert.Contains(t, prompt, "SELECT id FROM customer")
	assert.Contains(t, prompt, `relation "customer" does not exist`)
	assert.Contains(t, prompt, "did you mean customers?")
}

func TestPromptIncludesBadExampleCorrections(t *testing.T) {
	llm := &fakeLLM{response: `{"query": "SELECT 1"}`}
	b := New(llm, protocol.QueryLanguageSQL)

	retrieved := &retrieval.Result{Matches: []retrieval.Match{
		{Example: &model.Example{
			ID: "bad1", Question: "count customers",
			Query:          "SELECT COUNT(id) FROM customer",
			CorrectedQuery: "SELECT COUNT(id) FROM customers",
		}, Score: 0.8},
	}}

	_, err := b.Build(context.Background(), &Input{
		Question:  "how many customers",
		Retrieved: retrieved,
		Iteration: 1,
	})
	require.NoError(t, err)

	prompt := llm.prompts[len(llm.prompts)-1]
	assert.Contains(t, prompt, "Known mistakes to avoid")
	assert.Contains(t, prompt, "SELECT COUNT(id) FROM customers")
}

func TestComposePromptTrimsLowestRankedTables(t *testing.T) {
	b := New(&fakeLLM{}, protocol.QueryLanguageSQL)

	sctx := &schema.Context{QueryLanguage: protocol.QueryLanguageSQL}
	for i := 0; i < 30; i++ {
		table := schema.Table{Name: fmt.Sprintf("warehouse_inventory_snapshot_%02d", i)}
		for j := 0; j < 60; j++ {
			table.Columns = append(table.Columns, schema.Column{
				Name: fmt.Sprintf("measurement_value_recorded_%02d", j),
				Type: "numeric",
			})
		}
		sctx.Tables = append(sctx.Tables, table)
	}

	in := &Input{Question: "total inventory", Schema: sctx, Iteration: 1}
	prompt, _ := b.composePrompt(in)

	assert.LessOrEqual(t, b.countTokens(prompt), promptTokenBudget)
	assert.True(t, strings.Contains(prompt, "warehouse_inventory_snapshot_00"))
	assert.False(t, strings.Contains(prompt, "warehouse_inventory_snapshot_29"))
	// The caller's context is left intact.
	assert.Len(t, sctx.Tables, 30)
}

func TestConfidenceSignals(t *testing.T) {
	sctx := customersContext()

	t.Run("full coverage simple question", func(t *testing.T) {
		score := Confidence("Show me all customers", "SELECT * FROM customers", sctx, nil, 1)
		// 0.3*1.0 + 0.2*0.5 + 0.2*0.9 + 0.15*1.0 + 0.15*1.0 = 0.88
		assert.InDelta(t, 0.88, score, 1e-9)
	})

	t.Run("unknown table lowers coverage", func(t *testing.T) {
		score := Confidence("Show me all customers", "SELECT * FROM clients", sctx, nil, 1)
		assert.Less(t, score, 0.7)
	})

	t.Run("ambiguous short question", func(t *testing.T) {
		// "show stuff": one ambiguity word plus the short-question hit.
		assert.InDelta(t, 0.4, nonAmbiguity("show stuff"), 1e-9)
	})

	t.Run("iteration penalty floors at half", func(t *testing.T) {
		assert.InDelta(t, 1.0, iterationPenalty(1), 1e-9)
		assert.InDelta(t, 0.9, iterationPenalty(2), 1e-9)
		assert.InDelta(t, 0.5, iterationPenalty(7), 1e-9)
		assert.InDelta(t, 0.5, iterationPenalty(20), 1e-9)
	})

	t.Run("good example similarity wins over bad", func(t *testing.T) {
		retrieved := &retrieval.Result{Matches: []retrieval.Match{
			{Example: &model.Example{IsGoodExample: false}, Score: 0.99},
			{Example: &model.Example{IsGoodExample: true}, Score: 0.8},
		}}
		assert.InDelta(t, 0.8, exampleSimilarity(retrieved), 1e-9)
	})

	t.Run("rounded to three decimals", func(t *testing.T) {
		score := Confidence("show stuff", "SELECT * FROM customers", sctx, nil, 2)
		assert.Equal(t, score, math.Round(score*1000)/1000)
	})
}
