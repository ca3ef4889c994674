package orchestrator

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querylab/sibyl/pkg/config"
	"github.com/querylab/sibyl/pkg/model"
	"github.com/querylab/sibyl/pkg/protocol"
	"github.com/querylab/sibyl/pkg/provider"
	"github.com/querylab/sibyl/pkg/querybuilder"
	"github.com/querylab/sibyl/pkg/retrieval"
	"github.com/querylab/sibyl/pkg/schema"
)

type fakeProvider struct {
	caps       provider.Capability
	syntax     *model.ValidationResult
	execResult *model.ExecutionResult
}

func (p *fakeProvider) Describe() provider.Info {
	return provider.Info{
		ID:            "warehouse",
		Type:          "sql",
		QueryLanguage: protocol.QueryLanguageSQL,
		Capabilities:  p.caps,
	}
}

func (p *fakeProvider) GetSchema(ctx context.Context) (*schema.Definition, error) {
	return &schema.Definition{}, nil
}

func (p *fakeProvider) ValidateSyntax(ctx context.Context, query string) (*model.ValidationResult, error) {
	if p.syntax != nil {
		return p.syntax, nil
	}
	return &model.ValidationResult{Status: model.ValidationPassed}, nil
}

func (p *fakeProvider) ExecuteQuery(ctx context.Context, query string, rowLimit int) (*model.ExecutionResult, error) {
	if p.execResult != nil {
		return p.execResult, nil
	}
	return &model.ExecutionResult{Success: true, RowCount: 3}, nil
}

func (p *fakeProvider) Close() error { return nil }

type fakeProviders struct{ p provider.Provider }

func (f *fakeProviders) GetProvider(id string) (provider.Provider, error) {
	if f.p == nil {
		return nil, protocol.NewError(protocol.ErrInvalidRequest, "unknown provider "+id)
	}
	return f.p, nil
}

type fakeExpert struct {
	sctx *schema.Context
	err  error
}

func (f *fakeExpert) Select(ctx context.Context, providerID, question string, recentTables []string) (*schema.Context, error) {
	return f.sctx, f.err
}

type fakeEngine struct {
	result *retrieval.Result
	err    error
}

func (f *fakeEngine) Retrieve(ctx context.Context, providerID, question string, schemaCtx retrieval.SchemaContextFn) (*retrieval.Result, error) {
	// Exercise the schema future the way the real schema strategy does.
	if schemaCtx != nil {
		_ = schemaCtx(ctx)
	}
	return f.result, f.err
}

type fakeStore struct {
	mu            sync.Mutex
	conversations map[string]*model.Conversation
	turns         []*model.Turn
}

func newFakeStore() *fakeStore {
	return &fakeStore{conversations: map[string]*model.Conversation{}}
}

func (s *fakeStore) EnsureConversation(ctx context.Context, conv *model.Conversation) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.conversations[conv.ID]; ok {
		return existing, nil
	}
	s.conversations[conv.ID] = conv
	return conv, nil
}

func (s *fakeStore) AppendTurn(ctx context.Context, turn *model.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	turn.TurnNumber = len(s.turns) + 1
	s.turns = append(s.turns, turn)
	return nil
}

func (s *fakeStore) ListTurns(ctx context.Context, conversationID string) ([]*model.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*model.Turn(nil), s.turns...), nil
}

// fakeDrafter returns scripted drafts, one per iteration.
type fakeDrafter struct {
	drafts []*querybuilder.Draft
	err    error
	inputs []*querybuilder.Input
}

func (d *fakeDrafter) Build(ctx context.Context, in *querybuilder.Input) (*querybuilder.Draft, error) {
	d.inputs = append(d.inputs, in)
	if d.err != nil {
		return nil, d.err
	}
	idx := len(d.inputs) - 1
	if idx >= len(d.drafts) {
		idx = len(d.drafts) - 1
	}
	return d.drafts[idx], nil
}

func testConfig() config.OrchestratorConfig {
	cfg := config.OrchestratorConfig{}
	cfg.SetDefaults()
	return cfg
}

func newTestOrchestrator(p provider.Provider, drafter Drafter, store *fakeStore) *Orchestrator {
	return New(Dependencies{
		Providers: &fakeProviders{p: p},
		Expert:    &fakeExpert{sctx: &schema.Context{Tables: []schema.Table{{Name: "orders"}}}},
		Engine:    &fakeEngine{result: &retrieval.Result{}},
		Store:     store,
		Drafters: map[protocol.QueryLanguage]Drafter{
			protocol.QueryLanguageSQL: drafter,
		},
	}, testConfig())
}

func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var events []Event
	for ev := range ch {
		events = append(events, ev)
	}
	require.NotEmpty(t, events)
	return events
}

func TestExecuteHappyPath(t *testing.T) {
	store := newFakeStore()
	drafter := &fakeDrafter{drafts: []*querybuilder.Draft{{
		Query:      "SELECT * FROM orders",
		Confidence: 0.91,
	}}}
	o := newTestOrchestrator(&fakeProvider{caps: provider.CapQueryValidation}, drafter, store)

	ch, err := o.Execute(context.Background(), &Request{
		ProviderID: "warehouse",
		Query:      "show all orders",
	})
	require.NoError(t, err)

	events := collect(t, ch)
	last := events[len(events)-1]
	require.Equal(t, EventResult, last.Kind)
	assert.Equal(t, "SELECT * FROM orders", last.Response.GeneratedQuery)
	assert.Equal(t, 1, last.Response.Iterations)
	assert.Equal(t, model.ValidationPassed, last.Response.ValidationStatus)
	assert.False(t, last.Response.NeedsClarification)

	require.Len(t, store.turns, 1)
	assert.Equal(t, last.Response.TurnID, store.turns[0].ID)
	assert.Equal(t, "show all orders", store.turns[0].UserInput)
}

func TestExecuteEventOrdering(t *testing.T) {
	store := newFakeStore()
	drafter := &fakeDrafter{drafts: []*querybuilder.Draft{
		{Query: "SELECT 1", Confidence: 0.3},
		{Query: "SELECT 2", Confidence: 0.4},
		{Query: "SELECT 3", Confidence: 0.5},
	}}
	o := newTestOrchestrator(&fakeProvider{caps: provider.CapQueryValidation}, drafter, store)

	ch, err := o.Execute(context.Background(), &Request{
		ProviderID: "warehouse",
		Query:      "count orders by region",
		Options:    Options{MaxIterations: 3},
	})
	require.NoError(t, err)
	events := collect(t, ch)

	// The terminal event is last and appears exactly once.
	for i, ev := range events[:len(events)-1] {
		assert.NotEqual(t, EventResult, ev.Kind, "non-terminal event %d", i)
		assert.NotEqual(t, EventError, ev.Kind, "non-terminal event %d", i)
	}
	assert.Equal(t, EventResult, events[len(events)-1].Kind)

	// Progress never decreases, and every progress event belongs to an
	// iteration numbered from 1.
	progress := -1.0
	for _, ev := range events {
		if ev.Kind != EventProgress {
			continue
		}
		assert.GreaterOrEqual(t, ev.Progress, progress)
		assert.GreaterOrEqual(t, ev.Iteration, 1, "stage %s", ev.Stage)
		progress = ev.Progress
	}

	assert.Equal(t, StageStarted, events[0].Stage)
	assert.Equal(t, 3, events[len(events)-1].Response.Iterations)
}

func TestExecuteRefinementCarriesPriorValidation(t *testing.T) {
	store := newFakeStore()
	drafter := &fakeDrafter{drafts: []*querybuilder.Draft{
		{Query: "SELECT broken", Confidence: 0.9},
		{Query: "SELECT fixed FROM orders", Confidence: 0.9},
	}}
	p := &fakeProvider{
		caps: provider.CapQueryValidation,
		syntax: &model.ValidationResult{
			Status: model.ValidationFailed,
			Errors: []string{"no such column: broken"},
		},
	}
	o := newTestOrchestrator(p, drafter, store)

	ch, err := o.Execute(context.Background(), &Request{
		ProviderID: "warehouse",
		Query:      "list orders",
		Options:    Options{MaxIterations: 2},
	})
	require.NoError(t, err)
	events := collect(t, ch)

	require.Len(t, drafter.inputs, 2)
	assert.Nil(t, drafter.inputs[0].PriorValidation)
	require.NotNil(t, drafter.inputs[1].PriorValidation)
	assert.Contains(t, drafter.inputs[1].PriorValidation.Errors[0], "no such column")
	assert.Equal(t, "SELECT broken", drafter.inputs[1].PriorDraft)

	last := events[len(events)-1]
	assert.Equal(t, model.ValidationFailed, last.Response.ValidationStatus)
}

func TestExecuteFatalLLMFailureWritesNoTurn(t *testing.T) {
	store := newFakeStore()
	drafter := &fakeDrafter{err: protocol.NewError(protocol.ErrLLMFailure, "model unreachable")}
	o := newTestOrchestrator(&fakeProvider{caps: provider.CapQueryValidation}, drafter, store)

	ch, err := o.Execute(context.Background(), &Request{
		ProviderID: "warehouse",
		Query:      "anything",
	})
	require.NoError(t, err)
	events := collect(t, ch)

	last := events[len(events)-1]
	require.Equal(t, EventError, last.Kind)
	assert.Equal(t, protocol.ErrLLMFailure, last.Err.Kind)
	assert.Empty(t, store.turns)
}

func TestExecuteDeadlineDuringDraftReportsTimeout(t *testing.T) {
	store := newFakeStore()
	// The builder wraps an expired deadline as an LLM failure; the
	// terminal event must still carry the timeout kind.
	drafter := &fakeDrafter{err: protocol.WrapError(protocol.ErrLLMFailure,
		"query generation failed", context.DeadlineExceeded)}
	o := newTestOrchestrator(&fakeProvider{caps: provider.CapQueryValidation}, drafter, store)

	ch, err := o.Execute(context.Background(), &Request{
		ProviderID: "warehouse",
		Query:      "anything",
	})
	require.NoError(t, err)
	events := collect(t, ch)

	last := events[len(events)-1]
	require.Equal(t, EventError, last.Kind)
	assert.Equal(t, protocol.ErrTimeout, last.Err.Kind)
	assert.Empty(t, store.turns)
}

func TestExecuteInvalidRequest(t *testing.T) {
	o := newTestOrchestrator(&fakeProvider{}, &fakeDrafter{}, newFakeStore())

	cases := []Request{
		{ProviderID: "", Query: "something"},
		{ProviderID: "warehouse", Query: "   "},
		{ProviderID: "warehouse", Query: strings.Repeat("x", maxQuestionLength+1)},
		{ProviderID: "warehouse", Query: "ok", Options: Options{TraceLevel: "verbose"}},
	}
	for _, req := range cases {
		_, err := o.Execute(context.Background(), &req)
		require.Error(t, err)
		assert.Equal(t, protocol.ErrInvalidRequest, protocol.KindOf(err))
	}
}

func TestExecuteNoExecutionWithoutCapability(t *testing.T) {
	store := newFakeStore()
	drafter := &fakeDrafter{drafts: []*querybuilder.Draft{{
		Query:      "SELECT * FROM orders",
		Confidence: 0.95,
	}}}
	o := newTestOrchestrator(&fakeProvider{caps: provider.CapQueryValidation}, drafter, store)

	ch, err := o.Execute(context.Background(), &Request{
		ProviderID: "warehouse",
		Query:      "show orders",
		Options:    Options{EnableExecution: true},
	})
	require.NoError(t, err)
	events := collect(t, ch)

	for _, ev := range events {
		assert.NotEqual(t, StageExecutionComplete, ev.Stage)
	}
	assert.Nil(t, events[len(events)-1].Response.ExecutionResult)
}

func TestExecuteRunsExecutionWhenEnabled(t *testing.T) {
	store := newFakeStore()
	drafter := &fakeDrafter{drafts: []*querybuilder.Draft{{
		Query:      "SELECT * FROM orders",
		Confidence: 0.95,
	}}}
	p := &fakeProvider{caps: provider.CapQueryValidation | provider.CapQueryExecution}
	o := newTestOrchestrator(p, drafter, store)

	ch, err := o.Execute(context.Background(), &Request{
		ProviderID: "warehouse",
		Query:      "show orders",
		Options:    Options{EnableExecution: true},
	})
	require.NoError(t, err)
	events := collect(t, ch)

	sawExecution := false
	for _, ev := range events {
		if ev.Stage == StageExecutionComplete {
			sawExecution = true
		}
	}
	assert.True(t, sawExecution)
	result := events[len(events)-1].Response.ExecutionResult
	require.NotNil(t, result)
	assert.True(t, result.Success)
	assert.EqualValues(t, 3, result.RowCount)
}

func TestExecuteLowConfidenceAsksClarification(t *testing.T) {
	store := newFakeStore()
	drafter := &fakeDrafter{drafts: []*querybuilder.Draft{{
		Query:      "SELECT 1",
		Confidence: 0.35,
	}}}
	o := newTestOrchestrator(&fakeProvider{caps: provider.CapQueryValidation}, drafter, store)

	ch, err := o.Execute(context.Background(), &Request{
		ProviderID: "warehouse",
		Query:      "show stuff",
		Options:    Options{MaxIterations: 1},
	})
	require.NoError(t, err)
	events := collect(t, ch)

	sawClarification := false
	for _, ev := range events {
		if ev.Kind == EventClarification {
			sawClarification = true
			assert.NotEmpty(t, ev.Question)
		}
	}
	assert.True(t, sawClarification)

	last := events[len(events)-1]
	require.Equal(t, EventResult, last.Kind)
	assert.True(t, last.Response.NeedsClarification)
	assert.NotEmpty(t, last.Response.ClarificationQuestion)

	// A low-confidence answer is still a persisted turn.
	assert.Len(t, store.turns, 1)
}

func TestExecuteSchemaFailureDegrades(t *testing.T) {
	store := newFakeStore()
	drafter := &fakeDrafter{drafts: []*querybuilder.Draft{{
		Query:      "SELECT * FROM orders",
		Confidence: 0.9,
	}}}
	o := New(Dependencies{
		Providers: &fakeProviders{p: &fakeProvider{caps: provider.CapQueryValidation}},
		Expert:    &fakeExpert{err: protocol.NewError(protocol.ErrProviderUnavailable, "introspection timed out")},
		Engine:    &fakeEngine{err: protocol.NewError(protocol.ErrInternal, "vector index down")},
		Store:     store,
		Drafters: map[protocol.QueryLanguage]Drafter{
			protocol.QueryLanguageSQL: drafter,
		},
	}, testConfig())

	ch, err := o.Execute(context.Background(), &Request{
		ProviderID: "warehouse",
		Query:      "show orders",
	})
	require.NoError(t, err)
	events := collect(t, ch)

	last := events[len(events)-1]
	require.Equal(t, EventResult, last.Kind)
	require.Len(t, drafter.inputs, 1)
	assert.Nil(t, drafter.inputs[0].Schema)
	assert.Nil(t, drafter.inputs[0].Retrieved)
}

func TestExecuteMaxIterationsOnePersistsTurn(t *testing.T) {
	store := newFakeStore()
	drafter := &fakeDrafter{drafts: []*querybuilder.Draft{{
		Query:      "SELECT 1",
		Confidence: 0.1,
	}}}
	o := newTestOrchestrator(&fakeProvider{caps: provider.CapQueryValidation}, drafter, store)

	ch, err := o.Execute(context.Background(), &Request{
		ProviderID: "warehouse",
		Query:      "something vague",
		Options:    Options{MaxIterations: 1},
	})
	require.NoError(t, err)
	events := collect(t, ch)

	assert.Equal(t, EventResult, events[len(events)-1].Kind)
	assert.Len(t, drafter.inputs, 1)
	assert.Len(t, store.turns, 1)
}

func TestExecuteReusesConversation(t *testing.T) {
	store := newFakeStore()
	drafter := &fakeDrafter{drafts: []*querybuilder.Draft{{
		Query:      "SELECT region FROM orders",
		Confidence: 0.9,
	}}}
	o := newTestOrchestrator(&fakeProvider{caps: provider.CapQueryValidation}, drafter, store)

	first, err := o.Execute(context.Background(), &Request{
		ProviderID: "warehouse",
		Query:      "orders by region",
	})
	require.NoError(t, err)
	events := collect(t, first)
	convID := events[len(events)-1].Response.ConversationID
	require.NotEmpty(t, convID)

	second, err := o.Execute(context.Background(), &Request{
		ProviderID:     "warehouse",
		Query:          "now just the top five",
		ConversationID: convID,
	})
	require.NoError(t, err)
	events = collect(t, second)

	assert.Equal(t, convID, events[len(events)-1].Response.ConversationID)
	require.Len(t, store.turns, 2)
	assert.Equal(t, convID, store.turns[1].ConversationID)
}
