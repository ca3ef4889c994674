// Package orchestrator runs the question-to-query loop: gather schema and
// example context in parallel, then draft, score, and validate candidate
// queries until one clears the confidence gate or the iteration budget runs
// out. Consumers receive an ordered event stream whose last event is always
// Result or Error.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/querylab/sibyl/pkg/config"
	"github.com/querylab/sibyl/pkg/llms"
	"github.com/querylab/sibyl/pkg/model"
	"github.com/querylab/sibyl/pkg/observability"
	"github.com/querylab/sibyl/pkg/protocol"
	"github.com/querylab/sibyl/pkg/provider"
	"github.com/querylab/sibyl/pkg/querybuilder"
	"github.com/querylab/sibyl/pkg/retrieval"
	"github.com/querylab/sibyl/pkg/schema"
	"github.com/querylab/sibyl/pkg/validator"
)

// ProviderSource resolves provider ids to live providers.
type ProviderSource interface {
	GetProvider(id string) (provider.Provider, error)
}

// SchemaSelector narrows a provider's schema to what a question needs.
type SchemaSelector interface {
	Select(ctx context.Context, providerID, question string, recentTables []string) (*schema.Context, error)
}

// Retriever finds reviewed examples relevant to a question.
type Retriever interface {
	Retrieve(ctx context.Context, providerID, question string, schemaCtx retrieval.SchemaContextFn) (*retrieval.Result, error)
}

// TurnStore persists conversations and turns.
type TurnStore interface {
	EnsureConversation(ctx context.Context, conv *model.Conversation) (*model.Conversation, error)
	AppendTurn(ctx context.Context, turn *model.Turn) error
	ListTurns(ctx context.Context, conversationID string) ([]*model.Turn, error)
}

// Drafter produces one candidate query per iteration.
type Drafter interface {
	Build(ctx context.Context, in *querybuilder.Input) (*querybuilder.Draft, error)
}

// Dependencies wires the orchestrator's collaborators.
type Dependencies struct {
	Providers ProviderSource
	LLM       llms.Provider
	Expert    SchemaSelector
	Engine    Retriever
	Store     TurnStore
	Metrics   *observability.Metrics

	// Drafters overrides the per-language builders; when nil they are
	// constructed lazily from LLM.
	Drafters map[protocol.QueryLanguage]Drafter
}

// Orchestrator coordinates one request end to end.
type Orchestrator struct {
	providers ProviderSource
	llm       llms.Provider
	expert    SchemaSelector
	engine    Retriever
	store     TurnStore
	metrics   *observability.Metrics
	cfg       config.OrchestratorConfig
	logger    *slog.Logger

	mu       sync.Mutex
	drafters map[protocol.QueryLanguage]Drafter
}

// New creates an orchestrator. cfg must have defaults applied.
func New(deps Dependencies, cfg config.OrchestratorConfig) *Orchestrator {
	drafters := deps.Drafters
	if drafters == nil {
		drafters = make(map[protocol.QueryLanguage]Drafter)
	}
	return &Orchestrator{
		providers: deps.Providers,
		llm:       deps.LLM,
		expert:    deps.Expert,
		engine:    deps.Engine,
		store:     deps.Store,
		metrics:   deps.Metrics,
		cfg:       cfg,
		logger:    slog.Default().With("component", "orchestrator"),
		drafters:  drafters,
	}
}

// Execute starts the loop for one request. The returned channel is ordered,
// ends with exactly one Result or Error event, and is closed afterwards.
// Invalid requests fail synchronously.
func (o *Orchestrator) Execute(ctx context.Context, req *Request) (<-chan Event, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	buffer := o.cfg.EventBuffer
	if buffer <= 0 {
		buffer = 16
	}
	events := make(chan Event, buffer)

	timeout := time.Duration(req.Options.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = time.Duration(o.cfg.RequestTimeoutSeconds) * time.Second
	}

	go func() {
		defer close(events)
		runCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		o.run(runCtx, req, &emitter{ch: events})
	}()

	return events, nil
}

// run drives the pipeline and guarantees a terminal event.
func (o *Orchestrator) run(ctx context.Context, req *Request, em *emitter) {
	start := time.Now()
	tracer := observability.Tracer("sibyl/orchestrator")
	ctx, span := tracer.Start(ctx, "orchestrator.execute",
		trace.WithAttributes(attribute.String("provider.id", req.ProviderID)))
	defer span.End()

	outcome := "error"
	defer func() {
		if o.metrics != nil {
			o.metrics.RequestsTotal.WithLabelValues(req.ProviderID, outcome).Inc()
			o.metrics.RequestDuration.WithLabelValues(req.ProviderID).Observe(time.Since(start).Seconds())
		}
	}()

	em.stage(StageStarted, 0.02, 1, "")

	p, err := o.providers.GetProvider(req.ProviderID)
	if err != nil {
		em.send(Event{Kind: EventError, Err: asTypedError(err,
			protocol.ErrInvalidRequest, "unknown provider")})
		return
	}
	info := p.Describe()

	maxIterations := req.Options.MaxIterations
	if maxIterations == 0 {
		maxIterations = o.cfg.MaxIterations
	}
	threshold := req.Options.ConfidenceThreshold
	if threshold == 0 {
		threshold = o.cfg.ConfidenceThreshold
	}
	traceLevel := req.Options.TraceLevel
	if traceLevel == "" {
		traceLevel = TraceSummary
	}

	conv, err := o.ensureConversation(ctx, req)
	if err != nil {
		em.send(Event{Kind: EventError, Err: asTypedError(err,
			protocol.ErrInternal, "conversation setup failed")})
		return
	}
	ctx = protocol.WithConversationID(ctx, conv.ID)
	logger := o.logger.With("conversation", conv.ID, "request_id", protocol.RequestIDFrom(ctx))

	question := strings.TrimSpace(req.Query)
	sctx, retrieved := o.gatherContext(ctx, em, req.ProviderID, conv.ID, question)
	em.stage(StageContextGathered, 0.15, 1, contextTrace(traceLevel, sctx, retrieved))

	drafter, err := o.drafterFor(info.QueryLanguage)
	if err != nil {
		em.send(Event{Kind: EventError, Err: asTypedError(err,
			protocol.ErrInternal, "no builder for query language")})
		return
	}
	gate := validator.New(p)
	canExecute := req.Options.EnableExecution && info.Capabilities.Has(provider.CapQueryExecution)

	var (
		draft     *querybuilder.Draft
		outcomeV  *validator.Outcome
		iteration int
		reasoning []string
	)

	for iteration = 1; ; iteration++ {
		base := 0.15 + 0.8*float64(iteration-1)/float64(maxIterations)
		width := 0.8 / float64(maxIterations)

		em.stage(StageQueryGeneration, base+0.10*width, iteration, "")
		in := &querybuilder.Input{
			Question:  question,
			Schema:    sctx,
			Retrieved: retrieved,
			Iteration: iteration,
		}
		if draft != nil {
			in.PriorDraft = draft.Query
		}
		if outcomeV != nil {
			in.PriorValidation = outcomeV.Validation
		}

		next, err := drafter.Build(ctx, in)
		if err != nil {
			o.failFatal(em, err, "query generation failed")
			return
		}
		draft = next
		if traceLevel != TraceNone {
			reasoning = append(reasoning, draft.ReasoningSteps...)
		}
		em.stage(StageQueryGenerated, base+0.45*width, iteration,
			draftTrace(traceLevel, draft))

		em.stage(StageValidation, base+0.55*width, iteration, "")
		outcomeV, err = gate.Validate(ctx, draft.Query, canExecute)
		if err != nil {
			if ctx.Err() != nil || isFatalKind(protocol.KindOf(err)) {
				o.failFatal(em, err, "validation failed")
				return
			}
			// Transient validator trouble is a failed gate, not a dead
			// request; the next iteration gets the error as feedback.
			outcomeV = &validator.Outcome{Validation: &model.ValidationResult{
				Status: model.ValidationFailed,
				Errors: []string{err.Error()},
			}}
		}
		em.stage(StageValidationComplete, base+0.85*width, iteration,
			validationTrace(traceLevel, outcomeV.Validation))
		if outcomeV.Execution != nil {
			em.stage(StageExecutionComplete, base+0.95*width, iteration, "")
		}

		passed := outcomeV.Validation != nil && outcomeV.Validation.Status != model.ValidationFailed
		if iteration >= maxIterations || (draft.Confidence >= threshold && passed) {
			break
		}
	}

	resp := &Response{
		ConversationID:   conv.ID,
		GeneratedQuery:   draft.Query,
		ConfidenceScore:  draft.Confidence,
		ValidationStatus: outcomeV.Validation.Status,
		ValidationResult: outcomeV.Validation,
		ExecutionResult:  outcomeV.Execution,
		Iterations:       iteration,
	}
	if traceLevel == TraceFull {
		resp.ReasoningTrace = reasoning
	}

	if draft.Confidence < o.cfg.ClarificationThreshold {
		resp.NeedsClarification = true
		resp.ClarificationQuestion = o.clarificationQuestion(ctx, question, sctx)
		em.send(Event{Kind: EventClarification, Question: resp.ClarificationQuestion})
	}

	turn := o.buildTurn(conv.ID, question, draft, outcomeV, iteration, reasoning, sctx)
	if err := o.store.AppendTurn(ctx, turn); err != nil {
		em.send(Event{Kind: EventError, Err: asTypedError(err,
			protocol.ErrInternal, "turn persistence failed")})
		return
	}
	resp.TurnID = turn.ID

	span.SetAttributes(
		attribute.Int("iterations", iteration),
		attribute.Float64("confidence", draft.Confidence),
	)
	if o.metrics != nil {
		o.metrics.IterationsPerQuery.Observe(float64(iteration))
		o.metrics.ConfidenceScore.Observe(draft.Confidence)
	}
	switch {
	case resp.NeedsClarification:
		outcome = "clarification"
	case outcomeV.Validation.Status == model.ValidationFailed:
		outcome = "validation_failed"
	default:
		outcome = "success"
	}

	logger.Info("request completed",
		"turn", turn.ID,
		"iterations", iteration,
		"confidence", draft.Confidence,
		"validation", outcomeV.Validation.Status,
		"outcome", outcome)

	em.stage(StageCompleted, 0.98, iteration, "")
	em.send(Event{Kind: EventResult, Response: resp})
}

// gatherContext runs schema selection and retrieval in parallel. The
// schema-aware retrieval strategy alone blocks on the expert's output;
// failures on either side degrade to empty context rather than aborting.
func (o *Orchestrator) gatherContext(ctx context.Context, em *emitter, providerID, conversationID, question string) (*schema.Context, *retrieval.Result) {
	em.stage(StageSchemaRetrieval, 0.05, 1, "")
	em.stage(StageRagSearch, 0.08, 1, "")

	recent := o.recentTables(ctx, conversationID)

	schemaReady := make(chan *schema.Context, 1)
	schemaFn := func(waitCtx context.Context) *schema.Context {
		select {
		case sctx := <-schemaReady:
			schemaReady <- sctx
			return sctx
		case <-waitCtx.Done():
			return nil
		}
	}

	var (
		sctx      *schema.Context
		retrieved *retrieval.Result
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s, err := o.expert.Select(gctx, providerID, question, recent)
		if err != nil {
			o.logger.Warn("schema selection failed, proceeding without schema context",
				"provider", providerID, "error", err)
			s = nil
		}
		sctx = s
		schemaReady <- s
		return nil
	})
	g.Go(func() error {
		r, err := o.engine.Retrieve(gctx, providerID, question, schemaFn)
		if err != nil {
			o.logger.Warn("example retrieval failed, proceeding without examples",
				"provider", providerID, "error", err)
			r = nil
		}
		retrieved = r
		return nil
	})
	_ = g.Wait()
	return sctx, retrieved
}

func (o *Orchestrator) ensureConversation(ctx context.Context, req *Request) (*model.Conversation, error) {
	id := req.ConversationID
	if id == "" {
		id = uuid.NewString()
	}
	return o.store.EnsureConversation(ctx, &model.Conversation{
		ID:         id,
		UserID:     req.UserID,
		ProviderID: req.ProviderID,
		Status:     model.ConversationActive,
	})
}

// recentTables extracts table references from the last few turns so the
// expert can apply a recency prior in multi-turn conversations.
func (o *Orchestrator) recentTables(ctx context.Context, conversationID string) []string {
	turns, err := o.store.ListTurns(ctx, conversationID)
	if err != nil || len(turns) == 0 {
		return nil
	}
	if len(turns) > 3 {
		turns = turns[len(turns)-3:]
	}
	seen := map[string]bool{}
	var tables []string
	for _, t := range turns {
		for _, name := range querybuilder.TableReferences(t.GeneratedQuery) {
			if !seen[name] {
				seen[name] = true
				tables = append(tables, name)
			}
		}
	}
	return tables
}

func (o *Orchestrator) drafterFor(lang protocol.QueryLanguage) (Drafter, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if d, ok := o.drafters[lang]; ok {
		return d, nil
	}
	if o.llm == nil {
		return nil, protocol.NewError(protocol.ErrInternal,
			fmt.Sprintf("no drafter configured for %s", lang))
	}
	d := querybuilder.New(o.llm, lang)
	o.drafters[lang] = d
	return d, nil
}

const clarificationPrompt = `The user asked a data question that could not be answered confidently:

%s

Ask ONE short follow-up question that would resolve the ambiguity. Reply with the question only.`

func (o *Orchestrator) clarificationQuestion(ctx context.Context, question string, sctx *schema.Context) string {
	const fallback = "Could you rephrase your question or add more detail about which data you need?"
	if o.llm == nil {
		return fallback
	}
	completion, err := o.llm.Invoke(ctx, []protocol.Message{
		protocol.UserMessage(fmt.Sprintf(clarificationPrompt, question)),
	}, llms.InvokeOptions{Temperature: llms.Temp(0.7), MaxTokens: 150})
	if err != nil || strings.TrimSpace(completion.Content) == "" {
		return fallback
	}
	return strings.TrimSpace(completion.Content)
}

func (o *Orchestrator) buildTurn(conversationID, question string, draft *querybuilder.Draft, out *validator.Outcome, iterations int, reasoning []string, sctx *schema.Context) *model.Turn {
	turn := &model.Turn{
		ID:               uuid.NewString(),
		ConversationID:   conversationID,
		UserInput:        question,
		GeneratedQuery:   draft.Query,
		ConfidenceScore:  draft.Confidence,
		IterationCount:   iterations,
		ValidationResult: out.Validation,
		ExecutionResult:  out.Execution,
		ReasoningTrace:   reasoning,
		ExamplesUsed:     draft.ExamplesUsed,
	}
	if sctx != nil && len(sctx.Tables) > 0 {
		names := make([]string, len(sctx.Tables))
		for i, t := range sctx.Tables {
			names[i] = t.Name
		}
		if snapshot, err := json.Marshal(names); err == nil {
			turn.SchemaContextSnapshot = string(snapshot)
		}
	}
	return turn
}

// failFatal emits the terminal Error event. Fatal failures write no turn.
func (o *Orchestrator) failFatal(em *emitter, err error, message string) {
	kind := protocol.KindOf(err)
	if !isFatalKind(kind) {
		kind = protocol.ErrInternal
	}
	o.logger.Error("request failed", "kind", kind, "error", err)
	em.send(Event{Kind: EventError, Err: &protocol.Error{
		Kind:    kind,
		Message: message,
		Err:     err,
	}})
}

// isFatalKind reports whether an error kind aborts the loop. Validation
// failures are ordinary loop feedback, never errors.
func isFatalKind(kind protocol.ErrorKind) bool {
	switch kind {
	case protocol.ErrProviderUnavailable, protocol.ErrLLMFailure,
		protocol.ErrRateLimited, protocol.ErrTimeout, protocol.ErrCancelled:
		return true
	}
	return false
}

func asTypedError(err error, fallback protocol.ErrorKind, message string) *protocol.Error {
	var typed *protocol.Error
	if errors.As(err, &typed) {
		return typed
	}
	return &protocol.Error{Kind: fallback, Message: message, Err: err}
}

func contextTrace(level TraceLevel, sctx *schema.Context, retrieved *retrieval.Result) string {
	if level == TraceNone {
		return ""
	}
	tables := 0
	if sctx != nil {
		tables = len(sctx.Tables)
	}
	matches := 0
	if retrieved != nil {
		matches = len(retrieved.Matches)
	}
	return fmt.Sprintf("schema context: %d tables, %d examples", tables, matches)
}

func draftTrace(level TraceLevel, draft *querybuilder.Draft) string {
	switch level {
	case TraceNone:
		return ""
	case TraceFull:
		return draft.Query
	default:
		return fmt.Sprintf("drafted query, confidence %.3f", draft.Confidence)
	}
}

func validationTrace(level TraceLevel, result *model.ValidationResult) string {
	if level == TraceNone || result == nil {
		return ""
	}
	return fmt.Sprintf("validation %s (%d errors, %d warnings)",
		result.Status, len(result.Errors), len(result.Warnings))
}
