// Package runtime assembles the full sibyl process from config: primary
// store, provider registry, LLMs, embedder, vector index, background
// indexer, orchestrator, feedback services, and the HTTP server.
package runtime

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/querylab/sibyl/pkg/config"
	"github.com/querylab/sibyl/pkg/embedders"
	"github.com/querylab/sibyl/pkg/feedback"
	"github.com/querylab/sibyl/pkg/llms"
	"github.com/querylab/sibyl/pkg/observability"
	"github.com/querylab/sibyl/pkg/orchestrator"
	"github.com/querylab/sibyl/pkg/protocol"
	"github.com/querylab/sibyl/pkg/provider"
	"github.com/querylab/sibyl/pkg/ratelimit"
	"github.com/querylab/sibyl/pkg/retrieval"
	"github.com/querylab/sibyl/pkg/schema"
	"github.com/querylab/sibyl/pkg/server"
	"github.com/querylab/sibyl/pkg/store"
	"github.com/querylab/sibyl/pkg/tools"
	"github.com/querylab/sibyl/pkg/vector"
)

// Runtime owns every long-lived component of one sibyl process.
type Runtime struct {
	cfg       *config.Config
	pool      *config.DBPool
	store     *store.Store
	providers *provider.ProviderRegistry
	llm       llms.Provider
	index     vector.Index
	indexer   *retrieval.Indexer
	orch      *orchestrator.Orchestrator
	router    *feedback.Router
	review    *feedback.ReviewService
	server    *server.Server
	metrics   *observability.Metrics
	toolsets  map[string]*tools.Registry

	tracerShutdown func(context.Context) error
	indexerCancel  context.CancelFunc
}

// New wires a runtime from config. cfg must already be validated with
// defaults applied.
func New(cfg *config.Config) (*Runtime, error) {
	r := &Runtime{cfg: cfg}

	pool := config.NewDBPool()
	r.pool = pool

	db, err := pool.Get(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("primary database: %w", err)
	}
	r.store, err = store.New(db, cfg.Database.Dialect())
	if err != nil {
		return nil, fmt.Errorf("primary store: %w", err)
	}

	r.providers = provider.NewProviderRegistry(pool)
	r.toolsets = make(map[string]*tools.Registry, len(cfg.DataSources))
	for id, ds := range cfg.DataSources {
		p, err := r.providers.CreateFromConfig(id, ds)
		if err != nil {
			return nil, fmt.Errorf("data source %q: %w", id, err)
		}
		toolset := tools.NewRegistry()
		if err := tools.RegisterProviderTools(toolset, p); err != nil {
			return nil, fmt.Errorf("data source %q tools: %w", id, err)
		}
		r.toolsets[id] = toolset
	}

	r.llm, err = buildLLM(cfg)
	if err != nil {
		return nil, err
	}

	embedderReg := embedders.NewEmbedderRegistry()
	embedder, err := embedderReg.CreateFromConfig("default", &cfg.Embedder)
	if err != nil {
		return nil, fmt.Errorf("embedder: %w", err)
	}

	r.index, err = vector.NewFromConfig(&cfg.Vector)
	if err != nil {
		return nil, fmt.Errorf("vector index: %w", err)
	}

	if cfg.Observability.MetricsEnabled {
		r.metrics = observability.NewMetrics(prometheus.DefaultRegisterer)
	}

	expert := schema.NewExpert(newSchemaSource(r.providers), r.store, expertConfig(&cfg.Retrieval))
	classifier := retrieval.NewClassifier(r.llm)
	engine := retrieval.NewEngine(r.store, r.index, embedder, classifier, cfg.Retrieval)
	r.indexer = retrieval.NewIndexer(r.store, r.index, embedder)

	r.orch = orchestrator.New(orchestrator.Dependencies{
		Providers: r.providers,
		LLM:       r.llm,
		Expert:    expert,
		Engine:    engine,
		Store:     r.store,
		Metrics:   r.metrics,
	}, cfg.Orchestrator)

	r.router = feedback.NewRouter(r.store, r.indexer, r.providers, r.metrics)
	r.review = feedback.NewReviewService(r.store, r.indexer, r.metrics)
	r.server = server.New(cfg.Server, r.orch, r.router, r.review,
		server.WithToolSource(r))

	return r, nil
}

// ListTools returns the schema helper tools registered for a provider.
func (r *Runtime) ListTools(providerID string) ([]tools.ToolInfo, error) {
	toolset, ok := r.toolsets[providerID]
	if !ok {
		return nil, protocol.NewError(protocol.ErrInvalidRequest, "unknown provider "+providerID)
	}
	return toolset.ListInfos(), nil
}

// ExecuteTool runs one schema helper tool against a provider.
func (r *Runtime) ExecuteTool(ctx context.Context, providerID, name string, args map[string]any) (tools.ToolResult, error) {
	toolset, ok := r.toolsets[providerID]
	if !ok {
		return tools.ToolResult{}, protocol.NewError(protocol.ErrInvalidRequest, "unknown provider "+providerID)
	}
	return toolset.Execute(ctx, name, args)
}

func buildLLM(cfg *config.Config) (llms.Provider, error) {
	reg := llms.NewLLMRegistry()
	for name, c := range cfg.LLMs {
		if _, err := reg.CreateFromConfig(name, c); err != nil {
			return nil, fmt.Errorf("llm %q: %w", name, err)
		}
	}

	name := "default"
	if _, ok := cfg.LLMs[name]; !ok {
		for n := range cfg.LLMs {
			name = n
			break
		}
	}
	llm, err := reg.GetLLM(name)
	if err != nil {
		return nil, fmt.Errorf("no llm configured: %w", err)
	}

	if cfg.RateLimit.Enabled {
		limiter, err := ratelimit.NewWindowLimiter(
			int64(cfg.RateLimit.RequestsPerMinute),
			int64(cfg.RateLimit.TokensPerMinute))
		if err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
		llm = llms.NewRateLimited(llm, limiter)
	}
	return llm, nil
}

// Start boots tracing, the background indexer, and the HTTP server. It
// blocks until the server stops.
func (r *Runtime) Start(ctx context.Context) error {
	_, shutdown, err := observability.InitGlobalTracer(ctx, &r.cfg.Observability)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	r.tracerShutdown = shutdown

	indexerCtx, cancel := context.WithCancel(ctx)
	r.indexerCancel = cancel
	go r.indexer.Run(indexerCtx)

	return r.server.Start()
}

// Shutdown stops the server, the indexer, and every held connection.
func (r *Runtime) Shutdown(ctx context.Context) error {
	var firstErr error
	if err := r.server.Shutdown(ctx); err != nil {
		firstErr = err
	}
	if r.indexerCancel != nil {
		r.indexerCancel()
	}
	if r.tracerShutdown != nil {
		if err := r.tracerShutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := r.providers.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := r.llm.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := r.pool.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		slog.Warn("shutdown finished with errors", "error", firstErr)
	}
	return firstErr
}

// Store exposes the primary store for CLI maintenance commands.
func (r *Runtime) Store() *store.Store { return r.store }

// Providers exposes the provider registry for CLI commands.
func (r *Runtime) Providers() *provider.ProviderRegistry { return r.providers }

// Indexer exposes the background indexer for CLI commands.
func (r *Runtime) Indexer() *retrieval.Indexer { return r.indexer }
