// Package server exposes the orchestrator, feedback router, and review
// service over HTTP: JSON for one-shot queries, SSE for streaming, plus
// health and Prometheus metrics endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/querylab/sibyl/pkg/config"
	"github.com/querylab/sibyl/pkg/feedback"
	"github.com/querylab/sibyl/pkg/model"
	"github.com/querylab/sibyl/pkg/orchestrator"
	"github.com/querylab/sibyl/pkg/protocol"
	"github.com/querylab/sibyl/pkg/tools"
)

// QueryRunner is the orchestrator surface the server consumes.
type QueryRunner interface {
	Execute(ctx context.Context, req *orchestrator.Request) (<-chan orchestrator.Event, error)
}

// FeedbackSink records user feedback on turns.
type FeedbackSink interface {
	Submit(ctx context.Context, fb *model.Feedback) (*model.Example, error)
}

// Reviewer runs the review-queue state machine.
type Reviewer interface {
	Queue(ctx context.Context, limit int) ([]*model.Example, error)
	Review(ctx context.Context, req *feedback.ReviewRequest) (*feedback.ReviewOutcome, error)
}

// ToolSource exposes per-provider schema helper tools.
type ToolSource interface {
	ListTools(providerID string) ([]tools.ToolInfo, error)
	ExecuteTool(ctx context.Context, providerID, name string, args map[string]any) (tools.ToolResult, error)
}

// Server is the sibyl HTTP server.
type Server struct {
	cfg      config.ServerConfig
	runner   QueryRunner
	feedback FeedbackSink
	reviewer Reviewer
	tools    ToolSource
	metrics  http.Handler
	logger   *slog.Logger
	server   *http.Server
}

// Option configures the server.
type Option func(*Server)

// WithMetricsHandler sets the /metrics handler. Defaults to the global
// Prometheus registry.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithToolSource enables the per-provider tool endpoints.
func WithToolSource(src ToolSource) Option {
	return func(s *Server) { s.tools = src }
}

// New creates the server. cfg must have defaults applied.
func New(cfg config.ServerConfig, runner QueryRunner, sink FeedbackSink, reviewer Reviewer, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		runner:   runner,
		feedback: sink,
		reviewer: reviewer,
		metrics:  promhttp.Handler(),
		logger:   slog.Default().With("component", "server"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:     s.Router(),
		ReadTimeout: time.Duration(cfg.ReadTimeoutSeconds) * time.Second,
	}
	return s
}

// Router builds the route tree. Exposed for tests.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.logging)
	r.Use(recovery)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/query", s.handleQuery)
		r.Post("/query/stream", s.handleQueryStream)
		r.Post("/feedback", s.handleFeedback)
		r.Get("/review/queue", s.handleReviewQueue)
		r.Post("/review/{id}", s.handleReview)

		if s.tools != nil {
			r.Get("/providers/{provider}/tools", s.handleListTools)
			r.Post("/providers/{provider}/tools/{tool}", s.handleExecuteTool)
		}
	})
	return r
}

// Start listens until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	timeout := time.Duration(s.cfg.ShutdownTimeoutSeconds) * time.Second
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeJSON serializes a response body. Encoding failures are logged, not
// surfaced; headers are already gone by then.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("response encoding failed", "error", err)
	}
}

// errorBody is the JSON error envelope.
type errorBody struct {
	Error struct {
		Kind    protocol.ErrorKind `json:"kind"`
		Message string             `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	kind := protocol.KindOf(err)
	var body errorBody
	body.Error.Kind = kind
	body.Error.Message = err.Error()
	writeJSON(w, statusFor(kind), body)
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(kind protocol.ErrorKind) int {
	switch kind {
	case protocol.ErrInvalidRequest:
		return http.StatusBadRequest
	case protocol.ErrProviderUnavailable:
		return http.StatusBadGateway
	case protocol.ErrLLMFailure, protocol.ErrRateLimited:
		return http.StatusServiceUnavailable
	case protocol.ErrTimeout:
		return http.StatusGatewayTimeout
	case protocol.ErrCancelled:
		// Client closed request; 499 is the de facto convention.
		return 499
	default:
		return http.StatusInternalServerError
	}
}
