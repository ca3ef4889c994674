package feedback

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/querylab/sibyl/pkg/model"
	"github.com/querylab/sibyl/pkg/observability"
	"github.com/querylab/sibyl/pkg/protocol"
	"github.com/querylab/sibyl/pkg/querybuilder"
	"github.com/querylab/sibyl/pkg/store"
)

// Router applies the decision rules that move a rated turn into the review
// queue or directly into the approved corpus.
type Router struct {
	store     Store
	index     IndexNotifier
	providers ProviderSource
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// NewRouter creates a feedback router. index and metrics may be nil.
func NewRouter(s Store, index IndexNotifier, providers ProviderSource, metrics *observability.Metrics) *Router {
	return &Router{
		store:     s,
		index:     index,
		providers: providers,
		metrics:   metrics,
		logger:    slog.Default().With("component", "feedback"),
	}
}

// Submit records feedback for a turn and routes the turn into the example
// store. Re-submitting feedback for the same turn is idempotent: the stored
// feedback wins and the example ends up in the same state.
func (r *Router) Submit(ctx context.Context, fb *model.Feedback) (*model.Example, error) {
	turn, err := r.store.GetTurn(ctx, fb.TurnID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, protocol.NewError(protocol.ErrInvalidRequest, "unknown turn "+fb.TurnID)
		}
		return nil, err
	}

	if fb.ID == "" {
		fb.ID = uuid.NewString()
	}
	if err := r.store.CreateFeedback(ctx, fb); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			return nil, err
		}
		// Feedback is immutable per turn. Replay the stored verdict so a
		// duplicate submission converges on the same example state.
		stored, getErr := r.store.GetFeedbackForTurn(ctx, fb.TurnID)
		if getErr != nil {
			return nil, getErr
		}
		fb = stored
	}

	ex, decision, err := r.route(ctx, turn, fb)
	if err != nil {
		return nil, err
	}
	if r.metrics != nil {
		r.metrics.FeedbackTotal.WithLabelValues(string(fb.Rating), decision).Inc()
	}
	r.logger.Info("feedback routed",
		"turn", fb.TurnID, "rating", fb.Rating, "decision", decision, "example", ex.ID)
	return ex, nil
}

// route applies the decision table and upserts the example row.
func (r *Router) route(ctx context.Context, turn *model.Turn, fb *model.Feedback) (*model.Example, string, error) {
	var (
		status   model.ExampleStatus
		isGood   bool
		decision string
	)
	switch {
	case fb.Rating == model.RatingUp && turn.ConfidenceScore >= autoApproveThreshold:
		status, isGood, decision = model.ExampleApproved, true, "auto_approved"
	case fb.Rating == model.RatingUp:
		status, isGood, decision = model.ExamplePendingReview, true, "queued_low"
	default:
		status, isGood, decision = model.ExamplePendingReview, false, "queued_high"
	}

	conv, err := r.store.GetConversation(ctx, turn.ConversationID)
	if err != nil {
		return nil, "", err
	}

	ex, err := r.store.FindExampleByQuestion(ctx, conv.ProviderID, turn.UserInput, turn.ConversationID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, "", err
	}

	if ex != nil {
		// Terminal review decisions outrank routing; only pending rows
		// move.
		if ex.Status == model.ExamplePendingReview || ex.Status == status {
			ex.Status = status
			ex.IsGoodExample = isGood
			ex.Priority = priority(turn.ValidationResult.Failed(), ex.CorrectedQuery != "", turn.ConfidenceScore)
			if status == model.ExampleApproved {
				ex.EmbeddingIndexed = false
				if ex.ReviewedAt == nil {
					now := time.Now().UTC()
					ex.ReviewedAt = &now
					ex.Reviewer = "auto"
				}
			}
			if err := r.store.UpdateExample(ctx, ex); err != nil {
				return nil, "", err
			}
		}
	} else {
		ex = r.mintExample(conv, turn, status, isGood)
		if err := r.store.CreateExample(ctx, ex); err != nil {
			return nil, "", err
		}
	}

	if status == model.ExampleApproved && r.index != nil {
		r.index.Enqueue()
	}
	return ex, decision, nil
}

func (r *Router) mintExample(conv *model.Conversation, turn *model.Turn, status model.ExampleStatus, isGood bool) *model.Example {
	now := time.Now().UTC()
	ex := &model.Example{
		ID:                   uuid.NewString(),
		ProviderID:           conv.ProviderID,
		Question:             turn.UserInput,
		Query:                turn.GeneratedQuery,
		QueryLanguage:        r.queryLanguage(conv.ProviderID),
		IsGoodExample:        isGood,
		Status:               status,
		InvolvedTables:       querybuilder.TableReferences(turn.GeneratedQuery),
		Intent:               classifyIntent(turn.GeneratedQuery),
		Complexity:           classifyComplexity(turn.GeneratedQuery),
		Priority:             priority(turn.ValidationResult.Failed(), false, turn.ConfidenceScore),
		SourceConversationID: turn.ConversationID,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if status == model.ExampleApproved {
		ex.ReviewedAt = &now
		ex.Reviewer = "auto"
	}
	return ex
}

func (r *Router) queryLanguage(providerID string) protocol.QueryLanguage {
	if r.providers == nil {
		return protocol.QueryLanguageSQL
	}
	p, err := r.providers.GetProvider(providerID)
	if err != nil {
		return protocol.QueryLanguageSQL
	}
	return p.Describe().QueryLanguage
}
