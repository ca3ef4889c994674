package feedback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/querylab/sibyl/pkg/model"
	"github.com/querylab/sibyl/pkg/observability"
	"github.com/querylab/sibyl/pkg/protocol"
	"github.com/querylab/sibyl/pkg/store"
)

// Decision is a reviewer's verdict on a queued example.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// ReviewRequest carries one reviewer action.
type ReviewRequest struct {
	ItemID         string   `json:"item_id"`
	Decision       Decision `json:"decision"`
	CorrectedQuery string   `json:"corrected_query,omitempty"`
	Notes          string   `json:"notes,omitempty"`
	ReviewerID     string   `json:"reviewer_id"`
}

// ReviewOutcome reports what a review changed.
type ReviewOutcome struct {
	Example *model.Example `json:"example"`
	// Derived is the corrected-query example emitted alongside an
	// approval with a correction, nil otherwise.
	Derived *model.Example `json:"derived,omitempty"`
}

// ReviewService runs the PendingReview → Approved | Rejected state machine.
type ReviewService struct {
	store   Store
	index   IndexNotifier
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewReviewService creates a review service. index and metrics may be nil.
func NewReviewService(s Store, index IndexNotifier, metrics *observability.Metrics) *ReviewService {
	return &ReviewService{
		store:   s,
		index:   index,
		metrics: metrics,
		logger:  slog.Default().With("component", "review"),
	}
}

// Queue lists pending examples by descending priority.
func (s *ReviewService) Queue(ctx context.Context, limit int) ([]*model.Example, error) {
	if limit <= 0 {
		limit = 50
	}
	items, err := s.store.ReviewQueue(ctx, limit)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.ReviewQueueDepth.Set(float64(len(items)))
	}
	return items, nil
}

// Review applies one verdict. Terminal states are immutable: repeating the
// same decision is a no-op, contradicting a prior decision is an error.
func (s *ReviewService) Review(ctx context.Context, req *ReviewRequest) (*ReviewOutcome, error) {
	if req.Decision != DecisionApprove && req.Decision != DecisionReject {
		return nil, protocol.NewError(protocol.ErrInvalidRequest,
			fmt.Sprintf("unknown decision %q", req.Decision))
	}

	ex, err := s.store.GetExample(ctx, req.ItemID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, protocol.NewError(protocol.ErrInvalidRequest, "unknown review item "+req.ItemID)
		}
		return nil, err
	}

	if ex.Status != model.ExamplePendingReview {
		if decisionMatches(ex.Status, req.Decision) {
			return &ReviewOutcome{Example: ex}, nil
		}
		return nil, protocol.NewError(protocol.ErrInvalidRequest,
			fmt.Sprintf("example %s already %s", ex.ID, ex.Status))
	}

	now := time.Now().UTC()
	ex.Reviewer = req.ReviewerID
	ex.ReviewedAt = &now
	ex.ReviewNotes = req.Notes

	if req.Decision == DecisionReject {
		ex.Status = model.ExampleRejected
		if err := s.store.UpdateExample(ctx, ex); err != nil {
			return nil, err
		}
		s.record(DecisionReject)
		s.logger.Info("example rejected", "example", ex.ID, "reviewer", req.ReviewerID)
		return &ReviewOutcome{Example: ex}, nil
	}

	outcome := &ReviewOutcome{Example: ex}
	ex.Status = model.ExampleApproved
	ex.EmbeddingIndexed = false

	if req.CorrectedQuery != "" {
		// The original stays as a known mistake; the correction becomes
		// the good example. Both are approved and both get indexed.
		ex.IsGoodExample = false
		ex.CorrectedQuery = req.CorrectedQuery
		outcome.Derived = s.deriveCorrected(ex, req, now)
		if err := s.store.CreateExample(ctx, outcome.Derived); err != nil {
			return nil, err
		}
	}

	if err := s.store.UpdateExample(ctx, ex); err != nil {
		return nil, err
	}
	if s.index != nil {
		s.index.Enqueue()
	}
	s.record(DecisionApprove)
	s.logger.Info("example approved",
		"example", ex.ID, "reviewer", req.ReviewerID, "corrected", req.CorrectedQuery != "")
	return outcome, nil
}

func (s *ReviewService) deriveCorrected(original *model.Example, req *ReviewRequest, now time.Time) *model.Example {
	return &model.Example{
		ID:                   uuid.NewString(),
		ProviderID:           original.ProviderID,
		Question:             original.Question,
		Query:                req.CorrectedQuery,
		QueryLanguage:        original.QueryLanguage,
		IsGoodExample:        true,
		Status:               model.ExampleApproved,
		InvolvedTables:       original.InvolvedTables,
		Intent:               classifyIntent(req.CorrectedQuery),
		Complexity:           classifyComplexity(req.CorrectedQuery),
		Reviewer:             req.ReviewerID,
		ReviewedAt:           &now,
		SourceConversationID: original.SourceConversationID,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}

func (s *ReviewService) record(decision Decision) {
	if s.metrics != nil {
		s.metrics.FeedbackTotal.WithLabelValues("review", string(decision)).Inc()
	}
}

func decisionMatches(status model.ExampleStatus, decision Decision) bool {
	return (status == model.ExampleApproved && decision == DecisionApprove) ||
		(status == model.ExampleRejected && decision == DecisionReject)
}
