// Package feedback turns user verdicts on turns into example-store updates:
// the router decides whether a turn joins the approved corpus directly or
// waits in the review queue, and the review service runs the approve/reject
// state machine that feeds approved rows back to the retrieval index.
package feedback

import (
	"context"

	"github.com/querylab/sibyl/pkg/model"
	"github.com/querylab/sibyl/pkg/provider"
)

// Store is the persistence surface the router and review service use.
type Store interface {
	GetTurn(ctx context.Context, id string) (*model.Turn, error)
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	CreateFeedback(ctx context.Context, fb *model.Feedback) error
	GetFeedbackForTurn(ctx context.Context, turnID string) (*model.Feedback, error)
	FindExampleByQuestion(ctx context.Context, providerID, question, conversationID string) (*model.Example, error)
	CreateExample(ctx context.Context, ex *model.Example) error
	GetExample(ctx context.Context, id string) (*model.Example, error)
	UpdateExample(ctx context.Context, ex *model.Example) error
	ReviewQueue(ctx context.Context, limit int) ([]*model.Example, error)
}

// IndexNotifier wakes the background indexer after approvals.
type IndexNotifier interface {
	Enqueue()
}

// ProviderSource resolves provider ids; the router needs the query
// language when minting new examples.
type ProviderSource interface {
	GetProvider(id string) (provider.Provider, error)
}

// autoApproveThreshold is the confidence at or above which an upvoted turn
// skips human review.
const autoApproveThreshold = 0.9

// priority computes the review-queue ordering score for a pending example.
// Failed validation dominates, then user-submitted corrections, then a
// low-confidence bonus.
func priority(validationFailed, hasCorrection bool, confidence float64) int {
	p := 0
	if validationFailed {
		p += 100
	}
	if hasCorrection {
		p += 50
	}
	if confidence < 0.7 {
		p += int((0.7-confidence)*100 + 0.5)
	}
	return p
}
