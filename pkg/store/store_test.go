package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querylab/sibyl/pkg/model"
	"github.com/querylab/sibyl/pkg/protocol"
	"github.com/querylab/sibyl/pkg/schema"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// In-memory sqlite is per-connection; a second pooled connection
	// would see an empty database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s, err := New(db, "sqlite")
	require.NoError(t, err)
	return s
}

func newConversation(t *testing.T, s *Store) *model.Conversation {
	t.Helper()
	conv, err := s.EnsureConversation(context.Background(), &model.Conversation{
		ID:         uuid.NewString(),
		UserID:     "u1",
		ProviderID: "sales",
	})
	require.NoError(t, err)
	return conv
}

func TestEnsureConversationIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.EnsureConversation(ctx, &model.Conversation{
		ID: "c1", UserID: "alice", ProviderID: "sales",
	})
	require.NoError(t, err)
	assert.Equal(t, model.ConversationActive, first.Status)

	// Same id with a different user: the first insert wins.
	second, err := s.EnsureConversation(ctx, &model.Conversation{
		ID: "c1", UserID: "bob", ProviderID: "sales",
	})
	require.NoError(t, err)
	assert.Equal(t, "alice", second.UserID)
}

func TestAppendTurnNumbersAreDense(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := newConversation(t, s)

	for i := 0; i < 3; i++ {
		turn := &model.Turn{
			ID:             uuid.NewString(),
			ConversationID: conv.ID,
			UserInput:      "show revenue",
			GeneratedQuery: "SELECT 1",
		}
		require.NoError(t, s.AppendTurn(ctx, turn))
		assert.Equal(t, i+1, turn.TurnNumber)
	}

	turns, err := s.ListTurns(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	for i, turn := range turns {
		assert.Equal(t, i+1, turn.TurnNumber)
	}
}

func TestTurnRoundTripPreservesStructuredFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := newConversation(t, s)

	turn := &model.Turn{
		ID:              uuid.NewString(),
		ConversationID:  conv.ID,
		UserInput:       "top customers by revenue",
		GeneratedQuery:  "SELECT name FROM customers",
		ConfidenceScore: 0.91,
		IterationCount:  2,
		ValidationResult: &model.ValidationResult{
			Status:   model.ValidationWarning,
			Warnings: []string{"missing index on name"},
		},
		ReasoningTrace: []string{"identified customers table", "added revenue join"},
		ExamplesUsed:   []string{"ex1", "ex2"},
	}
	require.NoError(t, s.AppendTurn(ctx, turn))

	got, err := s.GetTurn(ctx, turn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ValidationWarning, got.ValidationResult.Status)
	assert.Equal(t, turn.ReasoningTrace, got.ReasoningTrace)
	assert.Equal(t, turn.ExamplesUsed, got.ExamplesUsed)
	assert.Nil(t, got.ExecutionResult)
	assert.InDelta(t, 0.91, got.ConfidenceScore, 1e-9)
}

func TestFeedbackIsUniquePerTurn(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := newConversation(t, s)

	turn := &model.Turn{
		ID: uuid.NewString(), ConversationID: conv.ID,
		UserInput: "q", GeneratedQuery: "SELECT 1",
	}
	require.NoError(t, s.AppendTurn(ctx, turn))

	fb := &model.Feedback{
		ID:     uuid.NewString(),
		TurnID: turn.ID,
		Rating: model.RatingUp,
		UserID: "u1",
	}
	require.NoError(t, s.CreateFeedback(ctx, fb))

	dup := &model.Feedback{
		ID:     uuid.NewString(),
		TurnID: turn.ID,
		Rating: model.RatingDown,
		UserID: "u1",
	}
	assert.ErrorIs(t, s.CreateFeedback(ctx, dup), ErrConflict)
}

func TestReviewQueueOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mk := func(priority int, createdAt time.Time) string {
		ex := &model.Example{
			ID:            uuid.NewString(),
			ProviderID:    "sales",
			Question:      "q",
			Query:         "SELECT 1",
			QueryLanguage: protocol.QueryLanguageSQL,
			Status:        model.ExamplePendingReview,
			Intent:        model.IntentFilter,
			Complexity:    model.ComplexitySimple,
			Priority:      priority,
			CreatedAt:     createdAt,
		}
		require.NoError(t, s.CreateExample(ctx, ex))
		return ex.ID
	}

	base := time.Now().UTC().Add(-time.Hour)
	low := mk(10, base)
	highOld := mk(100, base.Add(time.Minute))
	highNew := mk(100, base.Add(2*time.Minute))
	approved := &model.Example{
		ID: uuid.NewString(), ProviderID: "sales", Question: "q", Query: "SELECT 1",
		QueryLanguage: protocol.QueryLanguageSQL, Status: model.ExampleApproved,
		Intent: model.IntentFilter, Complexity: model.ComplexitySimple,
	}
	require.NoError(t, s.CreateExample(ctx, approved))

	queue, err := s.ReviewQueue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, queue, 3)
	assert.Equal(t, highOld, queue[0].ID)
	assert.Equal(t, highNew, queue[1].ID)
	assert.Equal(t, low, queue[2].ID)
}

func TestUnindexedApprovedLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ex := &model.Example{
		ID: uuid.NewString(), ProviderID: "sales",
		Question: "total orders", Query: "SELECT COUNT(*) FROM orders",
		QueryLanguage: protocol.QueryLanguageSQL, IsGoodExample: true,
		Status: model.ExampleApproved, Intent: model.IntentAggregation,
		Complexity: model.ComplexitySimple,
	}
	require.NoError(t, s.CreateExample(ctx, ex))

	pending, err := s.ListUnindexedApproved(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, s.MarkIndexed(ctx, ex.ID))

	pending, err = s.ListUnindexedApproved(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestAnnotationUpsertReplaces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ann := &schema.Annotation{
		ProviderID:  "sales",
		TargetKind:  schema.TargetTable,
		TargetName:  "orders",
		Description: "customer orders",
	}
	require.NoError(t, s.UpsertAnnotation(ctx, ann))

	ann.Description = "all customer orders"
	require.NoError(t, s.UpsertAnnotation(ctx, ann))

	list, err := s.ListAnnotations(ctx, "sales")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "all customer orders", list[0].Description)
}
