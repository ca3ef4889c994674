// Package model defines the persistent entities: conversations, turns,
// examples, feedback. Cross-entity references are id-only; full graphs are
// materialized at query time by the store.
package model

import (
	"time"

	"github.com/querylab/sibyl/pkg/protocol"
)

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	ConversationActive    ConversationStatus = "active"
	ConversationCompleted ConversationStatus = "completed"
	ConversationAbandoned ConversationStatus = "abandoned"
)

// Conversation is an ordered sequence of turns sharing a user, provider,
// and persistent identity.
type Conversation struct {
	ID          string             `json:"id"`
	UserID      string             `json:"user_id"`
	WorkspaceID string             `json:"workspace_id,omitempty"`
	ProviderID  string             `json:"provider_id"`
	Status      ConversationStatus `json:"status"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// ValidationStatus is the validator's verdict on a candidate query.
type ValidationStatus string

const (
	ValidationPassed  ValidationStatus = "passed"
	ValidationFailed  ValidationStatus = "failed"
	ValidationWarning ValidationStatus = "warning"
)

// ValidationResult is the validator's structured report.
type ValidationResult struct {
	Status      ValidationStatus `json:"status"`
	Errors      []string         `json:"errors,omitempty"`
	Warnings    []string         `json:"warnings,omitempty"`
	Suggestions []string         `json:"suggestions,omitempty"`
}

// Failed reports whether the gate is failed. Warnings never fail the gate.
func (r *ValidationResult) Failed() bool {
	return r == nil || r.Status == ValidationFailed
}

// ExecutionResult is the outcome of bounded query execution.
type ExecutionResult struct {
	Success         bool             `json:"success"`
	RowCount        int64            `json:"row_count"`
	Columns         []string         `json:"columns,omitempty"`
	SampleRows      []map[string]any `json:"sample_rows,omitempty"`
	AffectedRows    int64            `json:"affected_rows,omitempty"`
	ExecutionTimeMs int64            `json:"execution_time_ms"`
	Error           string           `json:"error,omitempty"`
}

// Turn is one (user_input, generated_query, evaluation) record within a
// conversation. Immutable after creation.
type Turn struct {
	ID                    string            `json:"id"`
	ConversationID        string            `json:"conversation_id"`
	TurnNumber            int               `json:"turn_number"`
	UserInput             string            `json:"user_input"`
	GeneratedQuery        string            `json:"generated_query"`
	ConfidenceScore       float64           `json:"confidence_score"`
	IterationCount        int               `json:"iteration_count"`
	ValidationResult      *ValidationResult `json:"validation_result,omitempty"`
	ExecutionResult       *ExecutionResult  `json:"execution_result,omitempty"`
	ReasoningTrace        []string          `json:"reasoning_trace,omitempty"`
	SchemaContextSnapshot string            `json:"schema_context_snapshot,omitempty"`
	ExamplesUsed          []string          `json:"examples_used,omitempty"`
	CreatedAt             time.Time         `json:"created_at"`
}

// ExampleStatus is the review lifecycle state of an example.
type ExampleStatus string

const (
	ExamplePendingReview ExampleStatus = "pending_review"
	ExampleApproved      ExampleStatus = "approved"
	ExampleRejected      ExampleStatus = "rejected"
)

// Intent is a coarse classification of what a query is trying to do.
type Intent string

const (
	IntentAggregation Intent = "aggregation"
	IntentFilter      Intent = "filter"
	IntentJoin        Intent = "join"
	IntentSort        Intent = "sort"
	IntentGroupBy     Intent = "group_by"
	IntentSubquery    Intent = "subquery"
	IntentWindowFn    Intent = "window_fn"
	IntentCTE         Intent = "cte"
	IntentUnion       Intent = "union"
	IntentInsert      Intent = "insert"
	IntentUpdate      Intent = "update"
	IntentDelete      Intent = "delete"
	IntentCreate      Intent = "create"
	IntentOther       Intent = "other"
)

// ParseIntent normalizes a classifier label; unknown labels become Other.
func ParseIntent(s string) Intent {
	switch Intent(s) {
	case IntentAggregation, IntentFilter, IntentJoin, IntentSort,
		IntentGroupBy, IntentSubquery, IntentWindowFn, IntentCTE,
		IntentUnion, IntentInsert, IntentUpdate, IntentDelete, IntentCreate:
		return Intent(s)
	}
	return IntentOther
}

// Complexity buckets an example's query complexity.
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
)

// Example is a stored (question, query) pair used to ground generations.
type Example struct {
	ID                   string                 `json:"id"`
	ProviderID           string                 `json:"provider_id"`
	Question             string                 `json:"question"`
	Query                string                 `json:"query"`
	QueryLanguage        protocol.QueryLanguage `json:"query_language"`
	IsGoodExample        bool                   `json:"is_good_example"`
	Status               ExampleStatus          `json:"status"`
	InvolvedTables       []string               `json:"involved_tables,omitempty"`
	Intent               Intent                 `json:"intent"`
	Complexity           Complexity             `json:"complexity"`
	Priority             int                    `json:"priority"`
	Reviewer             string                 `json:"reviewer,omitempty"`
	ReviewedAt           *time.Time             `json:"reviewed_at,omitempty"`
	CorrectedQuery       string                 `json:"corrected_query,omitempty"`
	ReviewNotes          string                 `json:"review_notes,omitempty"`
	SourceConversationID string                 `json:"source_conversation_id,omitempty"`
	EmbeddingIndexed     bool                   `json:"embedding_indexed"`
	CreatedAt            time.Time              `json:"created_at"`
	UpdatedAt            time.Time              `json:"updated_at"`
}

// Rating is the user's thumbs signal on a turn.
type Rating string

const (
	RatingUp   Rating = "up"
	RatingDown Rating = "down"
)

// FeedbackCategory refines a rating.
type FeedbackCategory string

const (
	CategoryIncorrectResult     FeedbackCategory = "incorrect_result"
	CategorySyntaxError         FeedbackCategory = "syntax_error"
	CategoryMissingContext      FeedbackCategory = "missing_context"
	CategoryPerformanceIssue    FeedbackCategory = "performance_issue"
	CategoryClarificationNeeded FeedbackCategory = "clarification_needed"
	CategoryGreatResult         FeedbackCategory = "great_result"
	CategoryOther               FeedbackCategory = "other"
)

// Feedback is the user's verdict on one turn. At most one per turn.
type Feedback struct {
	ID        string           `json:"id"`
	TurnID    string           `json:"turn_id"`
	Rating    Rating           `json:"rating"`
	Category  FeedbackCategory `json:"category"`
	Text      string           `json:"text,omitempty"`
	UserID    string           `json:"user_id"`
	CreatedAt time.Time        `json:"created_at"`
}
