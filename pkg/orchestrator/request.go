package orchestrator

import (
	"fmt"
	"strings"

	"github.com/querylab/sibyl/pkg/protocol"
)

const maxQuestionLength = 5000

// Options tune one request. Zero values fall back to the orchestrator's
// configured defaults.
type Options struct {
	MaxIterations       int        `json:"max_iterations,omitempty"`
	ConfidenceThreshold float64    `json:"confidence_threshold,omitempty"`
	EnableExecution     bool       `json:"enable_execution,omitempty"`
	TraceLevel          TraceLevel `json:"trace_level,omitempty"`
	TimeoutSeconds      int        `json:"timeout_seconds,omitempty"`
}

// Request is one natural-language question against one provider.
type Request struct {
	ProviderID     string  `json:"provider_id"`
	Query          string  `json:"query"`
	ConversationID string  `json:"conversation_id,omitempty"`
	UserID         string  `json:"user_id,omitempty"`
	Options        Options `json:"options,omitempty"`
}

// Validate rejects malformed requests before any work starts.
func (r *Request) Validate() error {
	if strings.TrimSpace(r.ProviderID) == "" {
		return protocol.NewError(protocol.ErrInvalidRequest, "provider_id is required")
	}
	q := strings.TrimSpace(r.Query)
	if q == "" {
		return protocol.NewError(protocol.ErrInvalidRequest, "query is required")
	}
	if len(q) > maxQuestionLength {
		return protocol.NewError(protocol.ErrInvalidRequest,
			fmt.Sprintf("query exceeds %d characters", maxQuestionLength))
	}
	if r.Options.MaxIterations < 0 {
		return protocol.NewError(protocol.ErrInvalidRequest, "max_iterations must be positive")
	}
	if r.Options.ConfidenceThreshold < 0 || r.Options.ConfidenceThreshold > 1 {
		return protocol.NewError(protocol.ErrInvalidRequest, "confidence_threshold must be in [0, 1]")
	}
	switch r.Options.TraceLevel {
	case "", TraceNone, TraceSummary, TraceFull:
	default:
		return protocol.NewError(protocol.ErrInvalidRequest,
			fmt.Sprintf("unknown trace_level %q", r.Options.TraceLevel))
	}
	return nil
}
