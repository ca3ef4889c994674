package orchestrator

import (
	"time"

	"github.com/querylab/sibyl/pkg/model"
	"github.com/querylab/sibyl/pkg/protocol"
)

// EventKind discriminates stream events.
type EventKind string

const (
	EventProgress      EventKind = "progress"
	EventClarification EventKind = "clarification"
	EventResult        EventKind = "result"
	EventError         EventKind = "error"
)

// Stage marks where in the loop a progress event was emitted.
type Stage string

const (
	StageStarted            Stage = "started"
	StageSchemaRetrieval    Stage = "schema_retrieval"
	StageRagSearch          Stage = "rag_search"
	StageContextGathered    Stage = "context_gathered"
	StageQueryGeneration    Stage = "query_generation"
	StageQueryGenerated     Stage = "query_generated"
	StageValidation         Stage = "validation"
	StageValidationComplete Stage = "validation_complete"
	StageExecutionComplete  Stage = "execution_complete"
	StageCompleted          Stage = "completed"
)

// TraceLevel controls how much reasoning detail events carry.
type TraceLevel string

const (
	TraceNone    TraceLevel = "none"
	TraceSummary TraceLevel = "summary"
	TraceFull    TraceLevel = "full"
)

// Event is one entry in a request's ordered stream. Result or Error is
// always last.
type Event struct {
	Kind      EventKind `json:"kind"`
	Timestamp time.Time `json:"timestamp"`

	// Progress fields.
	Stage     Stage   `json:"stage,omitempty"`
	Progress  float64 `json:"progress,omitempty"`
	Iteration int     `json:"iteration,omitempty"`
	Trace     string  `json:"trace,omitempty"`

	// Clarification fields.
	Question string `json:"question,omitempty"`

	// Terminal payloads.
	Response *Response       `json:"response,omitempty"`
	Err      *protocol.Error `json:"error,omitempty"`
}

// Response is the one-shot result shape.
type Response struct {
	ConversationID        string                  `json:"conversation_id"`
	TurnID                string                  `json:"turn_id"`
	GeneratedQuery        string                  `json:"generated_query"`
	ConfidenceScore       float64                 `json:"confidence_score"`
	ValidationStatus      model.ValidationStatus  `json:"validation_status"`
	ValidationResult      *model.ValidationResult `json:"validation_result,omitempty"`
	ExecutionResult       *model.ExecutionResult  `json:"execution_result,omitempty"`
	ReasoningTrace        []string                `json:"reasoning_trace,omitempty"`
	NeedsClarification    bool                    `json:"needs_clarification"`
	ClarificationQuestion string                  `json:"clarification_question,omitempty"`
	Iterations            int                     `json:"iterations"`
}

// emitter writes the ordered event stream for one request. Progress is
// clamped monotone so a consumer never observes it moving backwards.
type emitter struct {
	ch       chan<- Event
	progress float64
}

func (e *emitter) send(ev Event) {
	ev.Timestamp = time.Now()
	if ev.Kind == EventProgress {
		if ev.Progress < e.progress {
			ev.Progress = e.progress
		}
		e.progress = ev.Progress
	}
	e.ch <- ev
}

func (e *emitter) stage(stage Stage, progress float64, iteration int, trace string) {
	e.send(Event{
		Kind:      EventProgress,
		Stage:     stage,
		Progress:  progress,
		Iteration: iteration,
		Trace:     trace,
	})
}
