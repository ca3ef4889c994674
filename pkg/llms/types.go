// Package llms abstracts chat-completion LLM vendors behind a single
// invoker contract. Implementations retry transient failures with backoff
// and surface rate limiting as a distinct error kind.
package llms

import (
	"context"

	"github.com/querylab/sibyl/pkg/protocol"
)

// InvokeOptions tune a single invocation.
type InvokeOptions struct {
	// Temperature overrides the provider default when non-nil.
	Temperature *float64

	// MaxTokens overrides the provider default when positive.
	MaxTokens int
}

// Temp is a convenience for building a temperature override.
func Temp(t float64) *float64 { return &t }

// Completion is the result of one LLM invocation.
type Completion struct {
	Content   string  `json:"content"`
	TokensIn  int     `json:"tokens_in"`
	TokensOut int     `json:"tokens_out"`
	CostUSD   float64 `json:"cost_usd"`
}

// Provider is the invoker contract the orchestration pipeline consumes.
type Provider interface {
	// Invoke sends chat messages and returns the completion. Idempotent
	// transient failures are retried inside the implementation with
	// exponential backoff; rate-limit exhaustion surfaces as a typed
	// ErrRateLimited so callers can record it without crashing.
	Invoke(ctx context.Context, messages []protocol.Message, opts InvokeOptions) (*Completion, error)

	// ModelName identifies the configured model.
	ModelName() string

	Close() error
}

// modelCost is USD per million tokens {input, output}.
type modelCost struct {
	in  float64
	out float64
}

var modelCosts = map[string]modelCost{
	"gpt-4o":                    {in: 2.50, out: 10.00},
	"gpt-4o-mini":               {in: 0.15, out: 0.60},
	"claude-sonnet-4-20250514":  {in: 3.00, out: 15.00},
	"claude-3-5-haiku-20241022": {in: 0.80, out: 4.00},
}

// costUSD estimates invocation cost; unknown models cost zero rather than
// guessing.
func costUSD(model string, tokensIn, tokensOut int) float64 {
	c, ok := modelCosts[model]
	if !ok {
		return 0
	}
	return float64(tokensIn)*c.in/1e6 + float64(tokensOut)*c.out/1e6
}

// estimateTokens is a cheap byte-length heuristic used only for rate-limit
// admission; actual usage is recorded from vendor responses.
func estimateTokens(messages []protocol.Message) int64 {
	var chars int64
	for _, m := range messages {
		chars += int64(len(m.Content))
	}
	est := chars / 4
	if est < 1 {
		est = 1
	}
	return est
}
