// Package ratelimit enforces process-wide LLM throughput caps. Limits are
// windowed counters over request count and token count; excess callers wait
// for the window to roll over, bounded by their context deadline.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// LimitType distinguishes what a limit counts.
type LimitType string

const (
	// LimitRequests caps call count per window.
	LimitRequests LimitType = "requests"

	// LimitTokens caps token throughput per window.
	LimitTokens LimitType = "tokens"
)

// Usage describes one limit's state at check time.
type Usage struct {
	LimitType LimitType `json:"limit_type"`
	Current   int64     `json:"current"`
	Limit     int64     `json:"limit"`
	WindowEnd time.Time `json:"window_end"`
}

// CheckResult reports whether an operation may proceed.
type CheckResult struct {
	Allowed    bool      `json:"allowed"`
	Reason     string    `json:"reason,omitempty"`
	RetryAfter time.Time `json:"retry_after,omitempty"`
	Usages     []Usage   `json:"usages,omitempty"`
}

// Limiter is the contract the LLM invoker consumes.
type Limiter interface {
	// Acquire blocks until the caller may issue a request costing
	// estTokens, or the context ends. It records the request on success.
	Acquire(ctx context.Context, estTokens int64) error

	// Record adds actual token usage after a call completes, correcting
	// the estimate made at Acquire time.
	Record(tokens int64)
}

type window struct {
	count int64
	start time.Time
}

// WindowLimiter is a fixed-window limiter over one minute. Zero limits
// disable the corresponding cap.
type WindowLimiter struct {
	mu           sync.Mutex
	requestLimit int64
	tokenLimit   int64
	period       time.Duration
	requests     window
	tokens       window
}

// NewWindowLimiter creates a limiter with per-minute caps.
func NewWindowLimiter(requestsPerMinute, tokensPerMinute int64) (*WindowLimiter, error) {
	if requestsPerMinute < 0 || tokensPerMinute < 0 {
		return nil, fmt.Errorf("limits must be non-negative")
	}
	return &WindowLimiter{
		requestLimit: requestsPerMinute,
		tokenLimit:   tokensPerMinute,
		period:       time.Minute,
	}, nil
}

// Check reports current state without recording usage.
func (l *WindowLimiter) Check() *CheckResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.checkLocked(0, time.Now())
}

func (l *WindowLimiter) checkLocked(estTokens int64, now time.Time) *CheckResult {
	result := &CheckResult{Allowed: true}

	l.rollover(&l.requests, now)
	l.rollover(&l.tokens, now)

	if l.requestLimit > 0 {
		result.Usages = append(result.Usages, Usage{
			LimitType: LimitRequests,
			Current:   l.requests.count,
			Limit:     l.requestLimit,
			WindowEnd: l.requests.start.Add(l.period),
		})
		if l.requests.count+1 > l.requestLimit {
			result.Allowed = false
			result.Reason = "request limit exceeded"
			result.RetryAfter = l.requests.start.Add(l.period)
		}
	}

	if l.tokenLimit > 0 {
		result.Usages = append(result.Usages, Usage{
			LimitType: LimitTokens,
			Current:   l.tokens.count,
			Limit:     l.tokenLimit,
			WindowEnd: l.tokens.start.Add(l.period),
		})
		if l.tokens.count+estTokens > l.tokenLimit {
			result.Allowed = false
			result.Reason = "token limit exceeded"
			retry := l.tokens.start.Add(l.period)
			if result.RetryAfter.IsZero() || retry.After(result.RetryAfter) {
				result.RetryAfter = retry
			}
		}
	}

	return result
}

func (l *WindowLimiter) rollover(w *window, now time.Time) {
	if w.start.IsZero() || now.Sub(w.start) >= l.period {
		w.start = now
		w.count = 0
	}
}

// Acquire implements Limiter.
func (l *WindowLimiter) Acquire(ctx context.Context, estTokens int64) error {
	for {
		l.mu.Lock()
		now := time.Now()
		result := l.checkLocked(estTokens, now)
		if result.Allowed {
			l.requests.count++
			l.tokens.count += estTokens
			l.mu.Unlock()
			return nil
		}
		retryAfter := result.RetryAfter
		l.mu.Unlock()

		wait := time.Until(retryAfter)
		if wait < 0 {
			wait = 0
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Record implements Limiter.
func (l *WindowLimiter) Record(tokens int64) {
	if tokens <= 0 {
		return
	}
	l.mu.Lock()
	l.rollover(&l.tokens, time.Now())
	l.tokens.count += tokens
	l.mu.Unlock()
}

// NopLimiter never blocks. Used when rate limiting is disabled.
type NopLimiter struct{}

func (NopLimiter) Acquire(ctx context.Context, estTokens int64) error { return nil }
func (NopLimiter) Record(tokens int64)                                {}
