package llms

import (
	"context"
	"fmt"

	"github.com/querylab/sibyl/pkg/config"
	"github.com/querylab/sibyl/pkg/protocol"
	"github.com/querylab/sibyl/pkg/ratelimit"
	"github.com/querylab/sibyl/pkg/registry"
)

// LLMRegistry holds named LLM providers.
type LLMRegistry struct {
	*registry.BaseRegistry[Provider]
}

func NewLLMRegistry() *LLMRegistry {
	return &LLMRegistry{
		BaseRegistry: registry.NewBaseRegistry[Provider](),
	}
}

// CreateFromConfig builds, registers, and returns a provider.
func (r *LLMRegistry) CreateFromConfig(name string, cfg *config.LLMProviderConfig) (Provider, error) {
	if name == "" {
		return nil, fmt.Errorf("LLM name cannot be empty")
	}
	if cfg == nil {
		return nil, fmt.Errorf("LLM config cannot be nil")
	}

	var provider Provider
	var err error

	switch cfg.Type {
	case "openai":
		provider, err = NewOpenAIProviderFromConfig(cfg)
	case "anthropic":
		provider, err = NewAnthropicProviderFromConfig(cfg)
	default:
		return nil, fmt.Errorf("unsupported LLM type: %s (supported: openai, anthropic)", cfg.Type)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create LLM provider: %w", err)
	}

	if err := r.Register(name, provider); err != nil {
		return nil, fmt.Errorf("failed to register LLM: %w", err)
	}

	return provider, nil
}

// Get returns a provider by name.
func (r *LLMRegistry) GetLLM(name string) (Provider, error) {
	provider, exists := r.Get(name)
	if !exists {
		return nil, fmt.Errorf("LLM provider '%s' not found", name)
	}
	return provider, nil
}

// RateLimitedProvider wraps a provider with the process-wide limiter.
// Excess requests queue on Acquire and obey the request deadline.
type RateLimitedProvider struct {
	inner   Provider
	limiter ratelimit.Limiter
}

// NewRateLimited wraps the provider. A nil limiter means no limiting.
func NewRateLimited(inner Provider, limiter ratelimit.Limiter) *RateLimitedProvider {
	if limiter == nil {
		limiter = ratelimit.NopLimiter{}
	}
	return &RateLimitedProvider{inner: inner, limiter: limiter}
}

// Invoke implements Provider.
func (p *RateLimitedProvider) Invoke(ctx context.Context, messages []protocol.Message, opts InvokeOptions) (*Completion, error) {
	est := estimateTokens(messages)
	if err := p.limiter.Acquire(ctx, est); err != nil {
		return nil, protocol.WrapError(protocol.ErrTimeout, "rate limit wait exceeded deadline", err)
	}

	completion, err := p.inner.Invoke(ctx, messages, opts)
	if err != nil {
		return nil, err
	}

	// Correct the admission estimate with actual usage.
	actual := int64(completion.TokensIn + completion.TokensOut)
	if actual > est {
		p.limiter.Record(actual - est)
	}
	return completion, nil
}

func (p *RateLimitedProvider) ModelName() string { return p.inner.ModelName() }
func (p *RateLimitedProvider) Close() error      { return p.inner.Close() }
