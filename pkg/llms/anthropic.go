package llms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/querylab/sibyl/pkg/config"
	"github.com/querylab/sibyl/pkg/httpclient"
	"github.com/querylab/sibyl/pkg/protocol"
)

const anthropicVersion = "2023-06-01"

// AnthropicProvider calls the Anthropic messages API.
type AnthropicProvider struct {
	config *config.LLMProviderConfig
	client *httpclient.Client
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Role    string `json:"role"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// parseAnthropicRateLimitHeaders reads anthropic-ratelimit-* headers.
func parseAnthropicRateLimitHeaders(h http.Header) httpclient.RateLimitInfo {
	info := httpclient.RateLimitInfo{
		RetryAfter: httpclient.ParseRetryAfter(h.Get("Retry-After")),
	}
	if v := h.Get("anthropic-ratelimit-requests-remaining"); v != "" {
		info.RequestsRemaining, _ = strconv.Atoi(v)
	}
	if v := h.Get("anthropic-ratelimit-tokens-remaining"); v != "" {
		info.TokensRemaining, _ = strconv.Atoi(v)
	}
	return info
}

// NewAnthropicProviderFromConfig creates an Anthropic provider.
func NewAnthropicProviderFromConfig(cfg *config.LLMProviderConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for Anthropic provider")
	}

	client := httpclient.New(
		httpclient.WithHTTPClient(&http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		}),
		httpclient.WithMaxRetries(cfg.MaxRetries),
		httpclient.WithHeaderParser(parseAnthropicRateLimitHeaders),
	)

	return &AnthropicProvider{config: cfg, client: client}, nil
}

func (p *AnthropicProvider) baseURL() string {
	if p.config.BaseURL != "" {
		return p.config.BaseURL
	}
	return "https://api.anthropic.com/v1"
}

// Invoke implements Provider. System messages are lifted into the request's
// system field; Anthropic rejects them in the messages array.
func (p *AnthropicProvider) Invoke(ctx context.Context, messages []protocol.Message, opts InvokeOptions) (*Completion, error) {
	req := anthropicRequest{
		Model:     p.config.Model,
		MaxTokens: p.config.MaxTokens,
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}
	if opts.Temperature != nil {
		req.Temperature = opts.Temperature
	} else if p.config.Temperature > 0 {
		req.Temperature = &p.config.Temperature
	}

	for _, m := range messages {
		if m.Role == protocol.RoleSystem {
			if req.System != "" {
				req.System += "\n\n"
			}
			req.System += m.Content
			continue
		}
		req.Messages = append(req.Messages, anthropicMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, protocol.WrapError(protocol.ErrInternal, "failed to marshal Anthropic request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL()+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, protocol.WrapError(protocol.ErrInternal, "failed to create Anthropic request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.config.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if httpclient.IsRateLimited(err) {
			return nil, protocol.WrapError(protocol.ErrRateLimited, "Anthropic rate limit exhausted", err)
		}
		return nil, protocol.WrapError(protocol.ErrLLMFailure, "Anthropic request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, protocol.WrapError(protocol.ErrLLMFailure, "failed to read Anthropic response", err)
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, protocol.WrapError(protocol.ErrLLMFailure, "failed to decode Anthropic response", err)
	}
	if parsed.Error != nil {
		return nil, protocol.NewError(protocol.ErrLLMFailure,
			fmt.Sprintf("Anthropic error: %s (%s)", parsed.Error.Message, parsed.Error.Type))
	}

	var text string
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if text == "" {
		return nil, protocol.NewError(protocol.ErrLLMFailure, "Anthropic returned no text content")
	}

	return &Completion{
		Content:   text,
		TokensIn:  parsed.Usage.InputTokens,
		TokensOut: parsed.Usage.OutputTokens,
		CostUSD:   costUSD(p.config.Model, parsed.Usage.InputTokens, parsed.Usage.OutputTokens),
	}, nil
}

// ModelName implements Provider.
func (p *AnthropicProvider) ModelName() string { return p.config.Model }

// Close implements Provider.
func (p *AnthropicProvider) Close() error { return nil }
