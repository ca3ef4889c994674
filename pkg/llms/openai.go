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

// OpenAIProvider calls the OpenAI chat completions API.
type OpenAIProvider struct {
	config *config.LLMProviderConfig
	client *httpclient.Client
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature *float64        `json:"temperature,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
}

type openAIResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error,omitempty"`
}

// parseOpenAIRateLimitHeaders reads x-ratelimit-* response headers.
func parseOpenAIRateLimitHeaders(h http.Header) httpclient.RateLimitInfo {
	info := httpclient.RateLimitInfo{
		RetryAfter: httpclient.ParseRetryAfter(h.Get("Retry-After")),
	}
	if v := h.Get("x-ratelimit-remaining-requests"); v != "" {
		info.RequestsRemaining, _ = strconv.Atoi(v)
	}
	if v := h.Get("x-ratelimit-remaining-tokens"); v != "" {
		info.TokensRemaining, _ = strconv.Atoi(v)
	}
	return info
}

// NewOpenAIProviderFromConfig creates an OpenAI provider.
func NewOpenAIProviderFromConfig(cfg *config.LLMProviderConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for OpenAI provider")
	}

	client := httpclient.New(
		httpclient.WithHTTPClient(&http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		}),
		httpclient.WithMaxRetries(cfg.MaxRetries),
		httpclient.WithHeaderParser(parseOpenAIRateLimitHeaders),
	)

	return &OpenAIProvider{config: cfg, client: client}, nil
}

func (p *OpenAIProvider) baseURL() string {
	if p.config.BaseURL != "" {
		return p.config.BaseURL
	}
	return "https://api.openai.com/v1"
}

// Invoke implements Provider.
func (p *OpenAIProvider) Invoke(ctx context.Context, messages []protocol.Message, opts InvokeOptions) (*Completion, error) {
	req := openAIRequest{
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
		req.Messages = append(req.Messages, openAIMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, protocol.WrapError(protocol.ErrInternal, "failed to marshal OpenAI request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL()+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, protocol.WrapError(protocol.ErrInternal, "failed to create OpenAI request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.config.APIKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if httpclient.IsRateLimited(err) {
			return nil, protocol.WrapError(protocol.ErrRateLimited, "OpenAI rate limit exhausted", err)
		}
		return nil, protocol.WrapError(protocol.ErrLLMFailure, "OpenAI request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, protocol.WrapError(protocol.ErrLLMFailure, "failed to read OpenAI response", err)
	}

	var parsed openAIResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, protocol.WrapError(protocol.ErrLLMFailure, "failed to decode OpenAI response", err)
	}
	if parsed.Error != nil {
		return nil, protocol.NewError(protocol.ErrLLMFailure,
			fmt.Sprintf("OpenAI error: %s (%s)", parsed.Error.Message, parsed.Error.Type))
	}
	if len(parsed.Choices) == 0 {
		return nil, protocol.NewError(protocol.ErrLLMFailure, "OpenAI returned no choices")
	}

	return &Completion{
		Content:   parsed.Choices[0].Message.Content,
		TokensIn:  parsed.Usage.PromptTokens,
		TokensOut: parsed.Usage.CompletionTokens,
		CostUSD:   costUSD(p.config.Model, parsed.Usage.PromptTokens, parsed.Usage.CompletionTokens),
	}, nil
}

// ModelName implements Provider.
func (p *OpenAIProvider) ModelName() string { return p.config.Model }

// Close implements Provider.
func (p *OpenAIProvider) Close() error { return nil }
