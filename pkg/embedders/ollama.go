package embedders

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/querylab/sibyl/pkg/config"
)

// Ollama's llama runner crashes under concurrent embedding requests, so
// all calls serialize on this mutex.
var ollamaEmbedMu sync.Mutex

// OllamaEmbedder calls a local Ollama instance.
type OllamaEmbedder struct {
	config *config.EmbedderProviderConfig
	client *http.Client
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// NewOllamaEmbedderFromConfig creates an Ollama embedder.
func NewOllamaEmbedderFromConfig(cfg *config.EmbedderProviderConfig) (*OllamaEmbedder, error) {
	return &OllamaEmbedder{
		config: cfg,
		client: &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
	}, nil
}

func (e *OllamaEmbedder) baseURL() string {
	if e.config.Host != "" {
		return e.config.Host
	}
	return "http://localhost:11434"
}

// Embed implements Embedder.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	ollamaEmbedMu.Lock()
	defer ollamaEmbedMu.Unlock()

	body, err := json.Marshal(ollamaEmbedRequest{Model: e.config.Model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embed request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < e.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL()+"/api/embeddings", bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("failed to create embed request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := e.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		raw, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("ollama returned HTTP %d: %s", resp.StatusCode, string(raw))
			continue
		}

		var parsed ollamaEmbedResponse
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return nil, fmt.Errorf("failed to decode embed response: %w", err)
		}
		if len(parsed.Embedding) == 0 {
			return nil, fmt.Errorf("ollama returned an empty embedding")
		}
		return parsed.Embedding, nil
	}

	return nil, fmt.Errorf("ollama embed failed after %d attempts: %w", e.config.MaxRetries, lastErr)
}

// Dimension implements Embedder.
func (e *OllamaEmbedder) Dimension() int { return e.config.Dimension }

// Close implements Embedder.
func (e *OllamaEmbedder) Close() error { return nil }
