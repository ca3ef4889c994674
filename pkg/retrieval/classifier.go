// Package retrieval finds stored examples relevant to a question by
// running keyword, vector, schema-aware, and intent strategies in
// parallel and merging their scores.
package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/querylab/sibyl/pkg/llms"
	"github.com/querylab/sibyl/pkg/model"
	"github.com/querylab/sibyl/pkg/protocol"
)

// Classifier derives intent and keywords from a question using an LLM,
// falling back to deterministic heuristics when the call fails.
type Classifier struct {
	llm llms.Provider
}

func NewClassifier(llm llms.Provider) *Classifier {
	return &Classifier{llm: llm}
}

const classifyPrompt = `Classify the database question below.

Respond with JSON only, no prose:
{"intent": "<one of: aggregation, filter, join, sort, group_by, subquery, window_fn, cte, union, insert, update, delete, create, other>",
 "keywords": ["<content words from the question, lowercase>"]}

Question: %s`

type classification struct {
	Intent   string   `json:"intent"`
	Keywords []string `json:"keywords"`
}

// Classify returns the question's intent and content keywords. The LLM is
// invoked at temperature zero; any failure degrades to heuristics rather
// than failing retrieval.
func (c *Classifier) Classify(ctx context.Context, question string) (model.Intent, []string) {
	if c.llm == nil {
		return fallbackIntent(question), fallbackKeywords(question)
	}

	temp := 0.0
	completion, err := c.llm.Invoke(ctx,
		[]protocol.Message{protocol.UserMessage(fmt.Sprintf(classifyPrompt, question))},
		llms.InvokeOptions{Temperature: &temp, MaxTokens: 256})
	if err != nil {
		slog.Debug("intent classification failed, using fallback", "error", err)
		return fallbackIntent(question), fallbackKeywords(question)
	}

	var parsed classification
	if err := json.Unmarshal([]byte(extractJSON(completion.Content)), &parsed); err != nil {
		slog.Debug("intent classification unparseable, using fallback", "error", err)
		return fallbackIntent(question), fallbackKeywords(question)
	}

	intent := model.ParseIntent(parsed.Intent)
	keywords := normalizeKeywords(parsed.Keywords)
	if len(keywords) == 0 {
		keywords = fallbackKeywords(question)
	}
	return intent, keywords
}

// extractJSON strips a markdown fence if the model added one.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
	}
	return strings.TrimSpace(s)
}

var wordPattern = regexp.MustCompile(`[a-zA-Z0-9_]+`)

// fallbackKeywords keeps words of four or more characters, lowercased.
func fallbackKeywords(question string) []string {
	var keywords []string
	for _, word := range wordPattern.FindAllString(strings.ToLower(question), -1) {
		if len(word) >= 4 {
			keywords = append(keywords, word)
		}
	}
	return keywords
}

// fallbackIntent is the neutral default when classification is
// unavailable.
func fallbackIntent(string) model.Intent {
	return model.IntentFilter
}

func normalizeKeywords(keywords []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}
