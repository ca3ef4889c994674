// Package querybuilder drafts candidate queries with an LLM and scores
// its own confidence in them.
package querybuilder

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/querylab/sibyl/pkg/llms"
	"github.com/querylab/sibyl/pkg/model"
	"github.com/querylab/sibyl/pkg/protocol"
	"github.com/querylab/sibyl/pkg/retrieval"
	"github.com/querylab/sibyl/pkg/schema"
)

const (
	// generationTemperature keeps drafting deterministic.
	generationTemperature = 0.2

	// maxGoodExamples bounds how many positive exemplars enter the prompt.
	maxGoodExamples = 3

	// promptTokenBudget caps the composed prompt; examples, then schema
	// tables, are dropped from the tail until the prompt fits.
	promptTokenBudget = 6000
)

// Draft is one iteration's output.
type Draft struct {
	Query          string
	ReasoningSteps []string
	Confidence     float64
	ExamplesUsed   []string
}

// Input carries everything one drafting iteration needs.
type Input struct {
	Question  string
	Schema    *schema.Context
	Retrieved *retrieval.Result
	Iteration int

	// PriorDraft and PriorValidation drive refinement prompts for
	// iterations after the first.
	PriorDraft      string
	PriorValidation *model.ValidationResult
}

// Builder drafts queries for one query language.
type Builder struct {
	llm      llms.Provider
	language protocol.QueryLanguage
	encoder  *tiktoken.Tiktoken
}

func New(llm llms.Provider, language protocol.QueryLanguage) *Builder {
	encoder, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		// Token counting degrades to a character heuristic.
		slog.Warn("tiktoken encoding unavailable", "error", err)
	}
	return &Builder{llm: llm, language: language, encoder: encoder}
}

// Build runs one drafting iteration and scores the result.
func (b *Builder) Build(ctx context.Context, in *Input) (*Draft, error) {
	prompt, used := b.composePrompt(in)

	temp := generationTemperature
	completion, err := b.llm.Invoke(ctx, []protocol.Message{
		protocol.SystemMessage(b.systemPrompt()),
		protocol.UserMessage(prompt),
	}, llms.InvokeOptions{Temperature: &temp})
	if err != nil {
		return nil, protocol.WrapError(protocol.ErrLLMFailure, "query generation failed", err)
	}

	query, steps := b.parseOutput(completion.Content)
	if query == "" {
		return nil, protocol.NewError(protocol.ErrLLMFailure,
			"model produced no parseable query")
	}

	draft := &Draft{
		Query:          query,
		ReasoningSteps: steps,
		ExamplesUsed:   used,
	}
	draft.Confidence = Confidence(in.Question, query, in.Schema, in.Retrieved, in.Iteration)
	return draft, nil
}

func (b *Builder) systemPrompt() string {
	return fmt.Sprintf(`You are an expert %s author. Translate the user's question into a single query.

Use only tables and columns that appear in the provided schema. Never invent names.

Respond with JSON only:
{"reasoning_steps": ["step 1", "step 2", ...], "query": "<the query>"}`,
		languageLabel(b.language))
}

// composePrompt assembles the generation or refinement prompt, trimming
// examples from lowest rank, then schema tables from lowest rank, until the
// prompt fits the token budget. It returns the prompt and the ids of
// examples that made the cut.
func (b *Builder) composePrompt(in *Input) (string, []string) {
	good, bad := splitExamples(in.Retrieved)
	if len(good) > maxGoodExamples {
		good = good[:maxGoodExamples]
	}
	sctx := in.Schema

	for {
		prompt, used := b.renderPrompt(in, sctx, good, bad)
		if b.countTokens(prompt) <= promptTokenBudget {
			return prompt, used
		}
		switch {
		case len(bad) > 0:
			bad = bad[:len(bad)-1]
		case len(good) > 0:
			good = good[:len(good)-1]
		case sctx != nil && len(sctx.Tables) > 1:
			// Tables arrive ranked by relevance; shed the tail.
			trimmed := *sctx
			trimmed.Tables = sctx.Tables[:len(sctx.Tables)-1]
			sctx = &trimmed
		default:
			return prompt, used
		}
	}
}

func (b *Builder) renderPrompt(in *Input, sctx *schema.Context, good, bad []retrieval.Match) (string, []string) {
	var sb strings.Builder
	var used []string

	fmt.Fprintf(&sb, "Question: %s\n\n", in.Question)
	if sctx != nil {
		sb.WriteString("Schema:\n")
		sb.WriteString(sctx.Flatten())
		sb.WriteString("\n")
	}

	if len(good) > 0 {
		sb.WriteString("Similar past questions with verified queries:\n")
		for _, m := range good {
			fmt.Fprintf(&sb, "Q: %s\nA: %s\n\n", m.Example.Question, m.Example.Query)
			used = append(used, m.Example.ID)
		}
	}
	if len(bad) > 0 {
		sb.WriteString("Known mistakes to avoid:\n")
		for _, m := range bad {
			fmt.Fprintf(&sb, "Q: %s\nWrong: %s\n", m.Example.Question, m.Example.Query)
			if m.Example.CorrectedQuery != "" {
				fmt.Fprintf(&sb, "Corrected: %s\n", m.Example.CorrectedQuery)
			}
			sb.WriteString("\n")
			used = append(used, m.Example.ID)
		}
	}

	if in.Iteration > 1 && in.PriorDraft != "" {
		fmt.Fprintf(&sb, "Your previous attempt:\n%s\n\n", in.PriorDraft)
		if in.PriorValidation != nil {
			sb.WriteString("It failed validation:\n")
			for _, e := range in.PriorValidation.Errors {
				fmt.Fprintf(&sb, "- error: %s\n", e)
			}
			for _, s := range in.PriorValidation.Suggestions {
				fmt.Fprintf(&sb, "- suggestion: %s\n", s)
			}
			sb.WriteString("\n")
		}
		sb.WriteString("Produce a corrected query.\n")
	}

	return sb.String(), used
}

func (b *Builder) countTokens(text string) int {
	if b.encoder == nil {
		return len(text) / 4
	}
	return len(b.encoder.Encode(text, nil, nil))
}

type taggedOutput struct {
	ReasoningSteps []string `json:"reasoning_steps"`
	Query          string   `json:"query"`
}

// parseOutput reads the tagged JSON structure; if that fails it falls back
// to the first fenced code block whose tag matches the query language, or
// any fenced block.
func (b *Builder) parseOutput(content string) (string, []string) {
	var tagged taggedOutput
	if err := json.Unmarshal([]byte(stripFence(content)), &tagged); err == nil && tagged.Query != "" {
		return strings.TrimSpace(tagged.Query), tagged.ReasoningSteps
	}

	blocks := fencedBlocks(content)
	want := fenceTag(b.language)
	for _, blk := range blocks {
		if blk.tag == want {
			return blk.body, nil
		}
	}
	if len(blocks) > 0 {
		return blocks[0].body, nil
	}
	return "", nil
}

type fencedBlock struct {
	tag  string
	body string
}

var fencePattern = regexp.MustCompile("(?s)```([a-zA-Z0-9_]*)\n(.*?)```")

func fencedBlocks(content string) []fencedBlock {
	var blocks []fencedBlock
	for _, m := range fencePattern.FindAllStringSubmatch(content, -1) {
		body := strings.TrimSpace(m[2])
		if body != "" {
			blocks = append(blocks, fencedBlock{tag: strings.ToLower(m[1]), body: body})
		}
	}
	return blocks
}

// stripFence removes a single wrapping fence so fenced JSON still parses
// as the tagged structure.
func stripFence(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	if m := fencePattern.FindStringSubmatch(trimmed); m != nil {
		return strings.TrimSpace(m[2])
	}
	return trimmed
}

func fenceTag(lang protocol.QueryLanguage) string {
	switch lang {
	case protocol.QueryLanguageMongoDB:
		return "json"
	case protocol.QueryLanguageSPL:
		return "spl"
	default:
		return "sql"
	}
}

func languageLabel(lang protocol.QueryLanguage) string {
	switch lang {
	case protocol.QueryLanguageMongoDB:
		return "MongoDB query (structured JSON)"
	case protocol.QueryLanguageSPL:
		return "Splunk SPL"
	default:
		return "SQL"
	}
}

// splitExamples partitions retrieved matches into good and bad exemplars,
// preserving rank order.
func splitExamples(r *retrieval.Result) (good, bad []retrieval.Match) {
	if r == nil {
		return nil, nil
	}
	for _, m := range r.Matches {
		if m.Example.IsGoodExample {
			good = append(good, m)
		} else {
			bad = append(bad, m)
		}
	}
	return good, bad
}
