package schema

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/querylab/sibyl/pkg/protocol"
)

// Source supplies full provider schemas. The orchestrator consumes a
// cached view through an external schema service; this interface is what
// the expert sees.
type Source interface {
	GetSchema(ctx context.Context, providerID string) (*Definition, error)
}

// AnnotationSource supplies workspace annotations, read-only.
type AnnotationSource interface {
	ListAnnotations(ctx context.Context, providerID string) ([]*Annotation, error)
}

// ExpertConfig tunes table selection.
type ExpertConfig struct {
	// TopK is the number of tables kept before FK closure. Default 8.
	TopK int
}

// Expert selects the subset of a provider schema relevant to a question.
type Expert struct {
	source      Source
	annotations AnnotationSource
	topK        int
}

// NewExpert creates a schema expert.
func NewExpert(source Source, annotations AnnotationSource, cfg ExpertConfig) *Expert {
	topK := cfg.TopK
	if topK <= 0 {
		topK = 8
	}
	return &Expert{source: source, annotations: annotations, topK: topK}
}

type tableScore struct {
	table Table
	score float64
}

// Select builds the schema context for a question. recentTables are tables
// chosen earlier in the same conversation; they receive a recency prior.
// The expert never invents names: everything in the output exists in the
// provider schema.
func (e *Expert) Select(ctx context.Context, providerID, question string, recentTables []string) (*Context, error) {
	def, err := e.source.GetSchema(ctx, providerID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch schema: %w", err)
	}

	annotations := map[string]*Annotation{}
	if e.annotations != nil {
		list, err := e.annotations.ListAnnotations(ctx, providerID)
		if err != nil {
			// Annotations are advisory; selection proceeds without them.
			slog.Warn("failed to load annotations", "provider_id", providerID, "error", err)
		} else {
			for _, ann := range list {
				annotations[ann.TargetName] = ann
			}
		}
	}

	questionTokens := tokenize(question)
	literals := extractLiterals(question)
	recent := make(map[string]bool, len(recentTables))
	for _, t := range recentTables {
		recent[strings.ToLower(t)] = true
	}

	scores := make([]tableScore, 0, len(def.Tables))
	for _, t := range def.Tables {
		s := e.scoreTable(&t, annotations, questionTokens, literals)
		if recent[strings.ToLower(t.Name)] {
			s += 0.15
		}
		scores = append(scores, tableScore{table: t, score: s})
	}

	sort.SliceStable(scores, func(i, j int) bool {
		return scores[i].score > scores[j].score
	})

	keep := map[string]bool{}
	kept := make([]Table, 0, e.topK)
	for _, ts := range scores {
		if len(kept) >= e.topK {
			break
		}
		if ts.score <= 0 {
			continue
		}
		kept = append(kept, ts.table)
		keep[strings.ToLower(ts.table.Name)] = true
	}

	// Nothing matched; keep the top tables anyway so the builder has
	// something to work with on vague questions.
	if len(kept) == 0 {
		for i, ts := range scores {
			if i >= e.topK {
				break
			}
			kept = append(kept, ts.table)
			keep[strings.ToLower(ts.table.Name)] = true
		}
	}

	// One-hop foreign-key closure, gated on join hints marking the edge
	// as safe to follow.
	for _, t := range kept {
		for _, fk := range t.ForeignKeys {
			ref := strings.ToLower(fk.RefTable)
			if keep[ref] {
				continue
			}
			if !joinHintAllows(annotations[t.Name], fk.RefTable) {
				continue
			}
			if neighbor, ok := def.Table(fk.RefTable); ok {
				kept = append(kept, *neighbor)
				keep[ref] = true
			}
		}
	}

	relationships := make([]Relationship, 0)
	for _, rel := range def.Relationships {
		if keep[strings.ToLower(rel.FromTable)] && keep[strings.ToLower(rel.ToTable)] {
			relationships = append(relationships, rel)
		}
	}

	sctx := &Context{
		Tables:        kept,
		Relationships: relationships,
		Annotations:   filterAnnotations(annotations, keep),
		QueryLanguage: def.QueryLanguage,
	}
	sctx.SuggestedJoins = suggestJoins(sctx)
	return sctx, nil
}

// scoreTable combines lexical overlap against table name, description, and
// business terms with a bonus for searchable columns matching question
// literals.
func (e *Expert) scoreTable(t *Table, annotations map[string]*Annotation, questionTokens []string, literals []string) float64 {
	haystack := []string{strings.ToLower(t.Name)}
	haystack = append(haystack, tokenize(t.Name)...)
	haystack = append(haystack, tokenize(t.Comment)...)

	if ann := annotations[t.Name]; ann != nil {
		haystack = append(haystack, tokenize(ann.Description)...)
		for _, term := range ann.BusinessTerms {
			haystack = append(haystack, tokenize(term)...)
		}
	}

	set := make(map[string]bool, len(haystack))
	for _, h := range haystack {
		set[h] = true
	}

	var hits float64
	for _, tok := range questionTokens {
		if set[tok] || set[singular(tok)] {
			hits++
		}
	}

	var score float64
	if len(questionTokens) > 0 {
		score = hits / float64(len(questionTokens))
	}

	// Searchable columns holding literals from the question are a strong
	// signal that this table answers it.
	for _, col := range t.Columns {
		ann := annotations[t.Name+"."+col.Name]
		if ann == nil || !ann.IsSearchable {
			continue
		}
		for _, lit := range literals {
			for _, enum := range ann.EnumValues {
				if strings.EqualFold(enum, lit) {
					score += 0.3
				}
			}
		}
	}

	return score
}

func joinHintAllows(ann *Annotation, refTable string) bool {
	if ann == nil {
		return false
	}
	for _, hint := range ann.JoinHints {
		if strings.EqualFold(hint, refTable) {
			return true
		}
	}
	return false
}

func filterAnnotations(all map[string]*Annotation, keep map[string]bool) map[string]*Annotation {
	out := make(map[string]*Annotation)
	for name, ann := range all {
		table := name
		if idx := strings.Index(name, "."); idx > 0 {
			table = name[:idx]
		}
		if keep[strings.ToLower(table)] {
			out[name] = ann
		}
	}
	return out
}

// suggestJoins emits join clauses in provider-native form for every
// relationship between kept tables.
func suggestJoins(c *Context) []string {
	joins := make([]string, 0, len(c.Relationships))
	for _, rel := range c.Relationships {
		switch c.QueryLanguage {
		case protocol.QueryLanguageMongoDB:
			joins = append(joins, fmt.Sprintf(
				`{"$lookup": {"from": %q, "localField": %q, "foreignField": %q, "as": %q}}`,
				rel.ToTable, rel.FromColumn, rel.ToColumn, rel.ToTable))
		case protocol.QueryLanguageSPL:
			joins = append(joins, fmt.Sprintf(
				"join %s [search index=%s]", rel.FromColumn, rel.ToTable))
		default:
			joins = append(joins, fmt.Sprintf(
				"JOIN %s ON %s.%s = %s.%s",
				rel.ToTable, rel.FromTable, rel.FromColumn, rel.ToTable, rel.ToColumn))
		}
	}
	return joins
}

var tokenPattern = regexp.MustCompile(`[a-zA-Z0-9_]+`)

func tokenize(s string) []string {
	raw := tokenPattern.FindAllString(strings.ToLower(s), -1)
	out := make([]string, 0, len(raw))
	for _, tok := range raw {
		// Split snake_case identifiers so "order_items" matches "items".
		for _, part := range strings.Split(tok, "_") {
			if part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// singular is a crude de-pluralizer so "customers" matches "customer".
func singular(tok string) string {
	if strings.HasSuffix(tok, "ies") {
		return strings.TrimSuffix(tok, "ies") + "y"
	}
	if strings.HasSuffix(tok, "s") && len(tok) > 3 {
		return strings.TrimSuffix(tok, "s")
	}
	return tok
}

var literalPattern = regexp.MustCompile(`'([^']+)'|"([^"]+)"`)

// extractLiterals pulls quoted strings and capitalized words out of the
// question; these are candidate filter values.
func extractLiterals(question string) []string {
	var literals []string
	for _, m := range literalPattern.FindAllStringSubmatch(question, -1) {
		if m[1] != "" {
			literals = append(literals, m[1])
		} else if m[2] != "" {
			literals = append(literals, m[2])
		}
	}
	for _, word := range strings.Fields(question) {
		trimmed := strings.Trim(word, ".,?!")
		if len(trimmed) > 1 && trimmed[0] >= 'A' && trimmed[0] <= 'Z' {
			literals = append(literals, trimmed)
		}
	}
	return literals
}
