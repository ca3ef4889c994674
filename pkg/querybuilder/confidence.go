package querybuilder

import (
	"math"
	"regexp"
	"strings"

	"github.com/querylab/sibyl/pkg/retrieval"
	"github.com/querylab/sibyl/pkg/schema"
)

// Signal weights. They sum to 1.
const (
	weightSchemaCoverage    = 0.30
	weightExampleSimilarity = 0.20
	weightComplexityMatch   = 0.20
	weightIterationPenalty  = 0.15
	weightNonAmbiguity      = 0.15
)

// Neutral values used when a signal has no evidence either way.
const (
	neutralSchemaCoverage    = 0.7
	neutralExampleSimilarity = 0.5
)

// Confidence scores a draft query against five signals and returns the
// weighted sum rounded to three decimals.
func Confidence(question, draft string, sctx *schema.Context, retrieved *retrieval.Result, iteration int) float64 {
	score := weightSchemaCoverage*schemaCoverage(draft, sctx) +
		weightExampleSimilarity*exampleSimilarity(retrieved) +
		weightComplexityMatch*complexityMatch(question, draft) +
		weightIterationPenalty*iterationPenalty(iteration) +
		weightNonAmbiguity*nonAmbiguity(question)
	return math.Round(score*1000) / 1000
}

var tableRefPattern = regexp.MustCompile(`(?i)\b(?:FROM|JOIN|INTO|UPDATE)\s+([a-zA-Z_][a-zA-Z0-9_.]*)`)
var collectionPattern = regexp.MustCompile(`"collection"\s*:\s*"([^"]+)"`)
var splIndexPattern = regexp.MustCompile(`(?i)\bindex\s*=\s*([a-zA-Z0-9_*-]+)`)

// schemaCoverage is the fraction of tables named in the draft that exist
// in the schema context. A draft with no explicit table references scores
// neutral.
func schemaCoverage(draft string, sctx *schema.Context) float64 {
	refs := TableReferences(draft)
	if len(refs) == 0 || sctx == nil {
		return neutralSchemaCoverage
	}
	var known int
	for _, ref := range refs {
		if sctx.HasTable(ref) {
			known++
		}
	}
	return float64(known) / float64(len(refs))
}

// TableReferences extracts the table, collection, or index names a query
// mentions, lowercased and without namespace qualifiers.
func TableReferences(draft string) []string {
	seen := map[string]bool{}
	var refs []string
	add := func(name string) {
		// Strip a namespace qualifier; coverage is checked by bare name.
		if idx := strings.LastIndex(name, "."); idx >= 0 {
			name = name[idx+1:]
		}
		name = strings.ToLower(name)
		if name != "" && !seen[name] {
			seen[name] = true
			refs = append(refs, name)
		}
	}
	for _, m := range tableRefPattern.FindAllStringSubmatch(draft, -1) {
		add(m[1])
	}
	for _, m := range collectionPattern.FindAllStringSubmatch(draft, -1) {
		add(m[1])
	}
	for _, m := range splIndexPattern.FindAllStringSubmatch(draft, -1) {
		if m[1] != "*" {
			add(m[1])
		}
	}
	return refs
}

// exampleSimilarity is the best similarity among retrieved good examples;
// bad examples serve only as negative exemplars in the prompt.
func exampleSimilarity(retrieved *retrieval.Result) float64 {
	if retrieved == nil {
		return neutralExampleSimilarity
	}
	best := -1.0
	for _, m := range retrieved.Matches {
		if m.Example.IsGoodExample && m.Score > best {
			best = m.Score
		}
	}
	if best < 0 {
		return neutralExampleSimilarity
	}
	return best
}

var complexQuestionWords = []string{
	"average", "total", "count", "sum", "per ", "each", "group", "grouped",
	"join", "combine", "compare", "trend", "top ", "most", "least",
	"breakdown", "distribution", "percentage", "ratio",
}

var complexDraftPattern = regexp.MustCompile(
	`(?i)\bJOIN\b|\bGROUP BY\b|\bHAVING\b|\b(?:COUNT|SUM|AVG|MIN|MAX)\s*\(|` +
		`\$(?:group|lookup|unwind)\b|\bstats\b|\btimechart\b|\(\s*SELECT\b`)

// complexityMatch rewards drafts whose structure matches the complexity
// the question implies.
func complexityMatch(question, draft string) float64 {
	questionComplex := false
	lower := strings.ToLower(question)
	for _, w := range complexQuestionWords {
		if strings.Contains(lower, w) {
			questionComplex = true
			break
		}
	}
	draftComplex := complexDraftPattern.MatchString(draft)
	if questionComplex == draftComplex {
		return 0.9
	}
	return 0.7
}

// iterationPenalty decays confidence as refinement iterations pile up.
func iterationPenalty(iteration int) float64 {
	return math.Max(0.5, 1-float64(iteration-1)*0.1)
}

var ambiguityWords = map[string]bool{
	"stuff": true, "things": true, "thing": true, "some": true,
	"somehow": true, "something": true, "whatever": true, "anything": true,
	"maybe": true, "perhaps": true, "roughly": true, "approximately": true,
	"etc": true, "misc": true, "various": true,
}

// nonAmbiguity penalizes hedged or underspecified questions. A question
// shorter than three tokens counts as one extra ambiguity hit.
func nonAmbiguity(question string) float64 {
	tokens := strings.Fields(strings.ToLower(question))
	count := 0
	for _, tok := range tokens {
		if ambiguityWords[strings.Trim(tok, ".,?!")] {
			count++
		}
	}
	if len(tokens) < 3 {
		count++
	}
	return 1 - math.Min(1, float64(count)*0.3)
}
