package feedback

import (
	"regexp"
	"strings"

	"github.com/querylab/sibyl/pkg/model"
)

// Intent and complexity for minted examples come from the query text
// itself. A heuristic is enough here: the labels only steer retrieval
// ranking and the classifier re-derives intent on the question side at
// search time.

var intentPatterns = []struct {
	pattern *regexp.Regexp
	intent  model.Intent
}{
	{regexp.MustCompile(`(?i)\bOVER\s*\(`), model.IntentWindowFn},
	{regexp.MustCompile(`(?i)^\s*WITH\b`), model.IntentCTE},
	{regexp.MustCompile(`(?i)\bUNION\b`), model.IntentUnion},
	{regexp.MustCompile(`(?i)\bGROUP\s+BY\b|"\$group"`), model.IntentGroupBy},
	{regexp.MustCompile(`(?i)\bJOIN\b|"\$lookup"`), model.IntentJoin},
	{regexp.MustCompile(`(?i)\bINSERT\b|"insert_one"|"insert_many"`), model.IntentInsert},
	{regexp.MustCompile(`(?i)\bUPDATE\b|"update_one"|"update_many"`), model.IntentUpdate},
	{regexp.MustCompile(`(?i)\bDELETE\b|"delete_one"|"delete_many"`), model.IntentDelete},
	{regexp.MustCompile(`(?i)\bCREATE\s+(TABLE|INDEX|VIEW)\b`), model.IntentCreate},
	{regexp.MustCompile(`(?i)\b(COUNT|SUM|AVG|MIN|MAX)\s*\(|\bstats\b|\btimechart\b|"count_documents"`), model.IntentAggregation},
	{regexp.MustCompile(`(?i)\bORDER\s+BY\b|"\$sort"|\|\s*sort\b`), model.IntentSort},
	{regexp.MustCompile(`(?i)\bWHERE\b.*\(\s*SELECT\b`), model.IntentSubquery},
}

func classifyIntent(query string) model.Intent {
	for _, p := range intentPatterns {
		if p.pattern.MatchString(query) {
			return p.intent
		}
	}
	if strings.TrimSpace(query) == "" {
		return model.IntentOther
	}
	return model.IntentFilter
}

var complexityFeatures = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bJOIN\b|"\$lookup"`),
	regexp.MustCompile(`(?i)\bGROUP\s+BY\b|"\$group"|\bstats\b`),
	regexp.MustCompile(`(?i)\bOVER\s*\(`),
	regexp.MustCompile(`(?i)^\s*WITH\b`),
	regexp.MustCompile(`(?i)\(\s*SELECT\b`),
	regexp.MustCompile(`(?i)\bHAVING\b`),
	regexp.MustCompile(`(?i)\bUNION\b`),
}

func classifyComplexity(query string) model.Complexity {
	features := 0
	for _, p := range complexityFeatures {
		if p.MatchString(query) {
			features++
		}
	}
	switch {
	case features == 0:
		return model.ComplexitySimple
	case features <= 2:
		return model.ComplexityMedium
	default:
		return model.ComplexityComplex
	}
}
