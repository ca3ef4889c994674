package retrieval

import (
	"math"
	"strings"
)

// BM25 parameters, standard values.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// bm25Index is an in-process inverted index over example questions. It is
// rebuilt per search from the approved example set, which is small enough
// that indexing cost is negligible next to the LLM calls around it.
type bm25Index struct {
	docs      []bm25Doc
	df        map[string]int
	avgDocLen float64
}

type bm25Doc struct {
	id     string
	terms  map[string]int
	length int
}

func newBM25Index() *bm25Index {
	return &bm25Index{df: map[string]int{}}
}

func (idx *bm25Index) add(id, text string) {
	terms := map[string]int{}
	length := 0
	for _, tok := range wordPattern.FindAllString(strings.ToLower(text), -1) {
		terms[tok]++
		length++
	}
	for term := range terms {
		idx.df[term]++
	}
	idx.docs = append(idx.docs, bm25Doc{id: id, terms: terms, length: length})

	total := 0
	for _, d := range idx.docs {
		total += d.length
	}
	idx.avgDocLen = float64(total) / float64(len(idx.docs))
}

// search scores every document against the query terms and returns raw
// BM25 scores keyed by document id. Zero scores are omitted.
func (idx *bm25Index) search(terms []string) map[string]float64 {
	if len(idx.docs) == 0 {
		return nil
	}
	scores := map[string]float64{}
	n := float64(len(idx.docs))
	for _, doc := range idx.docs {
		var score float64
		for _, term := range terms {
			tf := float64(doc.terms[term])
			if tf == 0 {
				continue
			}
			df := float64(idx.df[term])
			idf := math.Log(1 + (n-df+0.5)/(df+0.5))
			norm := tf * (bm25K1 + 1) /
				(tf + bm25K1*(1-bm25B+bm25B*float64(doc.length)/idx.avgDocLen))
			score += idf * norm
		}
		if score > 0 {
			scores[doc.id] = score
		}
	}
	return scores
}

// normalize maps raw scores into [0, 1] by dividing by the maximum.
func normalize(scores map[string]float64) map[string]float64 {
	var max float64
	for _, s := range scores {
		if s > max {
			max = s
		}
	}
	if max == 0 {
		return scores
	}
	out := make(map[string]float64, len(scores))
	for id, s := range scores {
		out[id] = s / max
	}
	return out
}
