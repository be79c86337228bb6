package index

import "math"

// BM25 tuning constants. Fixed for ranking reproducibility across rebuilds.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// BM25Score computes the BM25 relevance of one document against a term set.
// freq is the document's term-frequency map, df the per-term document
// frequency over the searched corpus, n the corpus size, avgdl the mean
// document length and docLen this document's length.
func BM25Score(freq map[string]int, terms []string, df map[string]int, n int, avgdl, docLen float64) float64 {
	if n <= 0 || avgdl <= 0 {
		return 0
	}
	score := 0.0
	for _, term := range terms {
		f := float64(freq[term])
		if f == 0 {
			continue
		}
		d := float64(df[term])
		idf := math.Log(1 + (float64(n)-d+0.5)/(d+0.5))
		score += idf * (f * (bm25K1 + 1)) / (f + bm25K1*(1-bm25B+bm25B*docLen/avgdl))
	}
	return score
}
