package index

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/dotcommander/wenshape/internal/domain"
	"github.com/dotcommander/wenshape/internal/storage"
)

const (
	// TextChunksIndexName is the on-disk name of the chunk index.
	TextChunksIndexName = "text_chunks"

	// rerankWeight is the fixed merge constant: merged = bm25 + rerank*3.
	rerankWeight = 3.0

	maxRerankQueries = 4
)

// RerankDoc is the compact document shape sent to a reranking model.
type RerankDoc struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Reranker scores chunk candidates against a query with a model. A nil or
// failing reranker leaves BM25 order unchanged.
type Reranker interface {
	RerankChunks(ctx context.Context, query string, docs []RerankDoc) (map[string]float64, error)
}

// TextChunkIndexer maintains the sliding-window chunk index over chapter
// drafts and serves BM25 queries with optional semantic rerank.
type TextChunkIndexer struct {
	store    *storage.ProjectStore
	cfg      ChunkerConfig
	reranker Reranker
	logger   *slog.Logger
}

// NewTextChunkIndexer creates a chunk indexer for one project.
func NewTextChunkIndexer(store *storage.ProjectStore, logger *slog.Logger) *TextChunkIndexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &TextChunkIndexer{
		store:  store,
		cfg:    DefaultChunkerConfig(),
		logger: logger.With("component", "text_chunk_index", "project", store.ProjectID()),
	}
}

// WithReranker attaches a semantic reranker.
func (x *TextChunkIndexer) WithReranker(r Reranker) *TextChunkIndexer {
	x.reranker = r
	return x
}

// Build rebuilds the chunk index when any draft is newer than the meta
// high-water mark, or unconditionally when force is set.
func (x *TextChunkIndexer) Build(ctx context.Context, force bool) (domain.IndexMeta, error) {
	sourceMtime := x.store.SourceMtime(x.store.Layout().DraftsDir())
	if !force {
		if meta, err := x.store.ReadIndexMeta(TextChunksIndexName); err == nil && sourceMtime <= meta.SourceMtime {
			return meta, nil
		}
	}

	chapters, err := x.store.ListChapters()
	if err != nil {
		return domain.IndexMeta{}, fmt.Errorf("listing chapters: %w", err)
	}

	var items []domain.EvidenceItem
	for _, ch := range chapters {
		path, label, err := x.store.LatestDraftPath(ch)
		if err != nil || path == "" {
			continue
		}
		draft, err := x.store.LatestDraft(ch)
		if err != nil {
			x.logger.Warn("skipping unreadable draft", "chapter", ch, "error", err)
			continue
		}
		rel := strings.TrimPrefix(path, x.store.Root())
		rel = strings.TrimPrefix(rel, "/")
		for _, chunk := range SplitChunks(draft.Content, x.cfg) {
			items = append(items, domain.EvidenceItem{
				ID:   fmt.Sprintf("text:%s#p%d-w%d", ch, chunk.Paragraph, chunk.Window),
				Type: domain.EvidenceTextChunk,
				Text: chunk.Text,
				Source: domain.EvidenceSource{
					Chapter:   ch,
					Path:      rel,
					Draft:     label,
					Paragraph: chunk.Paragraph,
					Window:    chunk.Window,
					Start:     chunk.Start,
					End:       chunk.End,
				},
				Scope: "chapter",
				Meta:  domain.EvidenceMeta{DocLen: DocLen(chunk.Text)},
			})
		}
	}

	meta := domain.IndexMeta{
		IndexName:   TextChunksIndexName,
		BuiltAt:     time.Now().UTC(),
		ItemCount:   len(items),
		SourceMtime: sourceMtime,
		Details:     map[string]string{"chapters": fmt.Sprintf("%d", len(chapters))},
	}
	if err := x.store.WriteIndex(ctx, TextChunksIndexName, items, meta); err != nil {
		return domain.IndexMeta{}, err
	}
	x.logger.Info("text chunk index built", "items", len(items), "chapters", len(chapters))
	return meta, nil
}

// ChunkSearchOptions parameterizes a chunk search.
type ChunkSearchOptions struct {
	Query           string
	Queries         []string
	Limit           int
	Chapters        []string
	ExcludeChapters []string
	Rebuild         bool
	SemanticRerank  bool
	RerankQuery     string
	RerankTopK      int
}

// Search runs multi-query BM25 over the chunk index, merging per-query
// scores by max, then optionally reranks the head with a model.
func (x *TextChunkIndexer) Search(ctx context.Context, opts ChunkSearchOptions) ([]domain.EvidenceItem, error) {
	if opts.Rebuild {
		if _, err := x.Build(ctx, true); err != nil {
			return nil, err
		}
	} else if _, err := x.Build(ctx, false); err != nil {
		return nil, err
	}

	items, err := x.store.ReadIndexItems(TextChunksIndexName)
	if err != nil {
		return nil, err
	}
	items = filterByChapters(items, opts.Chapters, opts.ExcludeChapters)
	if len(items) == 0 {
		return nil, nil
	}

	queries := opts.Queries
	if len(queries) == 0 && opts.Query != "" {
		queries = []string{opts.Query}
	}
	if len(queries) == 0 {
		return nil, nil
	}
	if len(queries) > maxRerankQueries {
		queries = queries[:maxRerankQueries]
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 8
	}
	perQueryLimit := clamp(limit, 4, 12)

	scored := x.bm25SearchMulti(items, queries, perQueryLimit)
	if len(scored) == 0 {
		return nil, nil
	}

	if opts.SemanticRerank && x.reranker != nil {
		scored = x.rerank(ctx, scored, opts)
	}

	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

// bm25SearchMulti scores items against each query independently and merges
// the per-query hit sets by maximum score per item id.
func (x *TextChunkIndexer) bm25SearchMulti(items []domain.EvidenceItem, queries []string, perQueryLimit int) []domain.EvidenceItem {
	n := len(items)
	avgdl := 0.0
	freqs := make([]map[string]int, n)
	for i, item := range items {
		freqs[i] = TermFreq(item.Text)
		avgdl += float64(item.Meta.DocLen)
	}
	avgdl /= float64(n)

	best := make(map[string]float64)
	byID := make(map[string]domain.EvidenceItem, n)
	var order []string

	for _, q := range queries {
		terms := Tokenize(q)
		if len(terms) == 0 {
			continue
		}
		df := make(map[string]int)
		for i := range items {
			for _, t := range terms {
				if freqs[i][t] > 0 {
					df[t]++
				}
			}
		}
		type hit struct {
			idx   int
			score float64
		}
		var hits []hit
		for i, item := range items {
			score := BM25Score(freqs[i], terms, df, n, avgdl, float64(item.Meta.DocLen))
			if score > 0 {
				hits = append(hits, hit{idx: i, score: score})
			}
		}
		sort.SliceStable(hits, func(a, b int) bool { return hits[a].score > hits[b].score })
		if len(hits) > perQueryLimit {
			hits = hits[:perQueryLimit]
		}
		for _, h := range hits {
			item := items[h.idx]
			if prev, ok := best[item.ID]; !ok || h.score > prev {
				if !ok {
					order = append(order, item.ID)
				}
				best[item.ID] = h.score
				byID[item.ID] = item
			}
		}
	}

	merged := make([]domain.EvidenceItem, 0, len(order))
	for _, id := range order {
		item := byID[id]
		item.Score = best[id]
		item.Meta.BM25 = best[id]
		merged = append(merged, item)
	}
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Score > merged[j].Score })
	return merged
}

// rerank sends the head of the candidate list to the model and folds the
// returned scores back in as merged = bm25 + rerank*3. Any failure leaves
// the BM25 order untouched.
func (x *TextChunkIndexer) rerank(ctx context.Context, scored []domain.EvidenceItem, opts ChunkSearchOptions) []domain.EvidenceItem {
	topK := opts.RerankTopK
	if topK < 3 {
		topK = 3
	}
	if topK > len(scored) {
		topK = len(scored)
	}
	query := opts.RerankQuery
	if query == "" {
		query = opts.Query
	}

	docs := make([]RerankDoc, topK)
	for i := 0; i < topK; i++ {
		docs[i] = RerankDoc{ID: scored[i].ID, Text: truncateRunes(scored[i].Text, 220)}
	}
	rerankScores, err := x.reranker.RerankChunks(ctx, query, docs)
	if err != nil {
		x.logger.Warn("semantic rerank failed, keeping bm25 order", "error", err)
		return scored
	}

	for i := 0; i < topK; i++ {
		if rs, ok := rerankScores[scored[i].ID]; ok {
			scored[i].Meta.Rerank = rs
			scored[i].Score = scored[i].Meta.BM25 + rs*rerankWeight
		}
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	return scored
}

func filterByChapters(items []domain.EvidenceItem, include, exclude []string) []domain.EvidenceItem {
	if len(include) == 0 && len(exclude) == 0 {
		return items
	}
	includeSet := make(map[string]bool, len(include))
	for _, ch := range include {
		includeSet[ch] = true
	}
	excludeSet := make(map[string]bool, len(exclude))
	for _, ch := range exclude {
		excludeSet[ch] = true
	}
	var out []domain.EvidenceItem
	for _, item := range items {
		if len(includeSet) > 0 && !includeSet[item.Source.Chapter] {
			continue
		}
		if excludeSet[item.Source.Chapter] {
			continue
		}
		out = append(out, item)
	}
	return out
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
