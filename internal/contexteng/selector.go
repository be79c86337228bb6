package contexteng

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/dotcommander/wenshape/internal/domain"
	"github.com/dotcommander/wenshape/internal/index"
	"github.com/dotcommander/wenshape/internal/storage"
)

const (
	// MaxCandidatesPerType caps how many raw candidates the retrieval
	// selector loads per requested type.
	MaxCandidatesPerType = 50

	overlapWeight = 0.35
	bm25Weight    = 0.65
)

// Selector feeds the manager from project storage: deterministic always-load
// items per agent plus a quick lexical retrieval pass. The retrieval scoring
// is intentionally local; the evidence indexer is the higher-fidelity path.
type Selector struct {
	store  *storage.ProjectStore
	logger *slog.Logger
}

// NewSelector creates a selector over store.
func NewSelector(store *storage.ProjectStore, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{store: store, logger: logger.With("component", "context_selector")}
}

// DeterministicSelect loads the always-on items for agent, all CRITICAL.
// Missing items are skipped with a log line.
func (s *Selector) DeterministicSelect(ctx context.Context, agent, chapter string) []ContextItem {
	var items []ContextItem

	if style, err := s.store.GetStyleCard(); err == nil && strings.TrimSpace(style.Style) != "" {
		items = append(items, NewItem("style_card", "style_card", style.Style, PriorityCritical, 1.0))
	} else {
		s.logger.Debug("style card unavailable", "agent", agent)
	}

	if agent == "writer" && chapter != "" {
		if brief, err := s.store.GetSceneBrief(chapter); err == nil {
			items = append(items, NewItem("scene_brief", "scene_brief", RenderBrief(brief), PriorityCritical, 1.0))
		} else {
			s.logger.Debug("scene brief unavailable", "agent", agent, "chapter", chapter)
		}
	}
	return items
}

// retrievalCandidate is one raw document before hybrid scoring.
type retrievalCandidate struct {
	id   string
	typ  string
	text string
}

// RetrievalSelect scores stored candidates of the requested types against
// query with the lexical hybrid 0.35*overlap + 0.65*bm25 and returns the
// global topK.
func (s *Selector) RetrievalSelect(ctx context.Context, query string, types []string, topK int) []ContextItem {
	if strings.TrimSpace(query) == "" || topK <= 0 {
		return nil
	}
	if len(types) == 0 {
		types = []string{"character", "world", "fact", "text_chunk"}
	}

	var candidates []retrievalCandidate
	for _, typ := range types {
		loaded := s.loadCandidates(ctx, typ)
		if len(loaded) > MaxCandidatesPerType {
			loaded = loaded[:MaxCandidatesPerType]
		}
		candidates = append(candidates, loaded...)
	}
	if len(candidates) == 0 {
		return nil
	}

	terms := index.Tokenize(query)
	if len(terms) == 0 {
		return nil
	}

	n := len(candidates)
	freqs := make([]map[string]int, n)
	avgdl := 0.0
	for i, c := range candidates {
		freqs[i] = index.TermFreq(c.text)
		avgdl += float64(index.DocLen(c.text))
	}
	avgdl /= float64(n)
	df := make(map[string]int)
	for i := range candidates {
		for _, t := range terms {
			if freqs[i][t] > 0 {
				df[t]++
			}
		}
	}

	type scoredItem struct {
		item  ContextItem
		score float64
	}
	var scored []scoredItem
	for i, c := range candidates {
		hits := 0
		for _, t := range terms {
			if freqs[i][t] > 0 {
				hits++
			}
		}
		overlap := float64(hits) / float64(len(terms))
		bm25 := index.BM25Score(freqs[i], terms, df, n, avgdl, float64(index.DocLen(c.text)))
		score := overlapWeight*overlap + bm25Weight*bm25
		if score <= 0 {
			continue
		}
		item := NewItem(c.id, c.typ, c.text, PriorityMedium, overlap)
		item.Metadata = map[string]string{"rank_score": fmt.Sprintf("%.4f", score)}
		scored = append(scored, scoredItem{item: item, score: score})
	}

	sort.SliceStable(scored, func(a, b int) bool { return scored[a].score > scored[b].score })
	if len(scored) > topK {
		scored = scored[:topK]
	}
	items := make([]ContextItem, len(scored))
	for i, s := range scored {
		items[i] = s.item
	}
	return items
}

// loadCandidates pulls raw documents of one type from storage.
func (s *Selector) loadCandidates(ctx context.Context, typ string) []retrievalCandidate {
	var out []retrievalCandidate
	switch typ {
	case "character":
		names, err := s.store.ListCharacters()
		if err != nil {
			return nil
		}
		for _, name := range names {
			card, cerr := s.store.GetCharacter(name)
			if cerr != nil {
				continue
			}
			text := strings.TrimSpace(card.Name + "：" + card.Description)
			out = append(out, retrievalCandidate{id: "character:" + card.Name, typ: "character", text: text})
		}
	case "world":
		names, err := s.store.ListWorldCards()
		if err != nil {
			return nil
		}
		for _, name := range names {
			card, cerr := s.store.GetWorldCard(name)
			if cerr != nil {
				continue
			}
			text := strings.TrimSpace(card.Name + "：" + card.Description)
			out = append(out, retrievalCandidate{id: "world:" + card.Name, typ: "world", text: text})
		}
	case "fact":
		facts, err := s.store.ListFacts()
		if err != nil {
			return nil
		}
		for _, f := range facts {
			out = append(out, retrievalCandidate{id: "fact:" + f.ID, typ: "fact", text: f.Statement})
		}
	case "text_chunk":
		items, err := s.store.ReadIndexItems(index.TextChunksIndexName)
		if err != nil {
			return nil
		}
		for _, item := range items {
			out = append(out, retrievalCandidate{id: item.ID, typ: "text_chunk", text: item.Text})
		}
	}
	return out
}

// RenderBrief flattens a scene brief into prompt-ready text.
func RenderBrief(brief domain.SceneBrief) string {
	var parts []string
	if brief.Title != "" {
		parts = append(parts, "标题："+brief.Title)
	}
	if brief.Goal != "" {
		parts = append(parts, "目标："+brief.Goal)
	}
	for _, c := range brief.Characters {
		line := c.Name
		if c.RelevantTraits != "" {
			line += "：" + c.RelevantTraits
		}
		parts = append(parts, "人物："+line)
	}
	if len(brief.WorldConstraints) > 0 {
		parts = append(parts, "世界约束："+strings.Join(brief.WorldConstraints, "；"))
	}
	if len(brief.Facts) > 0 {
		parts = append(parts, "既定事实："+strings.Join(brief.Facts, "；"))
	}
	if brief.StyleReminder != "" {
		parts = append(parts, "文风提示："+brief.StyleReminder)
	}
	if len(brief.Forbidden) > 0 {
		parts = append(parts, "禁止："+strings.Join(brief.Forbidden, "；"))
	}
	return strings.Join(parts, "\n")
}
