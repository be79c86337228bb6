package index

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/dotcommander/wenshape/internal/domain"
	"github.com/dotcommander/wenshape/internal/storage"
)

func newTestIndexer(t *testing.T) (*EvidenceIndexer, *storage.ProjectStore) {
	t.Helper()
	store, err := storage.NewProjectStore(t.TempDir(), "p1", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	chunks := NewTextChunkIndexer(store, nil)
	return NewEvidenceIndexer(store, chunks, nil), store
}

func addFact(t *testing.T, store *storage.ProjectStore, statement, source string) {
	t.Helper()
	if _, err := store.AddFact(context.Background(), domain.Fact{
		Statement: statement,
		Source:    source,
	}); err != nil {
		t.Fatal(err)
	}
}

func TestTokenizeMixedScript(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"ascii words", "Alice wears Armor", []string{"alice", "wears", "armor"}},
		{"lone ideograph", "剑", []string{"剑"}},
		{"cjk bigrams and trigrams", "魔法剑", []string{"魔法", "法剑", "魔法剑"}},
		{"mixed", "Alice的剑", []string{"alice", "的剑"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Tokenize(tt.input)
			set := make(map[string]bool, len(got))
			for _, term := range got {
				set[term] = true
			}
			for _, want := range tt.want {
				if !set[want] {
					t.Errorf("Tokenize(%q) missing %q, got %v", tt.input, want, got)
				}
			}
		})
	}
}

func TestBM25RanksExactMatchFirst(t *testing.T) {
	indexer, store := newTestIndexer(t)
	ctx := context.Background()

	addFact(t, store, "Alice wears silver armor", "V1C1")
	addFact(t, store, "Alice lives in the castle", "V1C1")
	addFact(t, store, "Bob runs a tavern", "V1C2")

	result, err := indexer.Search(ctx, SearchOptions{
		Queries: []string{"Alice armor"},
		Types:   []string{domain.EvidenceFact},
		Limit:   10,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Items) == 0 {
		t.Fatal("no items returned")
	}
	if got := result.Items[0].Text; got != "Alice wears silver armor" {
		t.Errorf("top item = %q, want the two-term match", got)
	}
	for _, item := range result.Items {
		if strings.Contains(item.Text, "tavern") {
			t.Errorf("zero-score item leaked into results: %q", item.Text)
		}
	}
}

func TestBM25TermFrequencyMonotone(t *testing.T) {
	docs := []string{
		"the dragon slept",
		"the dragon fought the dragon",
	}
	terms := []string{"dragon"}
	n := len(docs)
	df := map[string]int{"dragon": 2}
	avgdl := 0.0
	freqs := make([]map[string]int, n)
	for i, d := range docs {
		freqs[i] = TermFreq(d)
		avgdl += float64(DocLen(d))
	}
	avgdl /= float64(n)

	// Same document length removes the length normalization difference, so
	// higher term frequency must strictly raise the score.
	s1 := BM25Score(freqs[0], terms, df, n, avgdl, avgdl)
	s2 := BM25Score(freqs[1], terms, df, n, avgdl, avgdl)
	if s2 <= s1 {
		t.Errorf("tf=2 score %f not above tf=1 score %f", s2, s1)
	}
}

func TestQuotaEnforcement(t *testing.T) {
	indexer, store := newTestIndexer(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		addFact(t, store, fmt.Sprintf("Alice discovered secret number %d in the archive", i), "V1C1")
	}
	for i := 0; i < 4; i++ {
		if err := store.SaveChapterSummary(ctx, domain.ChapterSummary{
			Chapter:      fmt.Sprintf("V1C%d", i+1),
			BriefSummary: fmt.Sprintf("Alice searched the archive, part %d", i),
		}); err != nil {
			t.Fatal(err)
		}
	}

	result, err := indexer.Search(ctx, SearchOptions{
		Queries: []string{"Alice archive"},
		Limit:   10,
	})
	if err != nil {
		t.Fatal(err)
	}
	counts := make(map[string]int)
	for _, item := range result.Items {
		counts[item.Type]++
	}
	if counts[domain.EvidenceFact] < 3 {
		t.Errorf("fact count %d below minimum 3", counts[domain.EvidenceFact])
	}
	if counts[domain.EvidenceFact] > 8 {
		t.Errorf("fact count %d above maximum 8", counts[domain.EvidenceFact])
	}
	if counts[domain.EvidenceWorldRule] != 0 {
		t.Errorf("unexpected world_rule items: %d", counts[domain.EvidenceWorldRule])
	}
	if len(result.Items) > 10 {
		t.Errorf("result size %d exceeds limit", len(result.Items))
	}
}

func TestApplyTypeQuotasPhaseOrder(t *testing.T) {
	var candidates []domain.EvidenceItem
	for i := 0; i < 12; i++ {
		candidates = append(candidates, domain.EvidenceItem{
			ID:    fmt.Sprintf("fact:%d", i),
			Type:  domain.EvidenceFact,
			Score: float64(20 - i),
		})
	}
	// A single low-scoring summary must still win a slot through its minimum.
	candidates = append(candidates, domain.EvidenceItem{
		ID:    "summary:low",
		Type:  domain.EvidenceSummary,
		Score: 0.1,
	})

	picked := ApplyTypeQuotas(candidates, DefaultQuotas(), 9)
	var gotSummary bool
	factCount := 0
	for _, item := range picked {
		if item.Type == domain.EvidenceSummary {
			gotSummary = true
		}
		if item.Type == domain.EvidenceFact {
			factCount++
		}
	}
	if !gotSummary {
		t.Error("summary minimum not honored against higher-scoring facts")
	}
	if factCount > 8 {
		t.Errorf("fact maximum exceeded: %d", factCount)
	}
	if len(picked) > 9 {
		t.Errorf("limit exceeded: %d", len(picked))
	}
}

func TestSplitChunksWindows(t *testing.T) {
	short := strings.Repeat("a", 100)
	long := strings.Repeat("b", 1200)
	text := short + "\n\n" + long + "\n\ntiny"

	chunks := SplitChunks(text, DefaultChunkerConfig())

	var shortChunks, longChunks int
	for _, c := range chunks {
		switch c.Paragraph {
		case 0:
			shortChunks++
			if c.Window != 0 {
				t.Errorf("short paragraph got window %d", c.Window)
			}
			if c.End-c.Start != 100 {
				t.Errorf("short chunk span = %d, want 100", c.End-c.Start)
			}
		case 1:
			longChunks++
			if c.End-c.Start > DefaultWindowSize {
				t.Errorf("window span %d exceeds %d", c.End-c.Start, DefaultWindowSize)
			}
		case 2:
			t.Error("sub-minimum paragraph was not dropped")
		}
	}
	if shortChunks != 1 {
		t.Errorf("short paragraph chunks = %d, want 1", shortChunks)
	}
	if longChunks < 2 {
		t.Errorf("long paragraph chunks = %d, want sliding windows", longChunks)
	}

	// Consecutive windows overlap by the configured amount.
	var prev *Chunk
	for i := range chunks {
		c := chunks[i]
		if c.Paragraph != 1 {
			continue
		}
		if prev != nil && c.Start != prev.Start+DefaultWindowSize-DefaultWindowOverlap {
			t.Errorf("window %d starts at %d, want %d", c.Window, c.Start, prev.Start+DefaultWindowSize-DefaultWindowOverlap)
		}
		prev = &c
	}
}

func TestTextChunkIndexIncremental(t *testing.T) {
	indexer, store := newTestIndexer(t)
	ctx := context.Background()

	para := strings.Repeat("龙族的守卫站在城门之外，", 10)
	if _, err := store.SaveCurrentDraft(ctx, "V1C1", para); err != nil {
		t.Fatal(err)
	}

	meta1, err := indexer.Chunks().Build(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if meta1.ItemCount == 0 {
		t.Fatal("no chunks indexed")
	}

	// Unchanged sources: the second build returns the committed meta as-is.
	meta2, err := indexer.Chunks().Build(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if !meta2.BuiltAt.Equal(meta1.BuiltAt) {
		t.Error("index rebuilt despite unchanged sources")
	}

	items1, err := store.ReadIndexItems(TextChunksIndexName)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := indexer.Chunks().Build(ctx, true); err != nil {
		t.Fatal(err)
	}
	items2, err := store.ReadIndexItems(TextChunksIndexName)
	if err != nil {
		t.Fatal(err)
	}
	if len(items1) != len(items2) {
		t.Errorf("forced rebuild changed item count: %d vs %d", len(items1), len(items2))
	}
	for i := range items1 {
		if items1[i].ID != items2[i].ID || items1[i].Text != items2[i].Text {
			t.Errorf("item %d differs across identical rebuilds", i)
		}
	}
}

func TestCardsIndexDerivation(t *testing.T) {
	indexer, store := newTestIndexer(t)
	ctx := context.Background()

	if err := store.SaveWorldCard(ctx, domain.WorldCard{
		Name:        "魔法议会",
		Category:    "组织",
		Description: "议会掌管城中一切法术。成员必须在入会时立誓。违反誓言会导致法力尽失。",
		Stars:       3,
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveWorldCard(ctx, domain.WorldCard{
		Name:        "系统",
		Description: "一个过于泛化的名字。",
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := indexer.BuildCardsIndex(ctx, true); err != nil {
		t.Fatal(err)
	}
	items, err := store.ReadIndexItems(CardsIndexName)
	if err != nil {
		t.Fatal(err)
	}

	var rules, entities []domain.EvidenceItem
	for _, item := range items {
		switch item.Type {
		case domain.EvidenceWorldRule:
			rules = append(rules, item)
		case domain.EvidenceWorldEntity:
			entities = append(entities, item)
		}
	}
	if len(rules) != 2 {
		t.Fatalf("world_rule items = %d, want 2 (必须 and 会导致 sentences)", len(rules))
	}
	for _, r := range rules {
		if !strings.HasPrefix(r.ID, "world_rule:魔法议会:") {
			t.Errorf("rule id %q lacks card prefix", r.ID)
		}
	}
	if len(entities) != 1 {
		t.Fatalf("world_entity items = %d, want 1 (generic name excluded)", len(entities))
	}
	if entities[0].Source.Card != "魔法议会" {
		t.Errorf("entity derived from %q, want 魔法议会", entities[0].Source.Card)
	}
}

func TestSearchSeedAndStarsBonuses(t *testing.T) {
	indexer, store := newTestIndexer(t)
	ctx := context.Background()

	if err := store.SaveCharacter(ctx, domain.CharacterCard{
		Name:        "林远",
		Description: "林远在北城经营一家铁匠铺。",
		Stars:       3,
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveCharacter(ctx, domain.CharacterCard{
		Name:        "赵七",
		Description: "赵七在北城开了一家酒馆。",
		Stars:       1,
	}); err != nil {
		t.Fatal(err)
	}

	result, err := indexer.Search(ctx, SearchOptions{
		Queries: []string{"北城"},
		Types:   []string{domain.EvidenceCharacter},
		Seeds:   []string{"林远"},
		Limit:   5,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Items) < 2 {
		t.Fatalf("items = %d, want both characters", len(result.Items))
	}
	if result.Items[0].Source.Card != "林远" {
		t.Errorf("top item card = %q, want seeded 林远", result.Items[0].Source.Card)
	}
}

func TestMemoryIndexAppendOnly(t *testing.T) {
	indexer, store := newTestIndexer(t)
	ctx := context.Background()

	if err := indexer.AppendMemoryItems(ctx, []domain.EvidenceItem{
		{ID: "memory:1", Text: "读者确认主角不会使用火系法术"},
	}); err != nil {
		t.Fatal(err)
	}
	if err := indexer.AppendMemoryItems(ctx, []domain.EvidenceItem{
		{ID: "memory:2", Text: "主角的佩剑名为霜吟"},
	}); err != nil {
		t.Fatal(err)
	}

	items, err := store.ReadIndexItems(MemoryIndexName)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("memory items = %d, want 2", len(items))
	}
	for _, item := range items {
		if item.Type != domain.EvidenceMemory {
			t.Errorf("item %s type = %q, want memory default", item.ID, item.Type)
		}
		if item.Meta.DocLen == 0 {
			t.Errorf("item %s missing computed doc length", item.ID)
		}
	}
	meta, err := store.ReadIndexMeta(MemoryIndexName)
	if err != nil {
		t.Fatal(err)
	}
	if meta.ItemCount != 2 {
		t.Errorf("meta item count = %d, want 2", meta.ItemCount)
	}
}

type stubReranker struct {
	scores map[string]float64
	err    error
	calls  int
}

func (s *stubReranker) RerankChunks(_ context.Context, _ string, docs []RerankDoc) (map[string]float64, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	out := make(map[string]float64, len(docs))
	for _, d := range docs {
		if v, ok := s.scores[d.ID]; ok {
			out[d.ID] = v
		}
	}
	return out, nil
}

func TestSemanticRerankReorders(t *testing.T) {
	indexer, store := newTestIndexer(t)
	ctx := context.Background()

	// Fixtures must clear DefaultMinChunkChars or they never index.
	drafts := map[string]string{
		"V1C1": "守卫们在城墙上巡逻，谈论着北方战事的传闻，夜里的风声呼啸而过，让他们整晚都警惕不安。",
		"V1C2": "守卫队长独自巡逻城头，他想起北方战事中阵亡的兄弟，握紧了手中冰冷的长枪，久久没有说话。",
		"V1C3": "守卫换岗之后结伴去了酒馆，巡逻一夜的疲惫在北方战事的流言和滚烫的酒气中慢慢散去了。",
	}
	for ch, content := range drafts {
		if _, err := store.SaveCurrentDraft(ctx, ch, content); err != nil {
			t.Fatal(err)
		}
	}

	plain, err := indexer.Chunks().Search(ctx, ChunkSearchOptions{
		Query: "守卫 巡逻 北方战事",
		Limit: 3,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(plain) != 3 {
		t.Fatalf("bm25 hits = %d, want 3", len(plain))
	}
	lastID := plain[len(plain)-1].ID

	stub := &stubReranker{scores: map[string]float64{lastID: 5.0}}
	indexer.Chunks().WithReranker(stub)

	reranked, err := indexer.Chunks().Search(ctx, ChunkSearchOptions{
		Query:          "守卫 巡逻 北方战事",
		Limit:          3,
		SemanticRerank: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if stub.calls != 1 {
		t.Fatalf("reranker calls = %d, want 1", stub.calls)
	}
	if reranked[0].ID != lastID {
		t.Errorf("boosted chunk not promoted, top = %s", reranked[0].ID)
	}
	wantScore := reranked[0].Meta.BM25 + 5.0*rerankWeight
	if diff := reranked[0].Score - wantScore; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("merged score = %f, want %f", reranked[0].Score, wantScore)
	}
}

func TestSemanticRerankFailureKeepsOrder(t *testing.T) {
	indexer, store := newTestIndexer(t)
	ctx := context.Background()

	if _, err := store.SaveCurrentDraft(ctx, "V1C1", "守卫们在城墙上巡逻，谈论着北方战事的传闻，夜里的风声让他们警惕，不敢有半点松懈。"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.SaveCurrentDraft(ctx, "V1C2", "守卫队长独自巡逻城墙，想着北方战事里失去的兄弟，握紧长枪不语，直到东方泛起鱼肚白。"); err != nil {
		t.Fatal(err)
	}

	plain, err := indexer.Chunks().Search(ctx, ChunkSearchOptions{Query: "守卫 巡逻", Limit: 5})
	if err != nil {
		t.Fatal(err)
	}
	if len(plain) == 0 {
		t.Fatal("no bm25 hits, fixtures not indexed")
	}

	indexer.Chunks().WithReranker(&stubReranker{err: errors.New("model offline")})
	failed, err := indexer.Chunks().Search(ctx, ChunkSearchOptions{
		Query:          "守卫 巡逻",
		Limit:          5,
		SemanticRerank: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != len(plain) {
		t.Fatalf("hit count changed on rerank failure: %d vs %d", len(failed), len(plain))
	}
	for i := range plain {
		if failed[i].ID != plain[i].ID {
			t.Errorf("order changed at %d on rerank failure", i)
		}
	}
}

func TestTopSourcesDeduplicated(t *testing.T) {
	items := []domain.EvidenceItem{
		{Type: domain.EvidenceFact, Source: domain.EvidenceSource{Chapter: "V1C1", Path: "canon/facts.jsonl", Field: "F0001"}},
		{Type: domain.EvidenceFact, Source: domain.EvidenceSource{Chapter: "V1C1", Path: "canon/facts.jsonl", Field: "F0001"}},
		{Type: domain.EvidenceSummary, Source: domain.EvidenceSource{Chapter: "V1C2", Path: "summaries", Field: "brief_summary"}},
		{Type: domain.EvidenceTextChunk, Source: domain.EvidenceSource{Chapter: "V1C3", Path: "drafts/V1C3/final.md"}},
		{Type: domain.EvidenceCharacter, Source: domain.EvidenceSource{Card: "林远", Field: "description"}},
	}
	got := TopSources(items, 3, domain.EvidenceTextChunk)
	if len(got) != 3 {
		t.Fatalf("digests = %d, want 3", len(got))
	}
	if got[0].Type != domain.EvidenceFact || got[1].Type != domain.EvidenceSummary {
		t.Errorf("insertion order not preserved: %+v", got)
	}
	for _, d := range got {
		if d.Type == domain.EvidenceTextChunk {
			t.Error("excluded type leaked into digests")
		}
	}
}

func TestSearchStatsShape(t *testing.T) {
	indexer, store := newTestIndexer(t)
	ctx := context.Background()

	addFact(t, store, "Alice wears silver armor", "V1C1")
	result, err := indexer.Search(ctx, SearchOptions{
		Queries: []string{"Alice", "armor"},
		Limit:   5,
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Stats.Total != len(result.Items) {
		t.Errorf("stats total %d != items %d", result.Stats.Total, len(result.Items))
	}
	if len(result.Stats.Queries) != 2 {
		t.Errorf("stats queries = %v", result.Stats.Queries)
	}
	if result.Stats.Types[domain.EvidenceFact] == 0 {
		t.Error("stats missing fact type count")
	}
	if len(result.Stats.TopSources) > 3 {
		t.Errorf("top sources = %d, want at most 3", len(result.Stats.TopSources))
	}
}
