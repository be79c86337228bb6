package index

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/dotcommander/wenshape/internal/chapter"
	"github.com/dotcommander/wenshape/internal/domain"
	"github.com/dotcommander/wenshape/internal/storage"
)

// Index names as persisted under index/.
const (
	FactsIndexName     = "facts"
	SummariesIndexName = "summaries"
	CardsIndexName     = "cards"
	MemoryIndexName    = "memory"
)

// ruleMarkers flag sentences that read as world rules. Treated as
// configuration; the defaults cover the documented markers.
var ruleMarkers = []string{
	"必须", "禁止", "不得", "只能", "会导致", "不能", "不可", "将导致",
	"must", "cannot", "forbidden", "never",
}

// genericTerms are names too generic to count as entities.
var genericTerms = map[string]bool{
	"世界": true, "规则": true, "设定": true, "系统": true, "其他": true,
	"未知": true, "主角": true, "所有人": true,
	"world": true, "rule": true, "system": true, "unknown": true,
}

// Bonus constants applied on top of raw BM25.
const (
	substringBonus  = 0.8
	seedEntityBonus = 1.0
	seedTextBonus   = 0.5
	starsBonusStep  = 0.35
)

// EvidenceIndexer builds and queries the five evidence indices of one
// project. Builds are whole-file rewrites guarded by storage locks; a search
// racing a build sees the prior committed snapshot.
type EvidenceIndexer struct {
	store  *storage.ProjectStore
	chunks *TextChunkIndexer
	logger *slog.Logger
}

// NewEvidenceIndexer creates an indexer over store; chunk retrieval is
// delegated to chunks.
func NewEvidenceIndexer(store *storage.ProjectStore, chunks *TextChunkIndexer, logger *slog.Logger) *EvidenceIndexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &EvidenceIndexer{
		store:  store,
		chunks: chunks,
		logger: logger.With("component", "evidence_index", "project", store.ProjectID()),
	}
}

// Chunks exposes the delegated text-chunk indexer.
func (e *EvidenceIndexer) Chunks() *TextChunkIndexer { return e.chunks }

// BuildAll ensures all five indices exist and are fresh.
func (e *EvidenceIndexer) BuildAll(ctx context.Context, force bool) (map[string]domain.IndexMeta, error) {
	metas := make(map[string]domain.IndexMeta, 5)
	builders := []struct {
		name string
		fn   func(context.Context, bool) (domain.IndexMeta, error)
	}{
		{FactsIndexName, e.BuildFactsIndex},
		{SummariesIndexName, e.BuildSummariesIndex},
		{CardsIndexName, e.BuildCardsIndex},
		{MemoryIndexName, e.EnsureMemoryIndex},
		{TextChunksIndexName, e.chunks.Build},
	}
	for _, b := range builders {
		meta, err := b.fn(ctx, force)
		if err != nil {
			return metas, fmt.Errorf("building %s index: %w", b.name, err)
		}
		metas[b.name] = meta
	}
	return metas, nil
}

// BuildFactsIndex indexes canon/facts.jsonl, one item per fact, deduplicated
// on normalized statement text.
func (e *EvidenceIndexer) BuildFactsIndex(ctx context.Context, force bool) (domain.IndexMeta, error) {
	source := e.store.Layout().FactsPath()
	mtime := e.store.SourceMtime(source)
	if !force {
		if meta, err := e.store.ReadIndexMeta(FactsIndexName); err == nil && mtime <= meta.SourceMtime {
			return meta, nil
		}
	}
	facts, err := e.store.ListFacts()
	if err != nil {
		return domain.IndexMeta{}, err
	}
	var items []domain.EvidenceItem
	seen := make(map[string]bool)
	for _, f := range facts {
		norm := normalizeText(f.Statement)
		if norm == "" || seen[norm] {
			continue
		}
		seen[norm] = true
		items = append(items, domain.EvidenceItem{
			ID:     "fact:" + f.ID,
			Type:   domain.EvidenceFact,
			Text:   f.Statement,
			Source: domain.EvidenceSource{Chapter: f.Source, Path: "canon/facts.jsonl", Field: f.ID},
			Scope:  "global",
			Meta:   domain.EvidenceMeta{DocLen: DocLen(f.Statement)},
		})
	}
	meta := domain.IndexMeta{
		IndexName:   FactsIndexName,
		BuiltAt:     time.Now().UTC(),
		ItemCount:   len(items),
		SourceMtime: mtime,
	}
	if err := e.store.WriteIndex(ctx, FactsIndexName, items, meta); err != nil {
		return domain.IndexMeta{}, err
	}
	e.logger.Debug("facts index built", "items", len(items))
	return meta, nil
}

// BuildSummariesIndex indexes every chapter summary (brief, key events, open
// loops) and every volume brief.
func (e *EvidenceIndexer) BuildSummariesIndex(ctx context.Context, force bool) (domain.IndexMeta, error) {
	sources := []string{e.store.Layout().SummariesDir(), e.store.Layout().VolumesDir()}
	mtime := e.store.SourceMtime(sources...)
	if !force {
		if meta, err := e.store.ReadIndexMeta(SummariesIndexName); err == nil && mtime <= meta.SourceMtime {
			return meta, nil
		}
	}
	summaries, err := e.store.ListChapterSummaries()
	if err != nil {
		return domain.IndexMeta{}, err
	}
	var items []domain.EvidenceItem
	add := func(id, text, ch, field, scope string) {
		text = strings.TrimSpace(text)
		if text == "" {
			return
		}
		items = append(items, domain.EvidenceItem{
			ID:     id,
			Type:   domain.EvidenceSummary,
			Text:   text,
			Source: domain.EvidenceSource{Chapter: ch, Path: "summaries", Field: field},
			Scope:  scope,
			Meta:   domain.EvidenceMeta{DocLen: DocLen(text)},
		})
	}
	for _, s := range summaries {
		add(fmt.Sprintf("summary:%s:brief", s.Chapter), s.BriefSummary, s.Chapter, "brief_summary", "chapter")
		for i, ev := range s.KeyEvents {
			add(fmt.Sprintf("summary:%s:event:%d", s.Chapter, i), ev, s.Chapter, "key_events", "chapter")
		}
		for i, loop := range s.OpenLoops {
			add(fmt.Sprintf("summary:%s:loop:%d", s.Chapter, i), loop, s.Chapter, "open_loops", "chapter")
		}
	}
	volumes, err := e.store.ListVolumes(ctx)
	if err == nil {
		for _, v := range volumes {
			if vs, verr := e.store.GetVolumeSummary(v.ID); verr == nil {
				add(fmt.Sprintf("summary:%s:brief", v.ID), vs.BriefSummary, "", v.ID, "volume")
			}
		}
	}
	meta := domain.IndexMeta{
		IndexName:   SummariesIndexName,
		BuiltAt:     time.Now().UTC(),
		ItemCount:   len(items),
		SourceMtime: mtime,
	}
	if err := e.store.WriteIndex(ctx, SummariesIndexName, items, meta); err != nil {
		return domain.IndexMeta{}, err
	}
	e.logger.Debug("summaries index built", "items", len(items))
	return meta, nil
}

// characterFields lists the card fields split into indexable lines.
func characterFields(card domain.CharacterCard) map[string]string {
	fields := map[string]string{
		"description":    card.Description,
		"identity":       card.Identity,
		"appearance":     card.Appearance,
		"motivation":     card.Motivation,
		"personality":    card.Personality,
		"speech_pattern": card.SpeechPattern,
		"boundaries":     card.Boundaries,
		"arc":            card.Arc,
		"aliases":        strings.Join(card.Aliases, "、"),
	}
	if len(card.Relationships) > 0 {
		var parts []string
		for k, v := range card.Relationships {
			parts = append(parts, k+": "+v)
		}
		sort.Strings(parts)
		fields["relationships"] = strings.Join(parts, "；")
	}
	return fields
}

// BuildCardsIndex indexes character/world/style card fields as short lines
// plus derived world_rule and world_entity pseudo items.
func (e *EvidenceIndexer) BuildCardsIndex(ctx context.Context, force bool) (domain.IndexMeta, error) {
	layout := e.store.Layout()
	sources := []string{layout.CharacterCardsDir(), layout.WorldCardsDir(), layout.StyleCardPath()}
	mtime := e.store.SourceMtime(sources...)
	if !force {
		if meta, err := e.store.ReadIndexMeta(CardsIndexName); err == nil && mtime <= meta.SourceMtime {
			return meta, nil
		}
	}

	var items []domain.EvidenceItem
	addLines := func(idPrefix, typ, cardName, field, text string, stars int, entities []string) {
		for i, line := range splitShortLines(text) {
			items = append(items, domain.EvidenceItem{
				ID:       fmt.Sprintf("%s:%s:%s:%d", idPrefix, cardName, field, i),
				Type:     typ,
				Text:     line,
				Source:   domain.EvidenceSource{Card: cardName, Field: field},
				Scope:    "global",
				Entities: entities,
				Meta:     domain.EvidenceMeta{DocLen: DocLen(line), Stars: stars},
			})
		}
	}

	names, err := e.store.ListCharacters()
	if err != nil {
		return domain.IndexMeta{}, err
	}
	for _, name := range names {
		card, cerr := e.store.GetCharacter(name)
		if cerr != nil {
			e.logger.Warn("skipping unreadable character card", "name", name, "error", cerr)
			continue
		}
		entities := append([]string{card.Name}, card.Aliases...)
		for field, text := range characterFields(card) {
			addLines("character", domain.EvidenceCharacter, card.Name, field, text, card.Stars, entities)
		}
	}

	worldNames, err := e.store.ListWorldCards()
	if err != nil {
		return domain.IndexMeta{}, err
	}
	for _, name := range worldNames {
		card, cerr := e.store.GetWorldCard(name)
		if cerr != nil {
			e.logger.Warn("skipping unreadable world card", "name", name, "error", cerr)
			continue
		}
		entities := append([]string{card.Name}, card.Aliases...)
		addLines("world", domain.EvidenceWorld, card.Name, "description", card.Description, card.Stars, entities)
		addLines("world", domain.EvidenceWorld, card.Name, "category", card.Category, card.Stars, entities)
		addLines("world", domain.EvidenceWorld, card.Name, "immutable", card.Immutable, card.Stars, entities)

		ruleN := 0
		ruleSources := append([]string{}, card.Rules...)
		ruleSources = append(ruleSources, splitSentences(card.Description)...)
		for _, sentence := range ruleSources {
			if !looksLikeRule(sentence) {
				continue
			}
			items = append(items, domain.EvidenceItem{
				ID:       fmt.Sprintf("world_rule:%s:%d", card.Name, ruleN),
				Type:     domain.EvidenceWorldRule,
				Text:     strings.TrimSpace(sentence),
				Source:   domain.EvidenceSource{Card: card.Name, Field: "rules"},
				Scope:    "global",
				Entities: entities,
				Meta:     domain.EvidenceMeta{DocLen: DocLen(sentence), Stars: card.Stars},
			})
			ruleN++
		}

		if looksLikeEntity(card.Name) {
			text := card.Name
			if card.Category != "" {
				text = card.Name + "（" + card.Category + "）"
			}
			items = append(items, domain.EvidenceItem{
				ID:       fmt.Sprintf("world_entity:%s:0", card.Name),
				Type:     domain.EvidenceWorldEntity,
				Text:     text,
				Source:   domain.EvidenceSource{Card: card.Name, Field: "entity"},
				Scope:    "global",
				Entities: entities,
				Meta:     domain.EvidenceMeta{DocLen: DocLen(text), Stars: card.Stars},
			})
		}
	}

	if style, serr := e.store.GetStyleCard(); serr == nil && strings.TrimSpace(style.Style) != "" {
		items = append(items, domain.EvidenceItem{
			ID:     "style:0",
			Type:   domain.EvidenceStyle,
			Text:   style.Style,
			Source: domain.EvidenceSource{Card: "style", Field: "style"},
			Scope:  "global",
			Meta:   domain.EvidenceMeta{DocLen: DocLen(style.Style)},
		})
	}

	meta := domain.IndexMeta{
		IndexName:   CardsIndexName,
		BuiltAt:     time.Now().UTC(),
		ItemCount:   len(items),
		SourceMtime: mtime,
	}
	if err := e.store.WriteIndex(ctx, CardsIndexName, items, meta); err != nil {
		return domain.IndexMeta{}, err
	}
	e.logger.Debug("cards index built", "items", len(items))
	return meta, nil
}

// EnsureMemoryIndex creates the append-only memory index on first use. It is
// never rebuilt from source, only appended to.
func (e *EvidenceIndexer) EnsureMemoryIndex(ctx context.Context, _ bool) (domain.IndexMeta, error) {
	if meta, err := e.store.ReadIndexMeta(MemoryIndexName); err == nil {
		return meta, nil
	}
	meta := domain.IndexMeta{
		IndexName: MemoryIndexName,
		BuiltAt:   time.Now().UTC(),
	}
	if err := e.store.WriteIndex(ctx, MemoryIndexName, nil, meta); err != nil {
		return domain.IndexMeta{}, err
	}
	return meta, nil
}

// AppendMemoryItems appends to the memory index and refreshes its counters.
func (e *EvidenceIndexer) AppendMemoryItems(ctx context.Context, items []domain.EvidenceItem) error {
	if len(items) == 0 {
		return nil
	}
	if _, err := e.EnsureMemoryIndex(ctx, false); err != nil {
		return err
	}
	for i := range items {
		if items[i].Type == "" {
			items[i].Type = domain.EvidenceMemory
		}
		if items[i].Meta.DocLen == 0 {
			items[i].Meta.DocLen = DocLen(items[i].Text)
		}
	}
	return e.store.AppendIndexItems(ctx, MemoryIndexName, items)
}

// SearchOptions parameterizes a ranked evidence search.
type SearchOptions struct {
	Queries        []string
	Types          []string
	Limit          int
	Seeds          []string
	Quotas         map[string]Quota
	Chapters       []string
	ExcludeTexts   []string
	SemanticRerank bool
	RerankQuery    string
}

// SearchStats summarizes one search for tracing and the research loop.
type SearchStats struct {
	Total       int                   `json:"total"`
	Types       map[string]int        `json:"types"`
	Queries     []string              `json:"queries"`
	Hits        int                   `json:"hits"`
	TopSources  []domain.SourceDigest `json:"top_sources,omitempty"`
	RerankQuery string                `json:"rerank_query,omitempty"`
}

// SearchResult is the ranked, quota-selected evidence for a request.
type SearchResult struct {
	Items []domain.EvidenceItem `json:"items"`
	Stats SearchStats           `json:"stats"`
}

// Search unions the query term sets, BM25-scores all items of the requested
// types, applies substring/seed/stars bonuses, folds in text-chunk hits, and
// selects under per-type quotas.
func (e *EvidenceIndexer) Search(ctx context.Context, opts SearchOptions) (SearchResult, error) {
	if len(opts.Queries) == 0 {
		return SearchResult{Stats: SearchStats{Types: map[string]int{}}}, nil
	}
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	quotas := opts.Quotas
	if quotas == nil {
		quotas = DefaultQuotas()
	}

	if _, err := e.BuildAll(ctx, false); err != nil {
		return SearchResult{}, err
	}

	wantType := func(t string) bool {
		if len(opts.Types) == 0 {
			return true
		}
		for _, w := range opts.Types {
			if w == t {
				return true
			}
		}
		return false
	}

	var pool []domain.EvidenceItem
	for _, name := range []string{FactsIndexName, SummariesIndexName, CardsIndexName, MemoryIndexName} {
		items, err := e.store.ReadIndexItems(name)
		if err != nil {
			return SearchResult{}, err
		}
		for _, item := range items {
			if wantType(item.Type) {
				pool = append(pool, item)
			}
		}
	}

	terms := TokenizeAll(opts.Queries)
	scored := e.scorePool(pool, terms, opts)

	// Text-chunk hits come from the delegated indexer with the space-joined
	// query; their scores are inserted as-is.
	if wantType(domain.EvidenceTextChunk) {
		chunkLimit := quotas[domain.EvidenceTextChunk].Max
		if chunkLimit <= 0 {
			chunkLimit = 8
		}
		joined := strings.Join(opts.Queries, " ")
		chunkHits, err := e.chunks.Search(ctx, ChunkSearchOptions{
			Query:          joined,
			Queries:        opts.Queries,
			Limit:          chunkLimit,
			Chapters:       opts.Chapters,
			SemanticRerank: opts.SemanticRerank,
			RerankQuery:    opts.RerankQuery,
		})
		if err != nil {
			e.logger.Warn("text chunk search failed", "error", err)
		} else {
			scored = append(scored, chunkHits...)
		}
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	hits := len(scored)
	selected := ApplyTypeQuotas(scored, quotas, opts.Limit)

	stats := SearchStats{
		Total:       len(selected),
		Types:       make(map[string]int),
		Queries:     opts.Queries,
		Hits:        hits,
		RerankQuery: opts.RerankQuery,
	}
	for _, item := range selected {
		stats.Types[item.Type]++
	}
	stats.TopSources = TopSources(selected, 3, "")
	return SearchResult{Items: selected, Stats: stats}, nil
}

// scorePool BM25-scores pool items against terms, drops non-positive scores,
// then applies the bonus ladder.
func (e *EvidenceIndexer) scorePool(pool []domain.EvidenceItem, terms []string, opts SearchOptions) []domain.EvidenceItem {
	if len(pool) == 0 || len(terms) == 0 {
		return nil
	}
	n := len(pool)
	avgdl := 0.0
	freqs := make([]map[string]int, n)
	for i, item := range pool {
		freqs[i] = TermFreq(item.Text)
		dl := item.Meta.DocLen
		if dl == 0 {
			dl = DocLen(item.Text)
			pool[i].Meta.DocLen = dl
		}
		avgdl += float64(dl)
	}
	avgdl /= float64(n)

	df := make(map[string]int)
	for i := range pool {
		for _, t := range terms {
			if freqs[i][t] > 0 {
				df[t]++
			}
		}
	}

	var scored []domain.EvidenceItem
	for i, item := range pool {
		score := BM25Score(freqs[i], terms, df, n, avgdl, float64(item.Meta.DocLen))
		if score <= 0 {
			continue
		}
		for _, q := range opts.Queries {
			if q != "" && strings.Contains(item.Text, q) {
				score += substringBonus
				break
			}
		}
		score += seedBonus(item, opts.Seeds)
		if item.Meta.Stars > 1 {
			score += float64(item.Meta.Stars-1) * starsBonusStep
		}
		item.Score = score
		item.Meta.BM25 = score
		scored = append(scored, item)
	}
	return scored
}

// seedBonus prefers items tied to seed entities: +1.0 on an entity-list
// match, else +0.5 on a text substring match.
func seedBonus(item domain.EvidenceItem, seeds []string) float64 {
	for _, seed := range seeds {
		for _, ent := range item.Entities {
			if ent == seed {
				return seedEntityBonus
			}
		}
	}
	for _, seed := range seeds {
		if seed != "" && strings.Contains(item.Text, seed) {
			return seedTextBonus
		}
	}
	return 0
}

// TopSources digests the first limit distinct sources of items, optionally
// excluding one type. Ties keep stable insertion order.
func TopSources(items []domain.EvidenceItem, limit int, excludeType string) []domain.SourceDigest {
	var out []domain.SourceDigest
	seen := make(map[string]bool)
	for _, item := range items {
		if excludeType != "" && item.Type == excludeType {
			continue
		}
		d := domain.SourceDigest{
			Type:    item.Type,
			Chapter: item.Source.Chapter,
			Path:    item.Source.Path,
			Field:   item.Source.Field,
		}
		key := d.Type + "|" + d.Chapter + "|" + d.Path + "|" + d.Field
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, d)
		if len(out) >= limit {
			break
		}
	}
	return out
}

// splitShortLines breaks a card field into short indexable lines.
func splitShortLines(text string) []string {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		for _, sentence := range splitSentences(line) {
			sentence = strings.TrimSpace(sentence)
			if sentence != "" {
				lines = append(lines, sentence)
			}
		}
	}
	return lines
}

// splitSentences splits on CJK and ASCII sentence terminators.
func splitSentences(text string) []string {
	var out []string
	var cur []rune
	for _, r := range text {
		cur = append(cur, r)
		switch r {
		case '。', '！', '？', '；', '.', '!', '?', ';':
			s := strings.TrimSpace(string(cur))
			if s != "" {
				out = append(out, s)
			}
			cur = cur[:0]
		}
	}
	if s := strings.TrimSpace(string(cur)); s != "" {
		out = append(out, s)
	}
	return out
}

func looksLikeRule(sentence string) bool {
	for _, marker := range ruleMarkers {
		if strings.Contains(strings.ToLower(sentence), marker) {
			return true
		}
	}
	return false
}

// looksLikeEntity requires length >= 2 runes, not all digits and not a
// generic term.
func looksLikeEntity(name string) bool {
	trimmed := strings.TrimSpace(name)
	runes := []rune(trimmed)
	if len(runes) < 2 {
		return false
	}
	allDigit := true
	for _, r := range runes {
		if !unicode.IsDigit(r) {
			allDigit = false
			break
		}
	}
	if allDigit {
		return false
	}
	return !genericTerms[strings.ToLower(trimmed)]
}

func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// IndexNameForChapterScope lists indices touched when a chapter changes.
// Used by the staleness watcher.
func IndexNameForChapterScope() []string {
	return []string{SummariesIndexName, TextChunksIndexName}
}

// CanonicalChapterOrZero resolves ch or returns "" for invalid input.
func CanonicalChapterOrZero(ch string) string {
	canon, err := chapter.Canonical(ch)
	if err != nil {
		return ""
	}
	return canon
}
