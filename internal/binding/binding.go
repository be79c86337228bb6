// Package binding resolves which characters, world entities and world rules
// appear in each chapter, from literal alias counts with a BM25 fallback.
package binding

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/dotcommander/wenshape/internal/chapter"
	"github.com/dotcommander/wenshape/internal/domain"
	"github.com/dotcommander/wenshape/internal/index"
	"github.com/dotcommander/wenshape/internal/storage"
)

const (
	// countScoreWeight converts literal occurrence counts into a score.
	countScoreWeight = 2.0

	// seedBonus rewards names carried over from the prior chapters.
	seedBonus = 0.8

	// snippetRadius is the context radius kept around each literal match.
	snippetRadius = 12

	// bm25Threshold gates fallback matches; generic single-character-heavy
	// names need the higher bar.
	bm25Threshold        = 0.9
	bm25GenericThreshold = 1.4

	// ruleBM25Threshold and ruleSubstringBonus gate world-rule matches.
	ruleBM25Threshold  = 1.0
	ruleSubstringBonus = 0.8

	// DefaultSeedWindow is how many prior chapters feed seeds.
	DefaultSeedWindow = 2

	maxExamples = 2
)

// genericNames never bind on their own and raise the fallback threshold.
var genericNames = map[string]bool{
	"世界": true, "规则": true, "系统": true, "设定": true, "其他": true,
	"未知": true, "主角": true, "所有人": true, "大家": true,
	"world": true, "rule": true, "system": true, "unknown": true,
}

var parentheticalAlias = regexp.MustCompile(`[（(]([^）)]+)[）)]`)

// Service computes and persists chapter bindings.
type Service struct {
	store   *storage.ProjectStore
	indexer *index.EvidenceIndexer
	logger  *slog.Logger
	cfg     index.ChunkerConfig
}

// NewService creates a binding service over store; candidate rules and
// entities come from indexer's cards index.
func NewService(store *storage.ProjectStore, indexer *index.EvidenceIndexer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   store,
		indexer: indexer,
		logger:  logger.With("component", "binding", "project", store.ProjectID()),
		cfg:     index.DefaultChunkerConfig(),
	}
}

// candidate is one name under consideration with its alias set.
type candidate struct {
	name    string
	aliases []string
	kind    string
	ruleID  string
	text    string
}

// match is a scored candidate emitted into the binding.
type match struct {
	candidate
	score          float64
	count          int
	matchedAliases []string
	examples       []string
}

// BuildChapter computes and persists the binding for one chapter. A chapter
// without any draft gets an empty binding.
func (s *Service) BuildChapter(ctx context.Context, ch string) (domain.ChapterBinding, error) {
	canon, err := chapter.Canonical(ch)
	if err != nil {
		return domain.ChapterBinding{}, fmt.Errorf("%w: chapter %q", storage.ErrValidation, ch)
	}

	binding := domain.ChapterBinding{Chapter: canon, BuiltAt: time.Now().UTC()}

	path, _, err := s.store.LatestDraftPath(canon)
	if err != nil || path == "" {
		if err := s.store.SaveBinding(ctx, binding); err != nil {
			return domain.ChapterBinding{}, err
		}
		return binding, nil
	}
	draft, err := s.store.LatestDraft(canon)
	if err != nil {
		return domain.ChapterBinding{}, fmt.Errorf("loading draft for %s: %w", canon, err)
	}
	rel := strings.TrimPrefix(strings.TrimPrefix(path, s.store.Root()), "/")
	binding.DraftPath = rel

	seeds, err := s.GetSeedEntities(ctx, canon, DefaultSeedWindow, false)
	if err != nil {
		s.logger.Warn("seed lookup failed", "chapter", canon, "error", err)
		seeds = nil
	}

	resolved, err := s.resolve(ctx, draft.Content, seeds)
	if err != nil {
		return domain.ChapterBinding{}, err
	}
	fillBinding(&binding, resolved)

	if err := s.store.SaveBinding(ctx, binding); err != nil {
		return domain.ChapterBinding{}, err
	}
	s.logger.Info("binding built", "chapter", canon,
		"characters", len(binding.Characters),
		"world_entities", len(binding.WorldEntities),
		"world_rules", len(binding.WorldRules))
	return binding, nil
}

// BuildAll rebuilds bindings for the given chapters, or every chapter when
// the list is empty. Chapters are processed in canonical order.
func (s *Service) BuildAll(ctx context.Context, chapters []string) ([]domain.ChapterBinding, error) {
	if len(chapters) == 0 {
		all, err := s.store.ListChapters()
		if err != nil {
			return nil, err
		}
		chapters = all
	} else {
		canon := make([]string, 0, len(chapters))
		for _, ch := range chapters {
			c, err := chapter.Canonical(ch)
			if err != nil {
				return nil, fmt.Errorf("%w: chapter %q", storage.ErrValidation, ch)
			}
			canon = append(canon, c)
		}
		chapters = chapter.Sort(canon)
	}

	out := make([]domain.ChapterBinding, 0, len(chapters))
	for _, ch := range chapters {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		b, err := s.BuildChapter(ctx, ch)
		if err != nil {
			return out, fmt.Errorf("binding %s: %w", ch, err)
		}
		out = append(out, b)
	}
	return out, nil
}

// GetSeedEntities unions the bindings of the window chapters preceding ch,
// deduped preserving order, nearest chapter first.
func (s *Service) GetSeedEntities(ctx context.Context, ch string, window int, includeWorldRules bool) ([]string, error) {
	canon, err := chapter.Canonical(ch)
	if err != nil {
		return nil, fmt.Errorf("%w: chapter %q", storage.ErrValidation, ch)
	}
	if window <= 0 {
		window = DefaultSeedWindow
	}
	all, err := s.store.ListChapters()
	if err != nil {
		return nil, err
	}
	pos := -1
	for i, c := range all {
		if c == canon {
			pos = i
			break
		}
	}
	if pos <= 0 {
		return nil, nil
	}

	var seeds []string
	seen := make(map[string]bool)
	add := func(names []string) {
		for _, n := range names {
			if n != "" && !seen[n] {
				seen[n] = true
				seeds = append(seeds, n)
			}
		}
	}
	for i := pos - 1; i >= 0 && pos-i <= window; i-- {
		b, err := s.store.GetBinding(all[i])
		if err != nil {
			continue
		}
		add(b.Characters)
		add(b.WorldEntities)
		if includeWorldRules {
			add(b.WorldRules)
		}
	}
	return seeds, nil
}

// ExtractEntitiesFromText runs the binding pipeline over a standalone text
// (a scene brief, a user message) without persisting anything.
func (s *Service) ExtractEntitiesFromText(ctx context.Context, text string) (characters, worldEntities []string, err error) {
	resolved, err := s.resolve(ctx, text, nil)
	if err != nil {
		return nil, nil, err
	}
	for _, m := range resolved {
		switch m.kind {
		case domain.EvidenceCharacter:
			characters = append(characters, m.name)
		case domain.EvidenceWorldEntity:
			worldEntities = append(worldEntities, m.name)
		}
	}
	return characters, worldEntities, nil
}

// resolve scores every candidate against text and returns the matches.
func (s *Service) resolve(ctx context.Context, text string, seeds []string) ([]match, error) {
	chunks := index.SplitChunks(text, s.cfg)
	if len(chunks) == 0 && strings.TrimSpace(text) != "" {
		// Short texts below the chunk minimum still get one synthetic chunk.
		chunks = []index.Chunk{{Text: strings.TrimSpace(text)}}
	}
	candidates, err := s.collectCandidates(ctx)
	if err != nil {
		return nil, err
	}

	seedSet := make(map[string]bool, len(seeds))
	for _, seed := range seeds {
		seedSet[seed] = true
	}

	var matches []match
	for _, cand := range candidates {
		var m match
		var ok bool
		if cand.kind == domain.EvidenceWorldRule {
			m, ok = s.scoreRule(cand, text, chunks)
		} else {
			m, ok = s.scoreName(cand, text, chunks)
		}
		if !ok {
			continue
		}
		if seedSet[m.name] {
			m.score += seedBonus
		}
		matches = append(matches, m)
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].score > matches[j].score })
	return matches, nil
}

// collectCandidates builds the candidate sets from character cards and the
// cards index.
func (s *Service) collectCandidates(ctx context.Context) ([]candidate, error) {
	var out []candidate

	names, err := s.store.ListCharacters()
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		card, cerr := s.store.GetCharacter(name)
		if cerr != nil {
			continue
		}
		aliases := expandAliases(card.Name, card.Aliases)
		if len(aliases) == 0 {
			continue
		}
		out = append(out, candidate{name: aliases[0], aliases: aliases, kind: domain.EvidenceCharacter})
	}

	if _, err := s.indexer.BuildCardsIndex(ctx, false); err != nil {
		return nil, err
	}
	items, err := s.store.ReadIndexItems(index.CardsIndexName)
	if err != nil {
		return nil, err
	}
	seenEntity := make(map[string]bool)
	for _, item := range items {
		switch item.Type {
		case domain.EvidenceWorldEntity:
			name := entityNameFromID(item.ID)
			if name == "" || seenEntity[name] {
				continue
			}
			seenEntity[name] = true
			aliases := expandAliases(name, item.Entities)
			if len(aliases) == 0 {
				continue
			}
			out = append(out, candidate{name: aliases[0], aliases: aliases, kind: domain.EvidenceWorldEntity})
		case domain.EvidenceWorldRule:
			out = append(out, candidate{
				name:   item.Source.Card,
				kind:   domain.EvidenceWorldRule,
				ruleID: item.ID,
				text:   item.Text,
			})
		}
	}
	return out, nil
}

// expandAliases builds the alias set: base name stripped of parentheticals,
// parenthetical aliases, and declared aliases. Names shorter than 2 runes or
// in the generic set are dropped.
func expandAliases(name string, declared []string) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(alias string) {
		alias = strings.TrimSpace(alias)
		if len([]rune(alias)) < 2 || genericNames[strings.ToLower(alias)] || seen[alias] {
			return
		}
		seen[alias] = true
		out = append(out, alias)
	}
	base := strings.TrimSpace(parentheticalAlias.ReplaceAllString(name, ""))
	add(base)
	for _, sub := range parentheticalAlias.FindAllStringSubmatch(name, -1) {
		for _, part := range strings.FieldsFunc(sub[1], func(r rune) bool { return r == '、' || r == ',' || r == '，' || r == '/' }) {
			add(part)
		}
	}
	for _, alias := range declared {
		add(alias)
	}
	return out
}

// scoreName scores a character or world-entity candidate against the text.
func (s *Service) scoreName(cand candidate, text string, chunks []index.Chunk) (match, bool) {
	m := match{candidate: cand}
	for _, alias := range cand.aliases {
		count, examples := literalOccurrences(text, alias)
		if count == 0 {
			continue
		}
		m.count += count
		m.matchedAliases = append(m.matchedAliases, alias)
		for _, ex := range examples {
			if len(m.examples) < maxExamples {
				m.examples = append(m.examples, ex)
			}
		}
	}
	if m.count > 0 {
		m.score = countScoreWeight * float64(m.count)
		return m, true
	}

	// Fallback: the best single chunk must carry enough of the name's terms
	// and clear the BM25 bar.
	score, example, hits := bestChunkScore(cand.aliases[0], chunks)
	if hits < minTermHits(cand.aliases[0]) {
		return match{}, false
	}
	threshold := bm25Threshold
	if genericNames[strings.ToLower(cand.aliases[0])] {
		threshold = bm25GenericThreshold
	}
	if score < threshold {
		return match{}, false
	}
	m.score = score
	m.matchedAliases = []string{cand.aliases[0]}
	if example != "" {
		m.examples = []string{example}
	}
	return m, true
}

// scoreRule scores a world-rule sentence: enough term overlap with the best
// chunk, BM25 above 1.0, plus a bonus when the sentence appears verbatim.
func (s *Service) scoreRule(cand candidate, text string, chunks []index.Chunk) (match, bool) {
	terms := index.Tokenize(cand.text)
	if len(terms) == 0 {
		return match{}, false
	}
	minOverlap := 2
	if len(terms) >= 6 {
		minOverlap = 3
	}
	score, example, hits := bestChunkScore(cand.text, chunks)
	if hits < minOverlap || score < ruleBM25Threshold {
		return match{}, false
	}
	if strings.Contains(text, strings.TrimSpace(cand.text)) {
		score += ruleSubstringBonus
	}
	m := match{candidate: cand, score: score}
	if example != "" {
		m.examples = []string{example}
	}
	return m, true
}

// minTermHits scales the fallback overlap requirement with name length.
func minTermHits(name string) int {
	switch n := len([]rune(name)); {
	case n <= 2:
		return 1
	case n <= 4:
		return 2
	default:
		return 3
	}
}

// bestChunkScore BM25-scores query against every chunk and returns the best
// score, a snippet of the winning chunk and how many query terms it carries.
func bestChunkScore(query string, chunks []index.Chunk) (float64, string, int) {
	terms := index.Tokenize(query)
	if len(terms) == 0 || len(chunks) == 0 {
		return 0, "", 0
	}
	n := len(chunks)
	freqs := make([]map[string]int, n)
	avgdl := 0.0
	for i, c := range chunks {
		freqs[i] = index.TermFreq(c.Text)
		avgdl += float64(index.DocLen(c.Text))
	}
	avgdl /= float64(n)
	df := make(map[string]int)
	for i := range chunks {
		for _, t := range terms {
			if freqs[i][t] > 0 {
				df[t]++
			}
		}
	}

	best, bestIdx := 0.0, -1
	for i, c := range chunks {
		score := index.BM25Score(freqs[i], terms, df, n, avgdl, float64(index.DocLen(c.Text)))
		if score > best {
			best = score
			bestIdx = i
		}
	}
	if bestIdx < 0 {
		return 0, "", 0
	}
	hits := 0
	for _, t := range terms {
		if freqs[bestIdx][t] > 0 {
			hits++
		}
	}
	return best, truncateSnippet(chunks[bestIdx].Text, 2*snippetRadius+4), hits
}

// literalOccurrences counts alias in text and collects short snippets around
// the first matches.
func literalOccurrences(text, alias string) (int, []string) {
	if alias == "" {
		return 0, nil
	}
	count := strings.Count(text, alias)
	if count == 0 {
		return 0, nil
	}
	runes := []rune(text)
	aliasRunes := []rune(alias)
	var examples []string
	for i := 0; i+len(aliasRunes) <= len(runes) && len(examples) < maxExamples; i++ {
		if string(runes[i:i+len(aliasRunes)]) != alias {
			continue
		}
		lo := i - snippetRadius
		if lo < 0 {
			lo = 0
		}
		hi := i + len(aliasRunes) + snippetRadius
		if hi > len(runes) {
			hi = len(runes)
		}
		examples = append(examples, strings.TrimSpace(string(runes[lo:hi])))
		i += len(aliasRunes) - 1
	}
	return count, examples
}

func truncateSnippet(s string, n int) string {
	runes := []rune(strings.TrimSpace(s))
	if len(runes) <= n {
		return string(runes)
	}
	return string(runes[:n])
}

// entityNameFromID strips the index prefix: world_entity:<name>:<n>.
func entityNameFromID(id string) string {
	parts := strings.Split(id, ":")
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

// fillBinding folds resolved matches into the binding record.
func fillBinding(b *domain.ChapterBinding, matches []match) {
	seenRule := make(map[string]bool)
	for _, m := range matches {
		src := domain.BindingSource{
			Entity:   m.name,
			Type:     m.kind,
			Count:    m.count,
			Score:    m.score,
			Examples: m.examples,
		}
		switch m.kind {
		case domain.EvidenceCharacter:
			b.Characters = append(b.Characters, m.name)
		case domain.EvidenceWorldEntity:
			b.WorldEntities = append(b.WorldEntities, m.name)
		case domain.EvidenceWorldRule:
			if seenRule[m.ruleID] {
				continue
			}
			seenRule[m.ruleID] = true
			src.Entity = m.ruleID
			b.WorldRules = append(b.WorldRules, m.ruleID)
		}
		b.Sources = append(b.Sources, src)
	}
}
