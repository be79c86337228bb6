// Package memory builds the per-chapter research product: working memory,
// evidence pack, gap tracking, the research loop and the cached memory pack.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/dotcommander/wenshape/internal/binding"
	"github.com/dotcommander/wenshape/internal/domain"
	"github.com/dotcommander/wenshape/internal/index"
	"github.com/dotcommander/wenshape/internal/storage"
)

const (
	defaultEvidenceLimit = 24
	maxPrepareQueries    = 12
	// sufficientHits is the evidence floor below which a round is never
	// judged sufficient.
	sufficientHits = 6
)

// WorkingMemoryService turns a scene brief and goal into gap items and a
// retrieval-backed memory pack payload.
type WorkingMemoryService struct {
	store   *storage.ProjectStore
	indexer *index.EvidenceIndexer
	logger  *slog.Logger
}

// NewWorkingMemoryService wires the service to one project.
func NewWorkingMemoryService(store *storage.ProjectStore, indexer *index.EvidenceIndexer, logger *slog.Logger) *WorkingMemoryService {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkingMemoryService{
		store:   store,
		indexer: indexer,
		logger:  logger.With("component", "working_memory", "project", store.ProjectID()),
	}
}

// BuildGapItems derives the initial information gaps from the brief and the
// writing goal. Deterministic; no model involved.
func (w *WorkingMemoryService) BuildGapItems(brief *domain.SceneBrief, goal string) []domain.GapItem {
	var gaps []domain.GapItem
	goal = strings.TrimSpace(goal)
	if goal != "" {
		queries := append([]string{goal}, binding.ExtractLooseMentions(goal, 4)...)
		gaps = append(gaps, domain.GapItem{
			Text:    "写作目标的支撑证据：" + goal,
			Queries: dedupLimit(queries, 5),
		})
	}
	if brief != nil {
		for _, ch := range brief.Characters {
			if strings.TrimSpace(ch.Name) == "" {
				continue
			}
			if strings.TrimSpace(ch.RelevantTraits) != "" {
				continue
			}
			gaps = append(gaps, domain.GapItem{
				Text:    fmt.Sprintf("人物「%s」的设定与近期状态", ch.Name),
				Queries: []string{ch.Name},
			})
		}
		for _, constraint := range brief.WorldConstraints {
			constraint = strings.TrimSpace(constraint)
			if constraint == "" {
				continue
			}
			gaps = append(gaps, domain.GapItem{
				Text:    "世界约束的出处：" + constraint,
				Queries: []string{constraint},
			})
		}
		if len(brief.Facts) == 0 && goal != "" {
			gaps = append(gaps, domain.GapItem{
				Text:    "本章可依赖的既定事实",
				Queries: []string{goal},
			})
		}
	}
	return gaps
}

// PrepareOptions parameterize one retrieval round.
type PrepareOptions struct {
	Chapter        string
	Brief          *domain.SceneBrief
	Goal           string
	UserAnswers    []domain.Question
	ExtraQueries   []string
	Seeds          []string
	SemanticRerank bool
}

// Prepare runs one retrieval round and assembles the payload fields the
// memory pack carries.
func (w *WorkingMemoryService) Prepare(ctx context.Context, opts PrepareOptions) (domain.MemoryPackPayload, index.SearchStats, error) {
	gaps := w.BuildGapItems(opts.Brief, opts.Goal)

	var queries []string
	if g := strings.TrimSpace(opts.Goal); g != "" {
		queries = append(queries, g)
	}
	for _, gap := range gaps {
		queries = append(queries, gap.Queries...)
	}
	queries = append(queries, opts.ExtraQueries...)
	for _, ans := range opts.UserAnswers {
		if a := strings.TrimSpace(ans.Answer); a != "" {
			queries = append(queries, a)
		}
	}
	queries = dedupLimit(queries, maxPrepareQueries)

	result, err := w.indexer.Search(ctx, index.SearchOptions{
		Queries:        queries,
		Limit:          defaultEvidenceLimit,
		Seeds:          opts.Seeds,
		SemanticRerank: opts.SemanticRerank,
		RerankQuery:    opts.Goal,
	})
	if err != nil {
		return domain.MemoryPackPayload{}, index.SearchStats{}, fmt.Errorf("retrieving evidence: %w", err)
	}

	unresolved := unresolvedGaps(gaps, result.Items)
	report := w.judgeSufficiency(result, gaps, unresolved, opts.Seeds)

	payload := domain.MemoryPackPayload{
		WorkingMemory:  renderWorkingMemory(opts.Goal, result.Items),
		EvidencePack:   result.Items,
		Gaps:           gaps,
		UnresolvedGaps: unresolved,
		SeedEntities:   opts.Seeds,
		RetrievalRequests: []domain.RetrievalRequest{{
			Queries: queries,
			Types:   statTypes(result.Stats),
			Reason:  "章节写作前的证据检索",
		}},
		SufficiencyReport: &report,
	}
	w.logger.Debug("retrieval round prepared",
		"chapter", opts.Chapter,
		"queries", len(queries),
		"hits", result.Stats.Hits,
		"unresolved_gaps", len(unresolved),
		"sufficient", report.Sufficient)
	return payload, result.Stats, nil
}

// unresolvedGaps keeps gaps whose query terms never appear in the retrieved
// evidence.
func unresolvedGaps(gaps []domain.GapItem, items []domain.EvidenceItem) []domain.GapItem {
	var evidenceTerms map[string]bool
	var out []domain.GapItem
	for _, gap := range gaps {
		if evidenceTerms == nil {
			evidenceTerms = make(map[string]bool)
			for _, item := range items {
				for _, term := range index.Tokenize(item.Text) {
					evidenceTerms[term] = true
				}
			}
		}
		resolved := false
		for _, q := range gap.Queries {
			for _, term := range index.Tokenize(q) {
				if evidenceTerms[term] {
					resolved = true
					break
				}
			}
			if resolved {
				break
			}
		}
		if !resolved {
			out = append(out, gap)
		}
	}
	return out
}

func (w *WorkingMemoryService) judgeSufficiency(result index.SearchResult, gaps, unresolved []domain.GapItem, seeds []string) domain.SufficiencyReport {
	missing := missingEntities(seeds, result.Items)

	score := 0.0
	if result.Stats.Hits > 0 {
		score = float64(result.Stats.Hits) / float64(defaultEvidenceLimit)
		if score > 1 {
			score = 1
		}
	}
	if len(gaps) > 0 {
		resolvedRatio := float64(len(gaps)-len(unresolved)) / float64(len(gaps))
		score = score*0.7 + resolvedRatio*0.3
	}

	report := domain.SufficiencyReport{
		Score:           score,
		MissingEntities: missing,
		Sufficient:      result.Stats.Hits >= sufficientHits && len(unresolved) == 0,
		NeedsUserInput:  len(missing) > 0 || (len(unresolved) > 0 && result.Stats.Hits == 0),
	}
	if report.Sufficient {
		report.Note = "证据覆盖所有信息缺口"
	} else if len(unresolved) > 0 {
		report.Note = fmt.Sprintf("%d 个信息缺口未解决", len(unresolved))
	} else {
		report.Note = "证据数量不足"
	}
	return report
}

// missingEntities lists seeds that never show up in the evidence.
func missingEntities(seeds []string, items []domain.EvidenceItem) []string {
	var out []string
	for _, seed := range seeds {
		seed = strings.TrimSpace(seed)
		if seed == "" {
			continue
		}
		found := false
		for _, item := range items {
			if strings.Contains(item.Text, seed) {
				found = true
				break
			}
			for _, ent := range item.Entities {
				if ent == seed {
					found = true
					break
				}
			}
			if found {
				break
			}
		}
		if !found {
			out = append(out, seed)
		}
	}
	return out
}

// renderWorkingMemory flattens the evidence into the prose block agents
// receive, grouped by evidence type.
func renderWorkingMemory(goal string, items []domain.EvidenceItem) string {
	if len(items) == 0 {
		return ""
	}
	byType := make(map[string][]domain.EvidenceItem)
	var order []string
	for _, item := range items {
		if _, ok := byType[item.Type]; !ok {
			order = append(order, item.Type)
		}
		byType[item.Type] = append(byType[item.Type], item)
	}

	var sb strings.Builder
	if g := strings.TrimSpace(goal); g != "" {
		sb.WriteString("写作目标：" + g + "\n\n")
	}
	for _, typ := range order {
		sb.WriteString(typeHeading(typ) + "\n")
		for _, item := range byType[typ] {
			sb.WriteString("- " + truncateRunes(item.Text, 160) + "\n")
		}
		sb.WriteString("\n")
	}
	return strings.TrimSpace(sb.String())
}

func typeHeading(typ string) string {
	switch typ {
	case domain.EvidenceFact:
		return "【既定事实】"
	case domain.EvidenceSummary:
		return "【章节摘要】"
	case domain.EvidenceCharacter:
		return "【人物设定】"
	case domain.EvidenceWorldRule:
		return "【世界规则】"
	case domain.EvidenceWorldEntity, domain.EvidenceWorld:
		return "【世界设定】"
	case domain.EvidenceStyle:
		return "【文风】"
	case domain.EvidenceTextChunk:
		return "【正文片段】"
	case domain.EvidenceMemory:
		return "【记忆】"
	}
	return "【" + typ + "】"
}

func statTypes(stats index.SearchStats) []string {
	out := make([]string, 0, len(stats.Types))
	for typ := range stats.Types {
		out = append(out, typ)
	}
	sort.Strings(out)
	return out
}

func dedupLimit(in []string, limit int) []string {
	var out []string
	seen := make(map[string]bool)
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}
