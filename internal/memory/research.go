package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dotcommander/wenshape/internal/agent"
	"github.com/dotcommander/wenshape/internal/binding"
	"github.com/dotcommander/wenshape/internal/domain"
	"github.com/dotcommander/wenshape/internal/index"
	"github.com/dotcommander/wenshape/internal/storage"
	"github.com/dotcommander/wenshape/internal/trace"
)

// Research stop reasons.
const (
	StopSufficient   = "sufficient"
	StopMaxRounds    = "max_rounds"
	StopNoQueries    = "no_queries"
	StopOfflineStop  = "offline_stop"
	StopEmptyPayload = "empty_payload"
	StopUnknown      = "unknown"
)

// DefaultMaxResearchRounds bounds the loop.
const DefaultMaxResearchRounds = 5

const maxMentionCandidates = 12

// ResearchLoop iterates plan → retrieve → sufficiency-check until the
// evidence supports writing or a bound is hit.
type ResearchLoop struct {
	store     *storage.ProjectStore
	wm        *WorkingMemoryService
	binder    *binding.Service
	writer    *agent.Writer
	progress  *trace.ProgressBus
	logger    *slog.Logger
	maxRounds int
}

// NewResearchLoop wires the loop for one project.
func NewResearchLoop(store *storage.ProjectStore, wm *WorkingMemoryService, binder *binding.Service, writer *agent.Writer, progress *trace.ProgressBus, logger *slog.Logger) *ResearchLoop {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResearchLoop{
		store:     store,
		wm:        wm,
		binder:    binder,
		writer:    writer,
		progress:  progress,
		logger:    logger.With("component", "research_loop", "project", store.ProjectID()),
		maxRounds: DefaultMaxResearchRounds,
	}
}

// WithMaxRounds overrides the round cap.
func (l *ResearchLoop) WithMaxRounds(n int) *ResearchLoop {
	if n > 0 {
		l.maxRounds = n
	}
	return l
}

// Run executes the research loop for one chapter and returns the final
// payload with trace and stop reason attached.
func (l *ResearchLoop) Run(ctx context.Context, ch string, brief *domain.SceneBrief, goal string, userAnswers []domain.Question) (domain.MemoryPackPayload, error) {
	offline := l.writer.Offline()
	seeds := l.collectSeeds(ctx, brief, goal)

	var payload domain.MemoryPackPayload
	var researchTrace []domain.ResearchTraceEntry
	var extraQueries []string
	stopReason := StopUnknown
	stopNote := ""

	for round := 1; round <= l.maxRounds; round++ {
		if err := ctx.Err(); err != nil {
			return domain.MemoryPackPayload{}, err
		}

		if round == 1 {
			gaps := l.wm.BuildGapItems(brief, goal)
			plan, err := l.writer.GenerateResearchPlan(ctx, goal, gaps, map[string]int{}, round)
			if err != nil {
				l.logger.Warn("research plan failed, continuing with gap queries", "round", round, "error", err)
				for _, gap := range gaps {
					plan.Queries = append(plan.Queries, gap.Queries...)
				}
				plan.Queries = dedupLimit(plan.Queries, 8)
			}
			extraQueries = plan.Queries
			l.emit(trace.ProgressEvent{
				Type:    trace.ProgressGeneratePlan,
				Chapter: ch,
				Round:   round,
				Queries: plan.Queries,
				Payload: map[string]any{"note": plan.Note},
			})
		}

		l.emit(trace.ProgressEvent{
			Type:    trace.ProgressPrepare,
			Chapter: ch,
			Round:   round,
			Payload: map[string]any{"note": fmt.Sprintf("第%d轮检索准备，候选种子 %d 个", round, len(seeds))},
		})

		roundPayload, stats, err := l.wm.Prepare(ctx, PrepareOptions{
			Chapter:        ch,
			Brief:          brief,
			Goal:           goal,
			UserAnswers:    userAnswers,
			ExtraQueries:   extraQueries,
			Seeds:          seeds,
			SemanticRerank: !offline,
		})
		if err != nil {
			return payload, fmt.Errorf("research round %d: %w", round, err)
		}
		for i := range roundPayload.RetrievalRequests {
			roundPayload.RetrievalRequests[i].Round = round
		}
		payload = roundPayload

		topSources := index.TopSources(roundPayload.EvidencePack, 3, domain.EvidenceMemory)
		l.emit(trace.ProgressEvent{
			Type:    trace.ProgressExecute,
			Chapter: ch,
			Round:   round,
			Queries: stats.Queries,
			Hits:    stats.Hits,
		})

		entry := domain.ResearchTraceEntry{
			Round:        round,
			Queries:      stats.Queries,
			Types:        statTypes(stats),
			Count:        len(roundPayload.EvidencePack),
			Hits:         stats.Hits,
			TopSources:   topSources,
			ExtraQueries: extraQueries,
		}
		researchTrace = append(researchTrace, entry)

		report := roundPayload.SufficiencyReport
		switch {
		case report != nil && report.Sufficient:
			stopReason, stopNote = StopSufficient, "证据充分，提前结束研究"
		case round == l.maxRounds:
			stopReason, stopNote = StopMaxRounds, "达到最大检索轮数"
		case offline:
			stopReason, stopNote = StopOfflineStop, "离线模式，单轮检索后结束"
		default:
			l.emit(trace.ProgressEvent{
				Type:    trace.ProgressSelfCheck,
				Chapter: ch,
				Round:   round,
				Payload: map[string]any{"note": "证据不足，继续检索"},
			})
			plan, perr := l.writer.GenerateResearchPlan(ctx, goal, roundPayload.UnresolvedGaps, planStats(stats), round+1)
			if perr != nil {
				l.logger.Warn("follow-up plan failed", "round", round, "error", perr)
				stopReason, stopNote = StopNoQueries, "无法生成新的检索词"
			} else if len(plan.Queries) == 0 {
				stopReason, stopNote = StopNoQueries, "无新的检索词，结束研究"
			} else {
				extraQueries = plan.Queries
				continue
			}
		}
		break
	}

	if payload.IsEmpty() {
		stopReason = StopEmptyPayload
		stopNote = "检索未产出任何证据"
	}
	if len(researchTrace) > 0 {
		last := &researchTrace[len(researchTrace)-1]
		last.StopReason = stopReason
		last.Note = stopNote
	}

	payload.ResearchTrace = researchTrace
	payload.ResearchStopReason = stopReason
	payload.Questions = nil
	if stopReason == StopMaxRounds && payload.SufficiencyReport != nil && payload.SufficiencyReport.NeedsUserInput {
		payload.Questions = gapQuestions(payload.UnresolvedGaps, payload.SufficiencyReport.MissingEntities)
	}

	l.logger.Info("research loop finished",
		"chapter", ch,
		"rounds", len(researchTrace),
		"stop_reason", stopReason,
		"evidence", len(payload.EvidencePack))
	return payload, nil
}

// collectSeeds walks the mention candidates and probes card storage. Both
// hits and misses become retrieval seeds; neither is asserted as present in
// the chapter.
func (l *ResearchLoop) collectSeeds(ctx context.Context, brief *domain.SceneBrief, goal string) []string {
	var candidates []string
	if l.binder != nil {
		characters, _, err := l.binder.ExtractEntitiesFromText(ctx, goal)
		if err != nil {
			l.logger.Debug("entity extraction from goal failed", "error", err)
		} else {
			candidates = append(candidates, characters...)
		}
	}
	if brief != nil {
		briefChars := brief.Characters
		if len(briefChars) > 3 {
			briefChars = briefChars[:3]
		}
		for _, c := range briefChars {
			candidates = append(candidates, c.Name)
		}
	}
	candidates = append(candidates, binding.ExtractLooseMentions(goal, 20)...)
	candidates = dedupLimit(candidates, maxMentionCandidates)

	var cardHits, missingCards []string
	for _, name := range candidates {
		if _, err := l.store.GetCharacter(name); err == nil {
			cardHits = append(cardHits, name)
			continue
		} else if !errors.Is(err, storage.ErrNotFound) {
			l.logger.Debug("character probe failed", "name", name, "error", err)
		}
		if _, err := l.store.GetWorldCard(name); err == nil {
			cardHits = append(cardHits, name)
		} else {
			missingCards = append(missingCards, name)
		}
	}
	return append(cardHits, missingCards...)
}

func planStats(stats index.SearchStats) map[string]int {
	out := make(map[string]int, len(stats.Types)+1)
	for typ, n := range stats.Types {
		out[typ] = n
	}
	out["hits"] = stats.Hits
	return out
}

func gapQuestions(gaps []domain.GapItem, missing []string) []domain.Question {
	var out []domain.Question
	for _, gap := range gaps {
		out = append(out, domain.Question{
			Type:     "gap",
			Key:      gap.Text,
			Question: "以下信息未在资料中找到，请补充：" + gap.Text,
		})
	}
	for _, name := range missing {
		out = append(out, domain.Question{
			Type:     "missing_entity",
			Key:      name,
			Question: fmt.Sprintf("「%s」没有对应的设定卡，是否需要先建立？", name),
		})
	}
	return out
}

func (l *ResearchLoop) emit(event trace.ProgressEvent) {
	if l.progress == nil {
		return
	}
	event.ProjectID = l.store.ProjectID()
	l.progress.Publish(event)
}
