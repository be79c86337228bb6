// Package analysis turns finalized chapters into summaries, canon updates,
// card proposals and conflict reports.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dotcommander/wenshape/internal/agent"
	"github.com/dotcommander/wenshape/internal/binding"
	"github.com/dotcommander/wenshape/internal/chapter"
	"github.com/dotcommander/wenshape/internal/domain"
	"github.com/dotcommander/wenshape/internal/index"
	"github.com/dotcommander/wenshape/internal/storage"
	"github.com/dotcommander/wenshape/internal/trace"
)

// Canon extraction caps per chapter.
const (
	maxFactsPerChapter    = 5
	maxTimelinePerChapter = 5
)

// Pipeline runs the post-finalize analysis for one project.
type Pipeline struct {
	store     *storage.ProjectStore
	archivist *agent.Archivist
	binder    *binding.Service
	progress  *trace.ProgressBus
	logger    *slog.Logger
}

// NewPipeline wires the analysis pipeline.
func NewPipeline(store *storage.ProjectStore, archivist *agent.Archivist, binder *binding.Service, progress *trace.ProgressBus, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		store:     store,
		archivist: archivist,
		binder:    binder,
		progress:  progress,
		logger:    logger.With("component", "analysis", "project", store.ProjectID()),
	}
}

// ChapterAnalysis is the un-persisted product of analyzing one chapter.
type ChapterAnalysis struct {
	Chapter   string                  `json:"chapter"`
	Summary   domain.ChapterSummary   `json:"summary"`
	Facts     []domain.Fact           `json:"facts,omitempty"`
	Timeline  []domain.TimelineEvent  `json:"timeline,omitempty"`
	States    []domain.CharacterState `json:"states,omitempty"`
	Proposals []domain.CardProposal   `json:"proposals,omitempty"`
	Conflicts []domain.Conflict       `json:"conflicts,omitempty"`
}

// AnalyzeChapter produces summary, fact candidates, proposals and conflicts
// without writing anything.
func (p *Pipeline) AnalyzeChapter(ctx context.Context, ch string) (ChapterAnalysis, error) {
	canon, err := chapter.Canonical(ch)
	if err != nil {
		return ChapterAnalysis{}, fmt.Errorf("%w: chapter %q", storage.ErrValidation, ch)
	}
	draft, err := p.store.LatestDraft(canon)
	if err != nil {
		return ChapterAnalysis{}, fmt.Errorf("loading draft for analysis: %w", err)
	}

	summary, err := p.archivist.SummarizeChapter(ctx, canon, draft.Content)
	if err != nil {
		return ChapterAnalysis{}, fmt.Errorf("summarizing chapter: %w", err)
	}
	summary.Chapter = canon
	summary.VolumeID = chapter.ExtractVolume(canon)
	summary.WordCount = len([]rune(draft.Content))
	if summary.Title == "" {
		if brief, berr := p.store.GetSceneBrief(canon); berr == nil {
			summary.Title = brief.Title
		}
	}

	statements, err := p.archivist.ExtractFacts(ctx, canon, draft.Content, maxFactsPerChapter)
	if err != nil {
		p.logger.Warn("fact extraction failed", "chapter", canon, "error", err)
	}
	var facts []domain.Fact
	for _, st := range statements {
		facts = append(facts, domain.Fact{
			Statement:    st,
			Source:       canon,
			IntroducedIn: canon,
			Confidence:   0.6,
		})
	}
	summary.NewFacts = statements

	var characters []string
	if names, cerr := p.store.ListCharacters(); cerr == nil {
		characters = names
	}
	events, err := p.archivist.ExtractTimeline(ctx, canon, draft.Content, characters, maxTimelinePerChapter)
	if err != nil {
		p.logger.Warn("timeline extraction failed", "chapter", canon, "error", err)
	}
	states, err := p.archivist.ExtractCharacterStates(ctx, canon, draft.Content, characters)
	if err != nil {
		p.logger.Warn("state extraction failed", "chapter", canon, "error", err)
	}
	for _, st := range states {
		change := st.Character
		if st.Location != "" {
			change += "：" + st.Location
		}
		summary.CharacterStateChanges = append(summary.CharacterStateChanges, change)
	}

	known := p.knownCardNames()
	proposals := filterCharacterProposals(p.archivist.DetectProposals(draft.Content, known))

	conflicts, err := p.detectConflicts(canon, facts, events, states)
	if err != nil {
		p.logger.Warn("conflict detection failed", "chapter", canon, "error", err)
	}

	return ChapterAnalysis{
		Chapter:   canon,
		Summary:   summary,
		Facts:     facts,
		Timeline:  events,
		States:    states,
		Proposals: proposals,
		Conflicts: conflicts,
	}, nil
}

// SaveOptions control persistence of an analysis.
type SaveOptions struct {
	// Reanalyze drops the chapter's previously extracted facts first.
	Reanalyze bool
	// CreateCards persists World proposals as cards.
	CreateCards bool
	// RefreshVolume updates the volume summary; batch drivers defer this
	// to one refresh per touched volume.
	RefreshVolume bool
}

// SaveAnalysis persists an analysis product.
func (p *Pipeline) SaveAnalysis(ctx context.Context, a ChapterAnalysis, opts SaveOptions) error {
	if err := p.store.SaveChapterSummary(ctx, a.Summary); err != nil {
		return fmt.Errorf("saving summary: %w", err)
	}
	if opts.Reanalyze {
		if n, err := p.store.DeleteFactsByChapter(ctx, a.Chapter); err != nil {
			p.logger.Warn("dropping prior facts failed", "chapter", a.Chapter, "error", err)
		} else if n > 0 {
			p.logger.Info("dropped prior facts", "chapter", a.Chapter, "count", n)
		}
	}
	for _, fact := range a.Facts {
		if _, err := p.store.AddFact(ctx, fact); err != nil {
			return fmt.Errorf("persisting fact: %w", err)
		}
	}
	// Timeline is append-only; skip events already recorded for this chapter
	// so a re-analysis does not duplicate them.
	existing := make(map[string]bool)
	if prior, err := p.store.TimelineByChapter(a.Chapter); err == nil {
		for _, ev := range prior {
			existing[normalize(ev.Time)+"|"+normalize(ev.Event)] = true
		}
	}
	for _, ev := range a.Timeline {
		if existing[normalize(ev.Time)+"|"+normalize(ev.Event)] {
			continue
		}
		if err := p.store.AddTimelineEvent(ctx, ev); err != nil {
			return fmt.Errorf("persisting timeline event: %w", err)
		}
	}
	for _, st := range a.States {
		if err := p.store.AddCharacterState(ctx, st); err != nil {
			return fmt.Errorf("persisting character state: %w", err)
		}
	}
	if len(a.Conflicts) > 0 {
		report := domain.ConflictReport{
			Chapter:   a.Chapter,
			Conflicts: a.Conflicts,
			CreatedAt: time.Now().UTC(),
		}
		if err := p.store.SaveConflictReport(ctx, report); err != nil {
			return fmt.Errorf("persisting conflict report: %w", err)
		}
	}
	if opts.CreateCards {
		for _, prop := range a.Proposals {
			card := domain.WorldCard{
				Name:        prop.Name,
				Description: firstNonEmpty(prop.Description, prop.SourceText),
				Stars:       1,
			}
			if err := p.store.SaveWorldCard(ctx, card); err != nil {
				p.logger.Warn("creating card from proposal failed", "name", prop.Name, "error", err)
			}
		}
	}
	if opts.RefreshVolume {
		if vid := chapter.ExtractVolume(a.Chapter); vid != "" {
			if err := p.RefreshVolumeSummary(ctx, vid); err != nil {
				p.logger.Warn("volume summary refresh failed", "volume", vid, "error", err)
			}
		}
	}
	p.emit(a.Chapter, "分析结果已保存")
	return nil
}

// RefreshVolumeSummary rebuilds one volume's summary from its chapter
// summaries.
func (p *Pipeline) RefreshVolumeSummary(ctx context.Context, vid string) error {
	summaries, err := p.store.ListChapterSummaries()
	if err != nil {
		return fmt.Errorf("listing summaries: %w", err)
	}
	var briefs, events []string
	count := 0
	for _, s := range summaries {
		if s.VolumeID != vid {
			continue
		}
		count++
		if s.BriefSummary != "" {
			briefs = append(briefs, s.BriefSummary)
		}
		events = append(events, s.KeyEvents...)
	}
	if count == 0 {
		return nil
	}
	if len(events) > 12 {
		events = events[:12]
	}

	vs := domain.VolumeSummary{
		VolumeID:     vid,
		BriefSummary: truncateRunes(strings.Join(briefs, " "), 600),
		MajorEvents:  events,
		ChapterCount: count,
		UpdatedAt:    time.Now().UTC(),
	}
	if prior, err := p.store.GetVolumeSummary(vid); err == nil && !prior.CreatedAt.IsZero() {
		vs.CreatedAt = prior.CreatedAt
	} else {
		vs.CreatedAt = vs.UpdatedAt
	}
	return p.store.SaveVolumeSummary(ctx, vs)
}

// detectConflicts compares the newly extracted canon against what is already
// persisted, excluding prior entries from the same chapter.
func (p *Pipeline) detectConflicts(ch string, newFacts []domain.Fact, newEvents []domain.TimelineEvent, newStates []domain.CharacterState) ([]domain.Conflict, error) {
	var out []domain.Conflict

	existing, err := p.store.ListFacts()
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	for _, nf := range newFacts {
		for _, ef := range existing {
			if ef.Source == ch {
				continue
			}
			if conflict, detail := FactsConflict(ef.Statement, nf.Statement); conflict {
				out = append(out, domain.Conflict{
					Kind:     "fact",
					Existing: ef.Statement,
					Incoming: nf.Statement,
					Detail:   detail,
				})
			}
		}
	}

	timeline, err := p.store.ListTimeline()
	if err == nil {
		for _, ev := range newEvents {
			for _, prior := range timeline {
				if prior.Source == ch {
					continue
				}
				if TimelineConflict(prior, ev) {
					out = append(out, domain.Conflict{
						Kind:     "timeline",
						Existing: prior.Event,
						Incoming: ev.Event,
						Detail:   "同一时间、相同参与者，事件或地点不一致",
					})
				}
			}
		}
	}

	states, err := p.store.ListCharacterStates()
	if err == nil {
		latest := make(map[string]domain.CharacterState)
		for _, st := range states {
			if st.LastSeen != ch {
				latest[st.Character] = st
			}
		}
		for _, st := range newStates {
			if prev, ok := latest[st.Character]; ok && StateConflict(prev, st, ch) {
				out = append(out, domain.Conflict{
					Kind:     "state",
					Existing: fmt.Sprintf("%s 在 %s（%s）", prev.Character, prev.Location, prev.LastSeen),
					Incoming: fmt.Sprintf("%s 在 %s（%s）", st.Character, st.Location, st.LastSeen),
					Detail:   "相邻章节内人物位置跳变",
				})
			}
		}
	}

	return out, nil
}

// FactsConflict reports whether two statements likely contradict: heavy
// token overlap with disagreement on negation.
func FactsConflict(existing, incoming string) (bool, string) {
	ta := index.Tokenize(existing)
	tb := index.Tokenize(incoming)
	if len(ta) == 0 || len(tb) == 0 {
		return false, ""
	}
	set := make(map[string]bool, len(ta))
	for _, t := range ta {
		set[t] = true
	}
	overlap := 0
	for _, t := range tb {
		if set[t] {
			overlap++
		}
	}
	minLen := len(ta)
	if len(tb) < minLen {
		minLen = len(tb)
	}
	threshold := minLen / 3
	if threshold < 6 {
		threshold = 6
	}
	if overlap < threshold {
		return false, ""
	}
	if hasNegation(existing) == hasNegation(incoming) {
		return false, ""
	}
	return true, fmt.Sprintf("重叠词数 %d，否定词不一致", overlap)
}

var negationMarkers = []string{"不是", "没有", "不再", "并非", "不会", "从未"}

func hasNegation(s string) bool {
	for _, m := range negationMarkers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// TimelineConflict reports two events at the same normalized time with
// overlapping participants but a different event or location.
func TimelineConflict(a, b domain.TimelineEvent) bool {
	if normalize(a.Time) == "" || normalize(a.Time) != normalize(b.Time) {
		return false
	}
	if !participantsOverlap(a.Participants, b.Participants) {
		return false
	}
	return normalize(a.Event) != normalize(b.Event) || normalize(a.Location) != normalize(b.Location)
}

// StateConflict reports a location change between adjacent chapters.
func StateConflict(prev, next domain.CharacterState, ch string) bool {
	if prev.Location == "" || next.Location == "" || prev.Location == next.Location {
		return false
	}
	if prev.LastSeen == "" {
		return false
	}
	d, err := chapter.Distance(prev.LastSeen, ch, 15)
	if err != nil {
		return false
	}
	return d <= 1
}

func participantsOverlap(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if normalize(x) == normalize(y) {
				return true
			}
		}
	}
	return false
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// filterCharacterProposals drops Character-type proposals.
func filterCharacterProposals(in []domain.CardProposal) []domain.CardProposal {
	var out []domain.CardProposal
	for _, p := range in {
		if strings.EqualFold(p.Type, "Character") {
			continue
		}
		out = append(out, p)
	}
	return out
}

func (p *Pipeline) knownCardNames() map[string]bool {
	known := make(map[string]bool)
	if names, err := p.store.ListCharacters(); err == nil {
		for _, n := range names {
			known[n] = true
		}
	}
	if names, err := p.store.ListWorldCards(); err == nil {
		for _, n := range names {
			known[n] = true
		}
	}
	return known
}

func (p *Pipeline) emit(ch, note string) {
	if p.progress == nil {
		return
	}
	p.progress.Publish(trace.ProgressEvent{
		Type:      trace.ProgressAnalysis,
		ProjectID: p.store.ProjectID(),
		Chapter:   ch,
		Payload:   map[string]any{"note": note},
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}
