package analysis

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/dotcommander/wenshape/internal/chapter"
)

// bindingRebuildConcurrency bounds the parallel binding rebuild stage.
const bindingRebuildConcurrency = 4

// BatchResult reports one batch-sync run.
type BatchResult struct {
	Chapters []string `json:"chapters"`
	Analyzed int      `json:"analyzed"`
	Failed   []string `json:"failed,omitempty"`
	Volumes  []string `json:"volumes,omitempty"`
}

// BatchSync analyzes chapters in canonical order, persists each analysis,
// rebuilds bindings, then refreshes every touched volume once.
func (p *Pipeline) BatchSync(ctx context.Context, chapters []string) (BatchResult, error) {
	if len(chapters) == 0 {
		all, err := p.store.ListChapters()
		if err != nil {
			return BatchResult{}, fmt.Errorf("listing chapters: %w", err)
		}
		chapters = all
	}
	chapters = chapter.Sort(chapters)

	result := BatchResult{Chapters: chapters}
	touched := make(map[string]bool)
	var touchedOrder []string

	for _, ch := range chapters {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		p.emit(ch, "开始分析章节")
		a, err := p.AnalyzeChapter(ctx, ch)
		if err != nil {
			p.logger.Warn("chapter analysis failed", "chapter", ch, "error", err)
			result.Failed = append(result.Failed, ch)
			continue
		}
		if err := p.SaveAnalysis(ctx, a, SaveOptions{Reanalyze: true, CreateCards: true}); err != nil {
			p.logger.Warn("saving analysis failed", "chapter", ch, "error", err)
			result.Failed = append(result.Failed, ch)
			continue
		}
		result.Analyzed++
		if vid := chapter.ExtractVolume(a.Chapter); vid != "" && !touched[vid] {
			touched[vid] = true
			touchedOrder = append(touchedOrder, vid)
		}
	}

	if p.binder != nil {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(bindingRebuildConcurrency)
		for _, ch := range chapters {
			ch := ch
			g.Go(func() error {
				if _, err := p.binder.BuildChapter(gctx, ch); err != nil {
					p.logger.Warn("binding rebuild failed", "chapter", ch, "error", err)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return result, err
		}
	}

	// One refresh per touched volume, not one per chapter.
	for _, vid := range touchedOrder {
		if err := p.RefreshVolumeSummary(ctx, vid); err != nil {
			p.logger.Warn("volume summary refresh failed", "volume", vid, "error", err)
			continue
		}
		result.Volumes = append(result.Volumes, vid)
	}

	p.emit("", fmt.Sprintf("批量同步完成：%d/%d 章", result.Analyzed, len(chapters)))
	return result, nil
}
