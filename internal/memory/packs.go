package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dotcommander/wenshape/internal/chapter"
	"github.com/dotcommander/wenshape/internal/domain"
	"github.com/dotcommander/wenshape/internal/storage"
	"github.com/dotcommander/wenshape/internal/trace"
)

const (
	maxSnapshotProbes  = 12
	maxSnapshotPerKind = 8
)

// PackBuilder owns the cached per-chapter memory pack: reuse, refresh,
// rotation and the card snapshot.
type PackBuilder struct {
	store    *storage.ProjectStore
	loop     *ResearchLoop
	progress *trace.ProgressBus
	logger   *slog.Logger
}

// NewPackBuilder wires the builder for one project.
func NewPackBuilder(store *storage.ProjectStore, loop *ResearchLoop, progress *trace.ProgressBus, logger *slog.Logger) *PackBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	return &PackBuilder{
		store:    store,
		loop:     loop,
		progress: progress,
		logger:   logger.With("component", "memory_pack", "project", store.ProjectID()),
	}
}

// EnsureOptions parameterize EnsurePack.
type EnsureOptions struct {
	Chapter      string
	Goal         string
	Brief        *domain.SceneBrief
	UserFeedback string
	UserAnswers  []domain.Question
	ForceRefresh bool
	Source       string
}

// EnsurePack returns the live pack for a chapter, refreshing it through the
// research loop when forced or absent. A failed refresh falls back to the
// prior pack when one exists.
func (b *PackBuilder) EnsurePack(ctx context.Context, opts EnsureOptions) (domain.MemoryPack, error) {
	canon, err := chapter.Canonical(opts.Chapter)
	if err != nil {
		return domain.MemoryPack{}, fmt.Errorf("%w: chapter %q", storage.ErrValidation, opts.Chapter)
	}
	goalText := resolveGoal(opts.Goal, opts.Brief, opts.UserFeedback)

	if !opts.ForceRefresh {
		prior, rerr := b.store.ReadMemoryPack(canon)
		if rerr == nil && !prior.Payload.IsEmpty() {
			if snapshotEmpty(prior.CardSnapshot) {
				prior.CardSnapshot = b.buildSnapshot(prior.Payload)
			}
			b.emit(canon, "复用已有记忆包")
			return prior, nil
		}
		if rerr != nil && !errors.Is(rerr, storage.ErrNotFound) {
			b.logger.Warn("reading prior pack failed", "chapter", canon, "error", rerr)
		}
	}

	payload, lerr := b.loop.Run(ctx, canon, opts.Brief, goalText, opts.UserAnswers)
	if lerr != nil {
		prior, rerr := b.store.ReadMemoryPack(canon)
		if rerr == nil && !prior.Payload.IsEmpty() {
			b.logger.Warn("refresh failed, reusing prior pack", "chapter", canon, "error", lerr)
			prior.Note = "fallback: " + lerr.Error()
			b.emit(canon, "记忆包刷新失败，沿用旧版本")
			return prior, nil
		}
		return domain.MemoryPack{}, fmt.Errorf("building memory pack: %w", lerr)
	}

	pack := domain.MemoryPack{
		Chapter:      canon,
		BuiltAt:      time.Now().UTC(),
		Source:       opts.Source,
		ChapterGoal:  goalText,
		Payload:      payload,
		CardSnapshot: b.buildSnapshot(payload),
	}
	if opts.Brief != nil {
		pack.SceneBrief = domain.MemoryPackBrief{Title: opts.Brief.Title, Goal: opts.Brief.Goal}
	}

	if err := b.store.WriteMemoryPack(ctx, pack); err != nil {
		return domain.MemoryPack{}, fmt.Errorf("persisting memory pack: %w", err)
	}
	b.emit(canon, "记忆包已更新")
	b.logger.Info("memory pack refreshed",
		"chapter", canon,
		"evidence", len(payload.EvidencePack),
		"stop_reason", payload.ResearchStopReason)
	return pack, nil
}

// resolveGoal picks goal, then brief goal, then feedback; feedback not
// already contained in the goal is appended as the latest instruction.
func resolveGoal(goal string, brief *domain.SceneBrief, feedback string) string {
	goal = strings.TrimSpace(goal)
	feedback = strings.TrimSpace(feedback)
	if goal == "" && brief != nil {
		goal = strings.TrimSpace(brief.Goal)
	}
	if goal == "" {
		goal = feedback
		feedback = ""
	}
	if goal == "" {
		return "未提供"
	}
	if feedback != "" && !strings.Contains(goal, feedback) {
		goal += "\n\n用户最新指令：" + feedback
	}
	return goal
}

// buildSnapshot collects the cards the payload's evidence and seeds refer
// to, probing character storage first, then world.
func (b *PackBuilder) buildSnapshot(payload domain.MemoryPackPayload) domain.CardSnapshot {
	var probes []string
	seen := make(map[string]bool)
	add := func(name string) {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] || len(probes) >= maxSnapshotProbes {
			return
		}
		seen[name] = true
		probes = append(probes, name)
	}
	for _, item := range payload.EvidencePack {
		add(item.Source.Card)
	}
	for _, seed := range payload.SeedEntities {
		add(seed)
	}

	var snap domain.CardSnapshot
	for _, name := range probes {
		if len(snap.Characters) < maxSnapshotPerKind {
			if card, err := b.store.GetCharacter(name); err == nil {
				snap.Characters = append(snap.Characters, card)
				continue
			}
		}
		if len(snap.World) < maxSnapshotPerKind {
			if card, err := b.store.GetWorldCard(name); err == nil {
				snap.World = append(snap.World, card)
			}
		}
	}
	if style, err := b.store.GetStyleCard(); err == nil {
		snap.Style = style.Style
	}
	return snap
}

func snapshotEmpty(s domain.CardSnapshot) bool {
	return len(s.Characters) == 0 && len(s.World) == 0 && s.Style == ""
}

func (b *PackBuilder) emit(ch, note string) {
	if b.progress == nil {
		return
	}
	b.progress.Publish(trace.ProgressEvent{
		Type:      trace.ProgressMemoryPack,
		ProjectID: b.store.ProjectID(),
		Chapter:   ch,
		Payload:   map[string]any{"note": note},
	})
}
