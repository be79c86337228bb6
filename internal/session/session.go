// Package session drives a chapter through brief generation, the research
// and writing loop, feedback-driven revision and finalization. One session
// runs per process; cross-session safety comes from storage file locks.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dotcommander/wenshape/internal/agent"
	"github.com/dotcommander/wenshape/internal/analysis"
	"github.com/dotcommander/wenshape/internal/chapter"
	"github.com/dotcommander/wenshape/internal/contexteng"
	"github.com/dotcommander/wenshape/internal/domain"
	"github.com/dotcommander/wenshape/internal/memory"
	"github.com/dotcommander/wenshape/internal/storage"
	"github.com/dotcommander/wenshape/internal/trace"
)

// Session statuses.
const (
	StatusIdle             = "IDLE"
	StatusGeneratingBrief  = "GENERATING_BRIEF"
	StatusWaitingUserInput = "WAITING_USER_INPUT"
	StatusWritingDraft     = "WRITING_DRAFT"
	StatusWaitingFeedback  = "WAITING_FEEDBACK"
	StatusEditing          = "EDITING"
	StatusCompleted        = "COMPLETED"
	StatusError            = "ERROR"
)

const (
	MaxIterations           = 5
	MaxQuestionRounds       = 2
	MaxPendingConfirmations = 12
	// rewriteThreshold is the draft length at or below which a revision
	// rewrites from scratch instead of editing.
	rewriteThreshold = 500

	defaultTargetWordCount = 3000
)

// ErrMaxIterations is returned when the revise cap is hit.
var ErrMaxIterations = errors.New("Maximum iterations reached")

// State is the ephemeral per-session record.
type State struct {
	ProjectID     string `json:"project_id"`
	Chapter       string `json:"chapter"`
	Status        string `json:"status"`
	Iteration     int    `json:"iteration"`
	QuestionRound int    `json:"question_round"`
}

// Orchestrator owns the single active session for one project store.
type Orchestrator struct {
	store      *storage.ProjectStore
	archivist  *agent.Archivist
	writer     *agent.Writer
	editor     *agent.Editor
	packs      *memory.PackBuilder
	pipeline   *analysis.Pipeline
	contextEng *contexteng.Orchestrator
	progress   *trace.ProgressBus
	collector  *trace.Collector
	logger     *slog.Logger
	timeout    time.Duration

	mu           sync.Mutex
	state        State
	cancelStream context.CancelFunc
	lastPack     domain.MemoryPack
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Store      *storage.ProjectStore
	Archivist  *agent.Archivist
	Writer     *agent.Writer
	Editor     *agent.Editor
	Packs      *memory.PackBuilder
	Pipeline   *analysis.Pipeline
	ContextEng *contexteng.Orchestrator
	Progress   *trace.ProgressBus
	Collector  *trace.Collector
	Logger     *slog.Logger

	// Timeout bounds one streaming run; zero means no bound.
	Timeout time.Duration
}

// NewOrchestrator creates an idle session orchestrator.
func NewOrchestrator(deps Deps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:      deps.Store,
		archivist:  deps.Archivist,
		writer:     deps.Writer,
		editor:     deps.Editor,
		packs:      deps.Packs,
		pipeline:   deps.Pipeline,
		contextEng: deps.ContextEng,
		progress:   deps.Progress,
		collector:  deps.Collector,
		logger:     logger.With("component", "session", "project", deps.Store.ProjectID()),
		timeout:    deps.Timeout,
		state:      State{ProjectID: deps.Store.ProjectID(), Status: StatusIdle},
	}
}

// StartRequest opens a writing session for one chapter.
type StartRequest struct {
	Chapter         string   `json:"chapter" validate:"required"`
	ChapterTitle    string   `json:"chapter_title"`
	ChapterGoal     string   `json:"chapter_goal"`
	TargetWordCount int      `json:"target_word_count"`
	CharacterNames  []string `json:"character_names,omitempty"`
}

// Result is the session surface returned by Start, AnswerQuestions and
// ProcessFeedback.
type Result struct {
	Status               string                `json:"status"`
	Brief                *domain.SceneBrief    `json:"brief,omitempty"`
	Questions            []domain.Question     `json:"questions,omitempty"`
	Draft                *domain.Draft         `json:"draft,omitempty"`
	Proposals            []domain.CardProposal `json:"proposals,omitempty"`
	PendingConfirmations []string              `json:"pending_confirmations,omitempty"`
}

// Start runs brief generation, the research loop and, unless open questions
// block it, the streaming first draft. Starting while another session runs
// overwrites its state; callers cancel first.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (Result, error) {
	canon, err := chapter.Canonical(req.Chapter)
	if err != nil {
		return Result{}, fmt.Errorf("%w: chapter %q", storage.ErrValidation, req.Chapter)
	}
	if req.TargetWordCount <= 0 {
		req.TargetWordCount = defaultTargetWordCount
	}

	o.setState(func(s *State) {
		s.Chapter = canon
		s.Status = StatusGeneratingBrief
		s.Iteration = 0
		s.QuestionRound = 0
	})

	brief, err := o.archivist.GenerateBrief(ctx, canon, req.ChapterTitle, req.ChapterGoal, req.TargetWordCount, req.CharacterNames, "")
	if err != nil {
		o.fail("generating brief", err)
		return Result{}, fmt.Errorf("generating brief: %w", err)
	}
	if err := o.store.SaveSceneBrief(ctx, brief); err != nil {
		o.fail("saving brief", err)
		return Result{}, fmt.Errorf("saving brief: %w", err)
	}

	pack, err := o.packs.EnsurePack(ctx, memory.EnsureOptions{
		Chapter:      canon,
		Goal:         req.ChapterGoal,
		Brief:        &brief,
		ForceRefresh: true,
		Source:       "writer",
	})
	if err != nil {
		o.fail("building memory pack", err)
		return Result{}, fmt.Errorf("building memory pack: %w", err)
	}
	o.mu.Lock()
	o.lastPack = pack
	o.mu.Unlock()

	if len(pack.Payload.Questions) > 0 && o.Snapshot().QuestionRound < MaxQuestionRounds {
		o.setState(func(s *State) { s.Status = StatusWaitingUserInput })
		return Result{
			Status:    StatusWaitingUserInput,
			Brief:     &brief,
			Questions: pack.Payload.Questions,
		}, nil
	}

	draft, proposals, pending, err := o.streamDraft(ctx, canon, brief, pack)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return Result{Status: o.Snapshot().Status}, err
		}
		o.fail("writing draft", err)
		return Result{}, err
	}
	return Result{
		Status:               StatusWaitingFeedback,
		Brief:                &brief,
		Draft:                draft,
		Proposals:            proposals,
		PendingConfirmations: pending,
	}, nil
}

// streamDraft runs the cancellable streaming task and persists v1.
func (o *Orchestrator) streamDraft(ctx context.Context, canon string, brief domain.SceneBrief, pack domain.MemoryPack) (*domain.Draft, []domain.CardProposal, []string, error) {
	var streamCtx context.Context
	var cancel context.CancelFunc
	if o.timeout > 0 {
		streamCtx, cancel = context.WithTimeout(ctx, o.timeout)
	} else {
		streamCtx, cancel = context.WithCancel(ctx)
	}
	o.mu.Lock()
	o.cancelStream = cancel
	o.state.Status = StatusWritingDraft
	o.mu.Unlock()
	defer func() {
		cancel()
		o.mu.Lock()
		o.cancelStream = nil
		o.mu.Unlock()
	}()
	o.emit(trace.ProgressEvent{Type: trace.ProgressStatus, Chapter: canon, Status: StatusWritingDraft})
	o.emit(trace.ProgressEvent{Type: trace.ProgressStreamStart, Chapter: canon})

	guiding, informational := o.writerContext(streamCtx, canon, brief, pack, "")

	content, err := o.writer.StreamDraft(streamCtx, guiding, informational, func(chunk string) error {
		o.emit(trace.ProgressEvent{Type: trace.ProgressToken, Chapter: canon, Content: chunk})
		return streamCtx.Err()
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("streaming draft: %w", err)
	}

	pending := o.pendingConfirmations(content, pack)
	draft := domain.Draft{
		Chapter:              canon,
		Version:              "v1",
		Content:              content,
		PendingConfirmations: pending,
	}
	if err := o.store.SaveDraft(ctx, draft); err != nil {
		return nil, nil, nil, fmt.Errorf("persisting draft: %w", err)
	}
	saved, err := o.store.GetDraft(canon, "v1")
	if err != nil {
		saved = draft
	}

	proposals := o.detectProposals(content)
	o.setState(func(s *State) { s.Status = StatusWaitingFeedback })
	o.emit(trace.ProgressEvent{
		Type:    trace.ProgressStreamEnd,
		Chapter: canon,
		Status:  StatusWaitingFeedback,
		Payload: map[string]any{
			"version":               saved.Version,
			"word_count":            saved.WordCount,
			"pending_confirmations": pending,
			"proposals":             proposals,
		},
	})
	o.record(trace.EventAgentEnd, "writer", map[string]any{"chapter": canon, "version": saved.Version})
	return &saved, proposals, pending, nil
}

// writerContext assembles the guiding and informational sections for the
// writer from the context pipeline and the memory pack.
func (o *Orchestrator) writerContext(ctx context.Context, canon string, brief domain.SceneBrief, pack domain.MemoryPack, feedback string) (guiding, informational string) {
	task := "按简报撰写本章正文"
	if feedback != "" {
		task = "按用户反馈重写本章正文"
	}
	if o.contextEng != nil {
		bundle := o.contextEng.Assemble(ctx, contexteng.AssembleRequest{
			Agent: contexteng.AgentProfile{
				Name:     "writer",
				Identity: "你是本书的撰稿人。",
				TaskType: "write",
			},
			Task:    task,
			Chapter: canon,
			Query:   brief.Goal,
			ExtraItems: []contexteng.ContextItem{
				contexteng.NewItem("memory_pack", "memory", pack.Payload.WorkingMemory, contexteng.PriorityHigh, 0.9),
			},
		})
		o.record(trace.EventContextSelect, "writer", map[string]any{
			"selected_items": len(bundle.Items),
			"input_tokens":   bundle.TotalTokens,
		})
		return bundle.Guiding, bundle.Informational
	}
	guiding = contexteng.RenderBrief(brief)
	informational = pack.Payload.WorkingMemory
	return guiding, informational
}

// pendingConfirmations unions the draft's flagged points, unresolved gaps
// and missing entities, deduplicated and capped.
func (o *Orchestrator) pendingConfirmations(content string, pack domain.MemoryPack) []string {
	var all []string
	all = append(all, o.writer.ExtractConfirmations(content)...)
	for _, gap := range pack.Payload.UnresolvedGaps {
		all = append(all, gap.Text)
	}
	if rep := pack.Payload.SufficiencyReport; rep != nil {
		all = append(all, rep.MissingEntities...)
	}
	var out []string
	seen := make(map[string]bool)
	for _, s := range all {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
		if len(out) >= MaxPendingConfirmations {
			break
		}
	}
	return out
}

// detectProposals runs the archivist heuristic and drops Character-type
// proposals.
func (o *Orchestrator) detectProposals(content string) []domain.CardProposal {
	known := make(map[string]bool)
	if names, err := o.store.ListCharacters(); err == nil {
		for _, n := range names {
			known[n] = true
		}
	}
	if names, err := o.store.ListWorldCards(); err == nil {
		for _, n := range names {
			known[n] = true
		}
	}
	var out []domain.CardProposal
	for _, p := range o.archivist.DetectProposals(content, known) {
		if strings.EqualFold(p.Type, "Character") {
			continue
		}
		out = append(out, p)
	}
	return out
}

// FeedbackRequest carries one user feedback action.
type FeedbackRequest struct {
	Chapter          string   `json:"chapter" validate:"required"`
	Feedback         string   `json:"feedback"`
	Action           string   `json:"action" validate:"required,oneof=revise confirm"`
	RejectedEntities []string `json:"rejected_entities,omitempty"`
}

// ProcessFeedback applies one confirm or revise action.
func (o *Orchestrator) ProcessFeedback(ctx context.Context, req FeedbackRequest) (Result, error) {
	canon, err := chapter.Canonical(req.Chapter)
	if err != nil {
		return Result{}, fmt.Errorf("%w: chapter %q", storage.ErrValidation, req.Chapter)
	}

	if req.Action == "confirm" {
		return o.finalize(ctx, canon)
	}

	snapshot := o.Snapshot()
	if snapshot.Iteration >= MaxIterations {
		o.setState(func(s *State) { s.Status = StatusError })
		return Result{Status: StatusError}, ErrMaxIterations
	}
	o.setState(func(s *State) { s.Iteration++ })

	latest, err := o.store.LatestDraft(canon)
	if err != nil {
		return Result{}, fmt.Errorf("loading draft: %w", err)
	}

	if len([]rune(latest.Content)) <= rewriteThreshold {
		return o.rewrite(ctx, canon, req.Feedback)
	}
	return o.revise(ctx, canon, latest, req)
}

// rewrite regenerates v1 from the brief with the feedback folded in.
func (o *Orchestrator) rewrite(ctx context.Context, canon, feedback string) (Result, error) {
	o.setState(func(s *State) { s.Status = StatusWritingDraft })
	o.emit(trace.ProgressEvent{Type: trace.ProgressStatus, Chapter: canon, Status: StatusWritingDraft})

	brief, err := o.store.GetSceneBrief(canon)
	if err != nil {
		brief = domain.SceneBrief{Chapter: canon}
	}
	pack, err := o.packs.EnsurePack(ctx, memory.EnsureOptions{
		Chapter:      canon,
		Brief:        &brief,
		UserFeedback: feedback,
		Source:       "writer",
	})
	if err != nil {
		o.fail("refreshing memory pack", err)
		return Result{}, err
	}

	guiding, informational := o.writerContext(ctx, canon, brief, pack, feedback)
	content, err := o.writer.WriteDraft(ctx, guiding, informational, feedback)
	if err != nil {
		o.fail("rewriting draft", err)
		return Result{}, err
	}
	draft := domain.Draft{
		Chapter:              canon,
		Version:              "v1",
		Content:              content,
		PendingConfirmations: o.pendingConfirmations(content, pack),
	}
	if err := o.store.SaveDraft(ctx, draft); err != nil {
		return Result{}, fmt.Errorf("persisting rewritten draft: %w", err)
	}
	saved, gerr := o.store.GetDraft(canon, "v1")
	if gerr != nil {
		saved = draft
	}
	o.setState(func(s *State) { s.Status = StatusWaitingFeedback })
	o.emit(trace.ProgressEvent{Type: trace.ProgressStatus, Chapter: canon, Status: StatusWaitingFeedback})
	return Result{
		Status:               StatusWaitingFeedback,
		Draft:                &saved,
		Proposals:            o.detectProposals(content),
		PendingConfirmations: saved.PendingConfirmations,
	}, nil
}

// revise runs the editor over the latest draft and bumps the version.
func (o *Orchestrator) revise(ctx context.Context, canon string, latest domain.Draft, req FeedbackRequest) (Result, error) {
	o.setState(func(s *State) { s.Status = StatusEditing })
	o.emit(trace.ProgressEvent{Type: trace.ProgressStatus, Chapter: canon, Status: StatusEditing})

	o.mu.Lock()
	packContext := o.lastPack.Payload.WorkingMemory
	o.mu.Unlock()

	revised, err := o.editor.Revise(ctx, latest.Content, req.Feedback, req.RejectedEntities, packContext)
	if err != nil {
		o.fail("revising draft", err)
		return Result{}, fmt.Errorf("revising draft: %w", err)
	}
	next := IncrementVersion(latest.Version)
	draft := domain.Draft{Chapter: canon, Version: next, Content: revised}
	if err := o.store.SaveDraft(ctx, draft); err != nil {
		return Result{}, fmt.Errorf("persisting revision: %w", err)
	}
	saved, gerr := o.store.GetDraft(canon, next)
	if gerr != nil {
		saved = draft
	}
	o.setState(func(s *State) { s.Status = StatusWaitingFeedback })
	o.emit(trace.ProgressEvent{Type: trace.ProgressStatus, Chapter: canon, Status: StatusWaitingFeedback})
	return Result{
		Status:    StatusWaitingFeedback,
		Draft:     &saved,
		Proposals: o.detectProposals(revised),
	}, nil
}

// finalize copies the latest draft to final.md and runs analysis
// best-effort.
func (o *Orchestrator) finalize(ctx context.Context, canon string) (Result, error) {
	latest, err := o.store.LatestDraft(canon)
	if err != nil {
		return Result{}, fmt.Errorf("loading draft to finalize: %w", err)
	}
	final, err := o.store.SaveCurrentDraft(ctx, canon, latest.Content)
	if err != nil {
		return Result{}, fmt.Errorf("finalizing draft: %w", err)
	}
	o.setState(func(s *State) { s.Status = StatusCompleted })
	o.emit(trace.ProgressEvent{Type: trace.ProgressStatus, Chapter: canon, Status: StatusCompleted})

	if o.pipeline != nil {
		if a, aerr := o.pipeline.AnalyzeChapter(ctx, canon); aerr != nil {
			o.logger.Warn("post-finalize analysis failed", "chapter", canon, "error", aerr)
		} else if serr := o.pipeline.SaveAnalysis(ctx, a, analysis.SaveOptions{RefreshVolume: true}); serr != nil {
			o.logger.Warn("saving post-finalize analysis failed", "chapter", canon, "error", serr)
		}
	}
	return Result{Status: StatusCompleted, Draft: &final}, nil
}

// AnswerRequest resolves open questions and resumes writing.
type AnswerRequest struct {
	Chapter string            `json:"chapter" validate:"required"`
	Answers []domain.Question `json:"answers"`
}

// AnswerQuestions folds the user's answers into a refreshed pack and
// resumes the draft.
func (o *Orchestrator) AnswerQuestions(ctx context.Context, req AnswerRequest) (Result, error) {
	canon, err := chapter.Canonical(req.Chapter)
	if err != nil {
		return Result{}, fmt.Errorf("%w: chapter %q", storage.ErrValidation, req.Chapter)
	}
	o.setState(func(s *State) { s.QuestionRound++ })

	brief, err := o.store.GetSceneBrief(canon)
	if err != nil {
		brief = domain.SceneBrief{Chapter: canon}
	}
	pack, err := o.packs.EnsurePack(ctx, memory.EnsureOptions{
		Chapter:      canon,
		Brief:        &brief,
		UserAnswers:  req.Answers,
		ForceRefresh: true,
		Source:       "writer",
	})
	if err != nil {
		o.fail("refreshing memory pack", err)
		return Result{}, err
	}
	o.mu.Lock()
	o.lastPack = pack
	o.mu.Unlock()

	if len(pack.Payload.Questions) > 0 && o.Snapshot().QuestionRound < MaxQuestionRounds {
		o.setState(func(s *State) { s.Status = StatusWaitingUserInput })
		return Result{Status: StatusWaitingUserInput, Brief: &brief, Questions: pack.Payload.Questions}, nil
	}

	draft, proposals, pending, err := o.streamDraft(ctx, canon, brief, pack)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Status:               StatusWaitingFeedback,
		Brief:                &brief,
		Draft:                draft,
		Proposals:            proposals,
		PendingConfirmations: pending,
	}, nil
}

// EditSuggestRequest is the non-persistent edit path.
type EditSuggestRequest struct {
	Chapter          string   `json:"chapter"`
	Content          string   `json:"content" validate:"required"`
	Instruction      string   `json:"instruction" validate:"required"`
	RejectedEntities []string `json:"rejected_entities,omitempty"`
	ContextMode      string   `json:"context_mode"`
}

// EditSuggestResult carries the suggested revision.
type EditSuggestResult struct {
	RevisedContent string `json:"revised_content"`
	WordCount      int    `json:"word_count"`
}

// SuggestEdit returns a revision of arbitrary content without persisting
// anything.
func (o *Orchestrator) SuggestEdit(ctx context.Context, req EditSuggestRequest) (EditSuggestResult, error) {
	packContext := ""
	if req.Chapter != "" {
		pack, err := o.packs.EnsurePack(ctx, memory.EnsureOptions{
			Chapter:      req.Chapter,
			ForceRefresh: req.ContextMode == "full",
			Source:       "editor",
		})
		if err != nil {
			o.logger.Warn("memory pack for edit suggestion failed", "chapter", req.Chapter, "error", err)
		} else {
			packContext = pack.Payload.WorkingMemory
		}
	}
	revised, err := o.editor.SuggestRevision(ctx, req.Content, req.Instruction, req.RejectedEntities, packContext)
	if err != nil {
		return EditSuggestResult{}, fmt.Errorf("suggesting revision: %w", err)
	}
	return EditSuggestResult{
		RevisedContent: revised,
		WordCount:      storage.CountWords(revised),
	}, nil
}

// Cancel aborts the active stream, returns to IDLE and broadcasts the
// transition. Persisted state is not rolled back.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	cancel := o.cancelStream
	o.cancelStream = nil
	ch := o.state.Chapter
	o.state.Status = StatusIdle
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	o.emit(trace.ProgressEvent{Type: trace.ProgressStatus, Chapter: ch, Status: StatusIdle})
	o.logger.Info("session cancelled", "chapter", ch)
}

// Snapshot returns a copy of the session state.
func (o *Orchestrator) Snapshot() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// IncrementVersion bumps "v1" to "v2" and so on; unparseable versions
// restart at v2.
func IncrementVersion(version string) string {
	var n int
	if _, err := fmt.Sscanf(version, "v%d", &n); err != nil || n < 1 {
		return "v2"
	}
	return fmt.Sprintf("v%d", n+1)
}

func (o *Orchestrator) setState(mutate func(*State)) {
	o.mu.Lock()
	mutate(&o.state)
	o.mu.Unlock()
}

func (o *Orchestrator) fail(stage string, err error) {
	o.setState(func(s *State) { s.Status = StatusError })
	o.logger.Error("session failed", "stage", stage, "error", err)
	o.emit(trace.ProgressEvent{Type: trace.ProgressStatus, Status: StatusError, Stage: stage})
}

func (o *Orchestrator) emit(event trace.ProgressEvent) {
	if o.progress == nil {
		return
	}
	event.ProjectID = o.store.ProjectID()
	o.progress.Publish(event)
}

func (o *Orchestrator) record(eventType, agentName string, data map[string]any) {
	if o.collector == nil {
		return
	}
	o.collector.Record(trace.TraceEvent{Type: eventType, AgentName: agentName, Data: data})
}
