package server

import (
	"context"
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/dotcommander/wenshape/internal/agent"
	"github.com/dotcommander/wenshape/internal/analysis"
	"github.com/dotcommander/wenshape/internal/binding"
	"github.com/dotcommander/wenshape/internal/contexteng"
	"github.com/dotcommander/wenshape/internal/index"
	"github.com/dotcommander/wenshape/internal/memory"
	"github.com/dotcommander/wenshape/internal/session"
	"github.com/dotcommander/wenshape/internal/storage"
)

// projectRuntime is the component graph for one project, built on first
// use and cached for the process lifetime.
type projectRuntime struct {
	store     *storage.ProjectStore
	chunks    *index.TextChunkIndexer
	indexer   *index.EvidenceIndexer
	watcher   *index.Watcher
	binder    *binding.Service
	archivist *agent.Archivist
	writer    *agent.Writer
	editor    *agent.Editor
	extractor *agent.Extractor
	packs     *memory.PackBuilder
	wm        *memory.WorkingMemoryService
	pipeline  *analysis.Pipeline
	session   *session.Orchestrator
	logger    *slog.Logger
}

// runtime returns (building if needed) the component graph for projectID.
func (s *Server) runtime(projectID string) (*projectRuntime, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rt, ok := s.runtimes[projectID]; ok {
		return rt, nil
	}
	store, err := s.factory.Project(projectID)
	if err != nil {
		return nil, err
	}

	writer := agent.NewWriter(s.gateway, s.logger)
	chunks := index.NewTextChunkIndexer(store, s.logger).WithReranker(writer)
	indexer := index.NewEvidenceIndexer(store, chunks, s.logger)
	watcher := index.NewWatcher(store, s.logger)
	if err := watcher.Start(context.Background()); err != nil {
		s.logger.Warn("index watcher unavailable", "project", projectID, "error", err)
		watcher = nil
	}
	binder := binding.NewService(store, indexer, s.logger)
	archivist := agent.NewArchivist(s.gateway, s.logger)
	editor := agent.NewEditor(s.gateway, s.logger)
	extractor := agent.NewExtractor(s.gateway, s.logger)

	wm := memory.NewWorkingMemoryService(store, indexer, s.logger)
	loop := memory.NewResearchLoop(store, wm, binder, writer, s.progress, s.logger).
		WithMaxRounds(s.researchRounds)
	packs := memory.NewPackBuilder(store, loop, s.progress, s.logger)
	pipeline := analysis.NewPipeline(store, archivist, binder, s.progress, s.logger)

	budget := contexteng.NewBudgetManager("")
	guard := contexteng.NewGuard(nil, s.logger)
	compressor := contexteng.NewCompressor(nil, s.logger)
	selector := contexteng.NewSelector(store, s.logger)
	assembler := contexteng.NewOrchestrator(selector, budget, compressor, guard, s.logger)

	sess := session.NewOrchestrator(session.Deps{
		Store:      store,
		Archivist:  archivist,
		Writer:     writer,
		Editor:     editor,
		Packs:      packs,
		Pipeline:   pipeline,
		ContextEng: assembler,
		Progress:   s.progress,
		Collector:  s.collector,
		Logger:     s.logger,
		Timeout:    s.sessionTimeout,
	})

	rt := &projectRuntime{
		store:     store,
		chunks:    chunks,
		indexer:   indexer,
		watcher:   watcher,
		binder:    binder,
		archivist: archivist,
		writer:    writer,
		editor:    editor,
		extractor: extractor,
		packs:     packs,
		wm:        wm,
		pipeline:  pipeline,
		session:   sess,
		logger:    s.logger.With("project", projectID),
	}
	s.runtimes[projectID] = rt
	return rt, nil
}

// syncDirty rebuilds any index whose source files changed on disk since the
// last search. Rebuild failures are logged and the stale index is served.
func (rt *projectRuntime) syncDirty(ctx context.Context) {
	if rt.watcher == nil {
		return
	}
	for _, name := range rt.watcher.TakeDirty() {
		var err error
		switch name {
		case index.FactsIndexName:
			_, err = rt.indexer.BuildFactsIndex(ctx, true)
		case index.SummariesIndexName:
			_, err = rt.indexer.BuildSummariesIndex(ctx, true)
		case index.CardsIndexName:
			_, err = rt.indexer.BuildCardsIndex(ctx, true)
		case index.TextChunksIndexName:
			_, err = rt.chunks.Build(ctx, true)
		}
		if err != nil {
			rt.logger.Warn("dirty index rebuild failed", "index", name, "error", err)
		}
	}
}

// project resolves the runtime for the :project path segment, writing the
// error response itself on failure.
func (s *Server) project(c *gin.Context) (*projectRuntime, bool) {
	rt, err := s.runtime(c.Param("project"))
	if err != nil {
		fail(c, err)
		return nil, false
	}
	return rt, true
}
