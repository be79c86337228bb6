package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dotcommander/wenshape/internal/domain"
	"github.com/dotcommander/wenshape/internal/index"
	"github.com/dotcommander/wenshape/internal/memory"
)

func (s *Server) registerRetrievalRoutes(g *gin.RouterGroup) {
	p := g.Group("/projects/:project")
	p.POST("/evidence/search", s.searchEvidence)
	p.POST("/evidence/rebuild", s.rebuildEvidence)
	p.POST("/chunks/search", s.searchChunks)
	p.POST("/chunks/rebuild", s.rebuildChunks)
	p.GET("/bindings/:chapter", s.getBinding)
	p.POST("/bindings/:chapter/rebuild", s.rebuildBinding)
	p.POST("/bindings/rebuild", s.rebuildAllBindings)
	p.GET("/memory-pack/:chapter", s.getMemoryPack)
	p.POST("/memory-pack/:chapter/refresh", s.refreshMemoryPack)
}

type evidenceSearchRequest struct {
	Queries        []string `json:"queries" binding:"required,min=1"`
	Types          []string `json:"types"`
	Limit          int      `json:"limit"`
	Seeds          []string `json:"seeds"`
	Chapters       []string `json:"chapters"`
	SemanticRerank bool     `json:"semantic_rerank"`
	RerankQuery    string   `json:"rerank_query"`
}

func (s *Server) searchEvidence(c *gin.Context) {
	rt, ok := s.project(c)
	if !ok {
		return
	}
	var req evidenceSearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	rt.syncDirty(c.Request.Context())
	result, err := rt.indexer.Search(c.Request.Context(), index.SearchOptions{
		Queries:        req.Queries,
		Types:          req.Types,
		Limit:          req.Limit,
		Seeds:          req.Seeds,
		Chapters:       req.Chapters,
		SemanticRerank: req.SemanticRerank,
		RerankQuery:    req.RerankQuery,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type rebuildRequest struct {
	Force bool `json:"force"`
}

func (s *Server) rebuildEvidence(c *gin.Context) {
	rt, ok := s.project(c)
	if !ok {
		return
	}
	var req rebuildRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	metas, err := rt.indexer.BuildAll(c.Request.Context(), req.Force)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, metas)
}

type chunkSearchRequest struct {
	Query           string   `json:"query"`
	Queries         []string `json:"queries"`
	Limit           int      `json:"limit"`
	Chapters        []string `json:"chapters"`
	ExcludeChapters []string `json:"exclude_chapters"`
	SemanticRerank  bool     `json:"semantic_rerank"`
}

func (s *Server) searchChunks(c *gin.Context) {
	rt, ok := s.project(c)
	if !ok {
		return
	}
	var req chunkSearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	if req.Query == "" && len(req.Queries) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "query required"})
		return
	}
	rt.syncDirty(c.Request.Context())
	items, err := rt.chunks.Search(c.Request.Context(), index.ChunkSearchOptions{
		Query:           req.Query,
		Queries:         req.Queries,
		Limit:           req.Limit,
		Chapters:        req.Chapters,
		ExcludeChapters: req.ExcludeChapters,
		SemanticRerank:  req.SemanticRerank,
		RerankQuery:     req.Query,
	})
	if err != nil {
		fail(c, err)
		return
	}
	if items == nil {
		items = []domain.EvidenceItem{}
	}
	c.JSON(http.StatusOK, items)
}

func (s *Server) rebuildChunks(c *gin.Context) {
	rt, ok := s.project(c)
	if !ok {
		return
	}
	meta, err := rt.chunks.Build(c.Request.Context(), true)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, meta)
}

func (s *Server) getBinding(c *gin.Context) {
	rt, ok := s.project(c)
	if !ok {
		return
	}
	b, err := rt.store.GetBinding(c.Param("chapter"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (s *Server) rebuildBinding(c *gin.Context) {
	rt, ok := s.project(c)
	if !ok {
		return
	}
	b, err := rt.binder.BuildChapter(c.Request.Context(), c.Param("chapter"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// rebuildAllBindings rebuilds every chapter binding; per-chapter failures
// are reported, not fatal.
func (s *Server) rebuildAllBindings(c *gin.Context) {
	rt, ok := s.project(c)
	if !ok {
		return
	}
	chapters, err := rt.store.ListChapters()
	if err != nil {
		fail(c, err)
		return
	}
	bindings, err := rt.binder.BuildAll(c.Request.Context(), chapters)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rebuilt": len(bindings)})
}

func (s *Server) getMemoryPack(c *gin.Context) {
	rt, ok := s.project(c)
	if !ok {
		return
	}
	pack, err := rt.store.ReadMemoryPack(c.Param("chapter"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, pack)
}

type refreshPackRequest struct {
	Goal     string `json:"goal"`
	Feedback string `json:"feedback"`
}

func (s *Server) refreshMemoryPack(c *gin.Context) {
	rt, ok := s.project(c)
	if !ok {
		return
	}
	var req refreshPackRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	pack, err := rt.packs.EnsurePack(c.Request.Context(), memory.EnsureOptions{
		Chapter:      c.Param("chapter"),
		Goal:         req.Goal,
		UserFeedback: req.Feedback,
		ForceRefresh: true,
		Source:       "api",
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, pack)
}
