package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dotcommander/wenshape/internal/chapter"
	"github.com/dotcommander/wenshape/internal/contexteng"
	"github.com/dotcommander/wenshape/internal/domain"
	"github.com/dotcommander/wenshape/internal/storage"
)

func (s *Server) registerDraftRoutes(g *gin.RouterGroup) {
	drafts := g.Group("/projects/:project/drafts")
	drafts.GET("", s.listDraftChapters)
	drafts.POST("/reorder", s.reorderChapters)
	drafts.GET("/:chapter", s.getLatestDraft)
	drafts.POST("/:chapter", s.saveDraftVersion)
	drafts.GET("/:chapter/versions", s.listDraftVersions)
	drafts.GET("/:chapter/versions/:version", s.getDraftVersion)
	drafts.DELETE("/:chapter/versions/:version", s.deleteDraftVersion)
	drafts.GET("/:chapter/final", s.getFinalDraft)
	drafts.POST("/:chapter/final", s.saveFinalDraft)
	drafts.GET("/:chapter/scene-brief", s.getSceneBrief)
	drafts.PUT("/:chapter/scene-brief", s.saveSceneBrief)
	drafts.GET("/:chapter/context", s.writingContext)
}

func (s *Server) listDraftChapters(c *gin.Context) {
	rt, ok := s.project(c)
	if !ok {
		return
	}
	chapters, err := rt.store.ListChapters()
	if err != nil {
		fail(c, err)
		return
	}
	if chapters == nil {
		chapters = []string{}
	}
	c.JSON(http.StatusOK, chapters)
}

func (s *Server) getLatestDraft(c *gin.Context) {
	rt, ok := s.project(c)
	if !ok {
		return
	}
	draft, err := rt.store.LatestDraft(c.Param("chapter"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, draft)
}

func (s *Server) saveDraftVersion(c *gin.Context) {
	rt, ok := s.project(c)
	if !ok {
		return
	}
	var draft domain.Draft
	if err := c.ShouldBindJSON(&draft); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	draft.Chapter = c.Param("chapter")
	if draft.Content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "draft content required"})
		return
	}
	if err := rt.store.SaveDraft(c.Request.Context(), draft); err != nil {
		fail(c, err)
		return
	}
	saved, err := rt.store.GetDraft(draft.Chapter, draft.Version)
	if err != nil {
		saved = draft
	}
	c.JSON(http.StatusCreated, saved)
}

func (s *Server) listDraftVersions(c *gin.Context) {
	rt, ok := s.project(c)
	if !ok {
		return
	}
	versions, err := rt.store.ListDraftVersions(c.Param("chapter"))
	if err != nil {
		fail(c, err)
		return
	}
	if versions == nil {
		versions = []string{}
	}
	c.JSON(http.StatusOK, versions)
}

func (s *Server) getDraftVersion(c *gin.Context) {
	rt, ok := s.project(c)
	if !ok {
		return
	}
	draft, err := rt.store.GetDraft(c.Param("chapter"), c.Param("version"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, draft)
}

func (s *Server) deleteDraftVersion(c *gin.Context) {
	rt, ok := s.project(c)
	if !ok {
		return
	}
	if err := rt.store.DeleteDraft(c.Request.Context(), c.Param("chapter"), c.Param("version")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": c.Param("version")})
}

func (s *Server) getFinalDraft(c *gin.Context) {
	rt, ok := s.project(c)
	if !ok {
		return
	}
	draft, err := rt.store.GetDraft(c.Param("chapter"), "current")
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, draft)
}

type finalDraftRequest struct {
	Content string `json:"content" binding:"required"`
}

func (s *Server) saveFinalDraft(c *gin.Context) {
	rt, ok := s.project(c)
	if !ok {
		return
	}
	var req finalDraftRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	draft, err := rt.store.SaveCurrentDraft(c.Request.Context(), c.Param("chapter"), req.Content)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, draft)
}

func (s *Server) getSceneBrief(c *gin.Context) {
	rt, ok := s.project(c)
	if !ok {
		return
	}
	brief, err := rt.store.GetSceneBrief(c.Param("chapter"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, brief)
}

func (s *Server) saveSceneBrief(c *gin.Context) {
	rt, ok := s.project(c)
	if !ok {
		return
	}
	var brief domain.SceneBrief
	if err := c.ShouldBindJSON(&brief); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	brief.Chapter = c.Param("chapter")
	if err := rt.store.SaveSceneBrief(c.Request.Context(), brief); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, brief)
}

// writingContext returns the brief rendered for the writer plus the current
// memory pack's working memory, without triggering research.
func (s *Server) writingContext(c *gin.Context) {
	rt, ok := s.project(c)
	if !ok {
		return
	}
	ch := c.Param("chapter")
	out := gin.H{"chapter": ch}
	if brief, err := rt.store.GetSceneBrief(ch); err == nil {
		out["brief"] = brief
		out["guiding"] = contexteng.RenderBrief(brief)
	}
	if pack, err := rt.store.ReadMemoryPack(ch); err == nil {
		out["working_memory"] = pack.Payload.WorkingMemory
		out["built_at"] = pack.BuiltAt
	}
	c.JSON(http.StatusOK, out)
}

type reorderRequest struct {
	VolumeID string   `json:"volume_id" binding:"required"`
	Chapters []string `json:"chapters" binding:"required,min=1"`
}

// reorderChapters writes order_index on each chapter summary so the listed
// order overrides chapter-id order within the volume.
func (s *Server) reorderChapters(c *gin.Context) {
	rt, ok := s.project(c)
	if !ok {
		return
	}
	var req reorderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	for i, raw := range req.Chapters {
		canon, err := chapter.Canonical(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "bad chapter id: " + raw})
			return
		}
		summary, err := rt.store.GetChapterSummary(canon)
		if err != nil {
			if !storage.IsNotFound(err) {
				fail(c, err)
				return
			}
			summary = domain.ChapterSummary{Chapter: canon, VolumeID: chapter.ExtractVolume(canon)}
		}
		idx := i
		summary.OrderIndex = &idx
		if err := rt.store.SaveChapterSummary(c.Request.Context(), summary); err != nil {
			fail(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"volume_id": req.VolumeID, "ordered": req.Chapters})
}
