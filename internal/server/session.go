package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dotcommander/wenshape/internal/analysis"
	"github.com/dotcommander/wenshape/internal/session"
	"github.com/dotcommander/wenshape/internal/storage"
)

func (s *Server) registerSessionRoutes(g *gin.RouterGroup) {
	sess := g.Group("/projects/:project/session")
	sess.POST("/start", s.sessionStart)
	sess.POST("/feedback", s.sessionFeedback)
	sess.POST("/edit-suggest", s.sessionEditSuggest)
	sess.POST("/answer-questions", s.sessionAnswerQuestions)
	sess.POST("/cancel", s.sessionCancel)
	sess.GET("/status", s.sessionStatus)
	sess.POST("/analyze", s.sessionAnalyze)
	sess.POST("/save-analysis", s.sessionSaveAnalysis)
	sess.POST("/analyze-sync", s.sessionAnalyzeSync)
	sess.POST("/analyze-batch", s.sessionAnalyzeBatch)
	sess.POST("/save-analysis-batch", s.sessionSaveAnalysisBatch)
}

// sessionError maps a session failure to a structured HTTP response; agent
// and storage errors never surface as panics.
func sessionError(c *gin.Context, err error) {
	status := statusFor(err)
	if errors.Is(err, session.ErrMaxIterations) {
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"success": false, "status": session.StatusError, "detail": err.Error()})
}

func (s *Server) sessionStart(c *gin.Context) {
	rt, ok := s.project(c)
	if !ok {
		return
	}
	var req session.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	result, err := rt.session.Start(c.Request.Context(), req)
	if err != nil {
		sessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) sessionFeedback(c *gin.Context) {
	rt, ok := s.project(c)
	if !ok {
		return
	}
	var req session.FeedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	result, err := rt.session.ProcessFeedback(c.Request.Context(), req)
	if err != nil {
		sessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) sessionEditSuggest(c *gin.Context) {
	rt, ok := s.project(c)
	if !ok {
		return
	}
	var req session.EditSuggestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	result, err := rt.session.SuggestEdit(c.Request.Context(), req)
	if err != nil {
		sessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) sessionAnswerQuestions(c *gin.Context) {
	rt, ok := s.project(c)
	if !ok {
		return
	}
	var req session.AnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	result, err := rt.session.AnswerQuestions(c.Request.Context(), req)
	if err != nil {
		sessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) sessionCancel(c *gin.Context) {
	rt, ok := s.project(c)
	if !ok {
		return
	}
	rt.session.Cancel()
	c.JSON(http.StatusOK, gin.H{"status": session.StatusIdle})
}

func (s *Server) sessionStatus(c *gin.Context) {
	rt, ok := s.project(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, rt.session.Snapshot())
}

type analyzeRequest struct {
	Chapter string `json:"chapter" binding:"required"`
}

func (s *Server) sessionAnalyze(c *gin.Context) {
	rt, ok := s.project(c)
	if !ok {
		return
	}
	var req analyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	a, err := rt.pipeline.AnalyzeChapter(c.Request.Context(), req.Chapter)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

type saveAnalysisRequest struct {
	Analysis  analysis.ChapterAnalysis `json:"analysis" binding:"required"`
	Reanalyze bool                     `json:"reanalyze"`
	Cards     bool                     `json:"create_cards"`
}

func (s *Server) sessionSaveAnalysis(c *gin.Context) {
	rt, ok := s.project(c)
	if !ok {
		return
	}
	var req saveAnalysisRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	opts := analysis.SaveOptions{Reanalyze: req.Reanalyze, CreateCards: req.Cards, RefreshVolume: true}
	if err := rt.pipeline.SaveAnalysis(c.Request.Context(), req.Analysis, opts); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "chapter": req.Analysis.Chapter})
}

func (s *Server) sessionAnalyzeSync(c *gin.Context) {
	rt, ok := s.project(c)
	if !ok {
		return
	}
	var req analyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	a, err := rt.pipeline.AnalyzeChapter(c.Request.Context(), req.Chapter)
	if err != nil {
		fail(c, err)
		return
	}
	opts := analysis.SaveOptions{Reanalyze: true, CreateCards: true, RefreshVolume: true}
	if err := rt.pipeline.SaveAnalysis(c.Request.Context(), a, opts); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

type analyzeBatchRequest struct {
	Chapters []string `json:"chapters"`
}

func (s *Server) sessionAnalyzeBatch(c *gin.Context) {
	rt, ok := s.project(c)
	if !ok {
		return
	}
	var req analyzeBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	result, err := rt.pipeline.BatchSync(c.Request.Context(), req.Chapters)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type saveAnalysisBatchRequest struct {
	Analyses []analysis.ChapterAnalysis `json:"analyses" binding:"required,min=1"`
}

// sessionSaveAnalysisBatch persists each analysis; per-chapter failures do
// not abort the batch.
func (s *Server) sessionSaveAnalysisBatch(c *gin.Context) {
	rt, ok := s.project(c)
	if !ok {
		return
	}
	var req saveAnalysisBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	type itemResult struct {
		Chapter string `json:"chapter"`
		Success bool   `json:"success"`
		Error   string `json:"error,omitempty"`
	}
	results := make([]itemResult, 0, len(req.Analyses))
	opts := analysis.SaveOptions{Reanalyze: true, CreateCards: true, RefreshVolume: true}
	for _, a := range req.Analyses {
		item := itemResult{Chapter: a.Chapter, Success: true}
		if err := rt.pipeline.SaveAnalysis(c.Request.Context(), a, opts); err != nil {
			item.Success = false
			item.Error = err.Error()
			if storage.IsValidation(err) {
				s.logger.Warn("batch save rejected analysis", "chapter", a.Chapter, "error", err)
			}
		}
		results = append(results, item)
	}
	c.JSON(http.StatusOK, results)
}
