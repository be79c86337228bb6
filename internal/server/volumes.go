package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dotcommander/wenshape/internal/domain"
)

func (s *Server) registerVolumeRoutes(g *gin.RouterGroup) {
	volumes := g.Group("/projects/:project/volumes")
	volumes.GET("", s.listVolumes)
	volumes.POST("", s.saveVolume)
	volumes.GET("/:vid", s.getVolume)
	volumes.PUT("/:vid", s.saveVolume)
	volumes.DELETE("/:vid", s.deleteVolume)
	volumes.GET("/:vid/summary", s.getVolumeSummary)
	volumes.PUT("/:vid/summary", s.saveVolumeSummary)
	volumes.GET("/:vid/stats", s.volumeStats)
}

func (s *Server) listVolumes(c *gin.Context) {
	rt, ok := s.project(c)
	if !ok {
		return
	}
	volumes, err := rt.store.ListVolumes(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	if volumes == nil {
		volumes = []domain.Volume{}
	}
	c.JSON(http.StatusOK, volumes)
}

func (s *Server) getVolume(c *gin.Context) {
	rt, ok := s.project(c)
	if !ok {
		return
	}
	v, err := rt.store.GetVolume(c.Param("vid"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) saveVolume(c *gin.Context) {
	rt, ok := s.project(c)
	if !ok {
		return
	}
	var v domain.Volume
	if err := c.ShouldBindJSON(&v); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	if vid := c.Param("vid"); vid != "" {
		v.ID = vid
	}
	if v.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "volume id required"})
		return
	}
	if err := rt.store.SaveVolume(c.Request.Context(), v); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) deleteVolume(c *gin.Context) {
	rt, ok := s.project(c)
	if !ok {
		return
	}
	if err := rt.store.DeleteVolume(c.Request.Context(), c.Param("vid")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": c.Param("vid")})
}

func (s *Server) getVolumeSummary(c *gin.Context) {
	rt, ok := s.project(c)
	if !ok {
		return
	}
	vs, err := rt.store.GetVolumeSummary(c.Param("vid"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, vs)
}

func (s *Server) saveVolumeSummary(c *gin.Context) {
	rt, ok := s.project(c)
	if !ok {
		return
	}
	var vs domain.VolumeSummary
	if err := c.ShouldBindJSON(&vs); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	vs.VolumeID = c.Param("vid")
	if err := rt.store.SaveVolumeSummary(c.Request.Context(), vs); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, vs)
}

// volumeStats aggregates word counts over the volume's chapter summaries.
func (s *Server) volumeStats(c *gin.Context) {
	rt, ok := s.project(c)
	if !ok {
		return
	}
	vid := c.Param("vid")
	chapters, err := rt.store.ListChaptersForVolume(vid)
	if err != nil {
		fail(c, err)
		return
	}
	totalWords := 0
	summarized := 0
	for _, ch := range chapters {
		summary, err := rt.store.GetChapterSummary(ch)
		if err != nil {
			continue
		}
		totalWords += summary.WordCount
		summarized++
	}
	c.JSON(http.StatusOK, gin.H{
		"volume_id":     vid,
		"chapter_count": len(chapters),
		"summarized":    summarized,
		"total_words":   totalWords,
	})
}
