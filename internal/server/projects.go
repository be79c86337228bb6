package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) registerProjectRoutes(g *gin.RouterGroup) {
	g.GET("/projects", s.listProjects)
	g.POST("/projects", s.createProject)
	g.GET("/projects/:project", s.getProject)
	g.DELETE("/projects/:project", s.deleteProject)
}

func (s *Server) listProjects(c *gin.Context) {
	names, err := s.factory.ListProjects()
	if err != nil {
		fail(c, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	c.JSON(http.StatusOK, names)
}

type createProjectRequest struct {
	ID string `json:"id" binding:"required"`
}

func (s *Server) createProject(c *gin.Context) {
	var req createProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	store, err := s.factory.Project(req.ID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": store.ProjectID()})
}

func (s *Server) getProject(c *gin.Context) {
	id := c.Param("project")
	if !s.factory.ProjectExists(id) {
		c.JSON(http.StatusNotFound, gin.H{"detail": "project not found"})
		return
	}
	rt, ok := s.project(c)
	if !ok {
		return
	}
	chapters, err := rt.store.ListChapters()
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": rt.store.ProjectID(), "chapters": chapters})
}

func (s *Server) deleteProject(c *gin.Context) {
	id := c.Param("project")
	if !s.factory.ProjectExists(id) {
		c.JSON(http.StatusNotFound, gin.H{"detail": "project not found"})
		return
	}
	if err := s.factory.DeleteProject(c.Request.Context(), id); err != nil {
		fail(c, err)
		return
	}
	s.mu.Lock()
	if rt, ok := s.runtimes[id]; ok && rt.watcher != nil {
		_ = rt.watcher.Close()
	}
	delete(s.runtimes, id)
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}
