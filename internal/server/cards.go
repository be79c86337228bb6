package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dotcommander/wenshape/internal/domain"
)

func (s *Server) registerCardRoutes(g *gin.RouterGroup) {
	cards := g.Group("/projects/:project/cards")
	cards.GET("/characters", s.listCharacters)
	cards.GET("/characters/:name", s.getCharacter)
	cards.POST("/characters", s.saveCharacter)
	cards.PUT("/characters/:name", s.saveCharacter)
	cards.DELETE("/characters/:name", s.deleteCharacter)

	cards.GET("/world", s.listWorldCards)
	cards.GET("/world/:name", s.getWorldCard)
	cards.POST("/world", s.saveWorldCard)
	cards.PUT("/world/:name", s.saveWorldCard)
	cards.DELETE("/world/:name", s.deleteWorldCard)

	cards.GET("/style", s.getStyleCard)
	cards.PUT("/style", s.saveStyleCard)
	cards.POST("/style", s.saveStyleCard)
	cards.POST("/style/extract", s.extractStyle)
	cards.POST("/extract", s.extractCards)
}

func (s *Server) listCharacters(c *gin.Context) {
	rt, ok := s.project(c)
	if !ok {
		return
	}
	names, err := rt.store.ListCharacters()
	if err != nil {
		fail(c, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	c.JSON(http.StatusOK, names)
}

func (s *Server) getCharacter(c *gin.Context) {
	rt, ok := s.project(c)
	if !ok {
		return
	}
	card, err := rt.store.GetCharacter(c.Param("name"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, card)
}

func (s *Server) saveCharacter(c *gin.Context) {
	rt, ok := s.project(c)
	if !ok {
		return
	}
	var card domain.CharacterCard
	if err := c.ShouldBindJSON(&card); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	if name := c.Param("name"); name != "" {
		card.Name = name
	}
	if card.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "card name required"})
		return
	}
	if err := rt.store.SaveCharacter(c.Request.Context(), card); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, card)
}

func (s *Server) deleteCharacter(c *gin.Context) {
	rt, ok := s.project(c)
	if !ok {
		return
	}
	if err := rt.store.DeleteCharacter(c.Request.Context(), c.Param("name")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": c.Param("name")})
}

func (s *Server) listWorldCards(c *gin.Context) {
	rt, ok := s.project(c)
	if !ok {
		return
	}
	names, err := rt.store.ListWorldCards()
	if err != nil {
		fail(c, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	c.JSON(http.StatusOK, names)
}

func (s *Server) getWorldCard(c *gin.Context) {
	rt, ok := s.project(c)
	if !ok {
		return
	}
	card, err := rt.store.GetWorldCard(c.Param("name"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, card)
}

func (s *Server) saveWorldCard(c *gin.Context) {
	rt, ok := s.project(c)
	if !ok {
		return
	}
	var card domain.WorldCard
	if err := c.ShouldBindJSON(&card); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	if name := c.Param("name"); name != "" {
		card.Name = name
	}
	if card.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "card name required"})
		return
	}
	if err := rt.store.SaveWorldCard(c.Request.Context(), card); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, card)
}

func (s *Server) deleteWorldCard(c *gin.Context) {
	rt, ok := s.project(c)
	if !ok {
		return
	}
	if err := rt.store.DeleteWorldCard(c.Request.Context(), c.Param("name")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": c.Param("name")})
}

func (s *Server) getStyleCard(c *gin.Context) {
	rt, ok := s.project(c)
	if !ok {
		return
	}
	card, err := rt.store.GetStyleCard()
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, card)
}

func (s *Server) saveStyleCard(c *gin.Context) {
	rt, ok := s.project(c)
	if !ok {
		return
	}
	var card domain.StyleCard
	if err := c.ShouldBindJSON(&card); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	if err := rt.store.SaveStyleCard(c.Request.Context(), card); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, card)
}

type styleExtractRequest struct {
	Content string `json:"content" binding:"required"`
}

func (s *Server) extractStyle(c *gin.Context) {
	rt, ok := s.project(c)
	if !ok {
		return
	}
	var req styleExtractRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	style, err := rt.archivist.ExtractStyle(c.Request.Context(), req.Content)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"style": style})
}

type cardExtractRequest struct {
	Content string `json:"content" binding:"required"`
}

// extractCards proposes character and world cards from raw text. Nothing is
// persisted; the caller reviews and saves accepted proposals.
func (s *Server) extractCards(c *gin.Context) {
	rt, ok := s.project(c)
	if !ok {
		return
	}
	var req cardExtractRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	proposals, err := rt.extractor.ExtractCards(c.Request.Context(), req.Content)
	if err != nil {
		fail(c, err)
		return
	}
	if proposals == nil {
		proposals = []domain.CardProposal{}
	}
	c.JSON(http.StatusOK, gin.H{"proposals": proposals})
}
