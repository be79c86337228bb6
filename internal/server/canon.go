package server

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/dotcommander/wenshape/internal/chapter"
	"github.com/dotcommander/wenshape/internal/domain"
)

func (s *Server) registerCanonRoutes(g *gin.RouterGroup) {
	canon := g.Group("/projects/:project/canon")
	canon.GET("/facts", s.listFacts)
	canon.POST("/facts", s.addFact)
	canon.GET("/facts/by-id/:id", s.getFact)
	canon.PUT("/facts/by-id/:id", s.updateFact)
	canon.DELETE("/facts/by-id/:id", s.deleteFact)
	canon.GET("/facts/:chapter", s.factsByChapter)

	canon.GET("/timeline", s.listTimeline)
	canon.POST("/timeline", s.addTimelineEvent)
	canon.GET("/timeline/:chapter", s.timelineByChapter)

	canon.GET("/character-state", s.listCharacterStates)
	canon.GET("/character-state/:name", s.currentCharacterState)
	canon.POST("/character-state", s.addCharacterState)

	g.GET("/projects/:project/facts/tree", s.factsTree)
}

func (s *Server) listFacts(c *gin.Context) {
	rt, ok := s.project(c)
	if !ok {
		return
	}
	facts, err := rt.store.ListFacts()
	if err != nil {
		fail(c, err)
		return
	}
	if facts == nil {
		facts = []domain.Fact{}
	}
	c.JSON(http.StatusOK, facts)
}

func (s *Server) addFact(c *gin.Context) {
	rt, ok := s.project(c)
	if !ok {
		return
	}
	var fact domain.Fact
	if err := c.ShouldBindJSON(&fact); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	saved, err := rt.store.AddFact(c.Request.Context(), fact)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, saved)
}

func (s *Server) getFact(c *gin.Context) {
	rt, ok := s.project(c)
	if !ok {
		return
	}
	fact, err := rt.store.GetFactByID(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, fact)
}

func (s *Server) updateFact(c *gin.Context) {
	rt, ok := s.project(c)
	if !ok {
		return
	}
	var fact domain.Fact
	if err := c.ShouldBindJSON(&fact); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	fact.ID = c.Param("id")
	if err := rt.store.UpdateFact(c.Request.Context(), fact); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, fact)
}

func (s *Server) deleteFact(c *gin.Context) {
	rt, ok := s.project(c)
	if !ok {
		return
	}
	if err := rt.store.DeleteFact(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": c.Param("id")})
}

func (s *Server) factsByChapter(c *gin.Context) {
	rt, ok := s.project(c)
	if !ok {
		return
	}
	facts, err := rt.store.FactsByChapter(c.Param("chapter"))
	if err != nil {
		fail(c, err)
		return
	}
	if facts == nil {
		facts = []domain.Fact{}
	}
	c.JSON(http.StatusOK, facts)
}

func (s *Server) listTimeline(c *gin.Context) {
	rt, ok := s.project(c)
	if !ok {
		return
	}
	events, err := rt.store.ListTimeline()
	if err != nil {
		fail(c, err)
		return
	}
	if events == nil {
		events = []domain.TimelineEvent{}
	}
	c.JSON(http.StatusOK, events)
}

func (s *Server) addTimelineEvent(c *gin.Context) {
	rt, ok := s.project(c)
	if !ok {
		return
	}
	var ev domain.TimelineEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	if err := rt.store.AddTimelineEvent(c.Request.Context(), ev); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, ev)
}

func (s *Server) timelineByChapter(c *gin.Context) {
	rt, ok := s.project(c)
	if !ok {
		return
	}
	events, err := rt.store.TimelineByChapter(c.Param("chapter"))
	if err != nil {
		fail(c, err)
		return
	}
	if events == nil {
		events = []domain.TimelineEvent{}
	}
	c.JSON(http.StatusOK, events)
}

func (s *Server) listCharacterStates(c *gin.Context) {
	rt, ok := s.project(c)
	if !ok {
		return
	}
	states, err := rt.store.ListCharacterStates()
	if err != nil {
		fail(c, err)
		return
	}
	if states == nil {
		states = []domain.CharacterState{}
	}
	c.JSON(http.StatusOK, states)
}

func (s *Server) currentCharacterState(c *gin.Context) {
	rt, ok := s.project(c)
	if !ok {
		return
	}
	state, err := rt.store.CurrentCharacterState(c.Param("name"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (s *Server) addCharacterState(c *gin.Context) {
	rt, ok := s.project(c)
	if !ok {
		return
	}
	var state domain.CharacterState
	if err := c.ShouldBindJSON(&state); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	if err := rt.store.AddCharacterState(c.Request.Context(), state); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, state)
}

// factsTreeNode groups a volume's chapters and their facts.
type factsTreeNode struct {
	VolumeID string             `json:"volume_id"`
	Chapters []factsTreeChapter `json:"chapters"`
}

type factsTreeChapter struct {
	Chapter string        `json:"chapter"`
	Facts   []domain.Fact `json:"facts"`
}

// factsTree aggregates canon facts and summary-derived facts per volume and
// chapter. Summary entries whose id matches a canon fact's summary_ref, or
// whose normalized statement already exists in canon, are suppressed.
func (s *Server) factsTree(c *gin.Context) {
	rt, ok := s.project(c)
	if !ok {
		return
	}
	facts, err := rt.store.ListFacts()
	if err != nil {
		fail(c, err)
		return
	}
	summaries, err := rt.store.ListChapterSummaries()
	if err != nil {
		fail(c, err)
		return
	}

	suppressed := make(map[string]bool)
	canonStatements := make(map[string]bool)
	for _, f := range facts {
		if f.SummaryRef != "" {
			suppressed[f.SummaryRef] = true
		}
		canonStatements[normalizeStatement(f.Statement)] = true
	}

	byChapter := make(map[string][]domain.Fact)
	for _, f := range facts {
		ch := f.IntroducedIn
		if ch == "" {
			ch = f.Source
		}
		byChapter[ch] = append(byChapter[ch], f)
	}
	for _, sum := range summaries {
		for i, stmt := range sum.NewFacts {
			id := fmt.Sprintf("%s#%d", sum.Chapter, i)
			if suppressed[id] || canonStatements[normalizeStatement(stmt)] {
				continue
			}
			byChapter[sum.Chapter] = append(byChapter[sum.Chapter], domain.Fact{
				Statement:    stmt,
				Source:       sum.Chapter,
				IntroducedIn: sum.Chapter,
				SummaryRef:   id,
			})
		}
	}

	volumes := make(map[string][]factsTreeChapter)
	var chapterIDs []string
	for ch := range byChapter {
		chapterIDs = append(chapterIDs, ch)
	}
	chapterIDs = chapter.Sort(chapterIDs)
	for _, ch := range chapterIDs {
		vid := chapter.ExtractVolume(ch)
		volumes[vid] = append(volumes[vid], factsTreeChapter{Chapter: ch, Facts: byChapter[ch]})
	}

	var vids []string
	for vid := range volumes {
		vids = append(vids, vid)
	}
	sort.Strings(vids)
	tree := make([]factsTreeNode, 0, len(vids))
	for _, vid := range vids {
		tree = append(tree, factsTreeNode{VolumeID: vid, Chapters: volumes[vid]})
	}
	c.JSON(http.StatusOK, tree)
}

func normalizeStatement(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimRight(s, "。.!！?？")
	return strings.ToLower(s)
}
