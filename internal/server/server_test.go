package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotcommander/wenshape/internal/agent"
	"github.com/dotcommander/wenshape/internal/domain"
	"github.com/dotcommander/wenshape/internal/storage"
	"github.com/dotcommander/wenshape/internal/trace"
)

func newTestServer(t *testing.T) (*Server, http.Handler) {
	t.Helper()
	factory, err := storage.NewFactory(t.TempDir(), nil)
	require.NoError(t, err)
	s := New(factory, agent.NewGateway(nil))
	return s, s.Router()
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), "body: %s", w.Body.String())
	return v
}

func TestProjectLifecycle(t *testing.T) {
	_, h := newTestServer(t)

	w := doJSON(t, h, http.MethodPost, "/projects", map[string]string{"id": "novel1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = doJSON(t, h, http.MethodGet, "/projects", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, decode[[]string](t, w), "novel1")

	w = doJSON(t, h, http.MethodGet, "/projects/novel1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, http.MethodDelete, "/projects/novel1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, http.MethodGet, "/projects/novel1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "detail")
}

func TestDualMount(t *testing.T) {
	_, h := newTestServer(t)
	for _, path := range []string{"/projects", "/api/projects"} {
		w := doJSON(t, h, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}

func TestCharacterCardCRUD(t *testing.T) {
	_, h := newTestServer(t)
	card := domain.CharacterCard{Name: "林远", Description: "铁匠", Identity: "铁匠铺的主人"}

	w := doJSON(t, h, http.MethodPost, "/projects/p1/cards/characters", card)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(t, h, http.MethodGet, "/projects/p1/cards/characters/林远", nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[domain.CharacterCard](t, w)
	assert.Equal(t, "铁匠", got.Description)

	w = doJSON(t, h, http.MethodGet, "/projects/p1/cards/characters", nil)
	assert.Equal(t, []string{"林远"}, decode[[]string](t, w))

	w = doJSON(t, h, http.MethodDelete, "/projects/p1/cards/characters/林远", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, http.MethodGet, "/projects/p1/cards/characters/林远", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStyleExtractOffline(t *testing.T) {
	_, h := newTestServer(t)
	w := doJSON(t, h, http.MethodPost, "/projects/p1/cards/style/extract",
		map[string]string{"content": "雪落无声。他推门进来。炉火映在脸上。"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := decode[map[string]string](t, w)
	assert.NotEmpty(t, got["style"])
}

func TestCardExtractOffline(t *testing.T) {
	_, h := newTestServer(t)
	w := doJSON(t, h, http.MethodPost, "/projects/p1/cards/extract",
		map[string]string{"content": "林远走进关城。林远抬头看了看城楼。"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := decode[map[string][]domain.CardProposal](t, w)
	names := make([]string, 0, len(got["proposals"]))
	for _, p := range got["proposals"] {
		names = append(names, p.Name)
	}
	assert.Contains(t, names, "林远")
}

func TestFactEndpoints(t *testing.T) {
	_, h := newTestServer(t)
	fact := domain.Fact{Statement: "林远是铁匠", Source: "V1C1"}

	w := doJSON(t, h, http.MethodPost, "/projects/p1/canon/facts", fact)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[domain.Fact](t, w)
	require.True(t, strings.HasPrefix(created.ID, "F"), "id = %q", created.ID)

	w = doJSON(t, h, http.MethodGet, "/projects/p1/canon/facts/by-id/"+created.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, http.MethodGet, "/projects/p1/canon/facts/V1C1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	byChapter := decode[[]domain.Fact](t, w)
	require.Len(t, byChapter, 1)

	w = doJSON(t, h, http.MethodDelete, "/projects/p1/canon/facts/by-id/"+created.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, http.MethodGet, "/projects/p1/canon/facts/by-id/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDraftAndBriefEndpoints(t *testing.T) {
	_, h := newTestServer(t)

	w := doJSON(t, h, http.MethodPost, "/projects/p1/drafts/V1C1",
		map[string]string{"content": "第一章草稿。", "version": "v1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = doJSON(t, h, http.MethodGet, "/projects/p1/drafts/V1C1/versions", nil)
	assert.Equal(t, []string{"v1"}, decode[[]string](t, w))

	w = doJSON(t, h, http.MethodPost, "/projects/p1/drafts/V1C1/final",
		map[string]string{"content": "第一章定稿。"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, h, http.MethodGet, "/projects/p1/drafts/V1C1/final", nil)
	require.Equal(t, http.StatusOK, w.Code)
	final := decode[domain.Draft](t, w)
	assert.Equal(t, "第一章定稿。", final.Content)

	brief := domain.SceneBrief{Goal: "开篇立人设"}
	w = doJSON(t, h, http.MethodPut, "/projects/p1/drafts/V1C1/scene-brief", brief)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, http.MethodGet, "/projects/p1/drafts/V1C1/context", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "开篇立人设")
}

func TestReorderWritesOrderIndex(t *testing.T) {
	s, h := newTestServer(t)

	w := doJSON(t, h, http.MethodPost, "/projects/p1/drafts/reorder",
		map[string]any{"volume_id": "V1", "chapters": []string{"V1C2", "V1C1"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	rt, err := s.runtime("p1")
	require.NoError(t, err)
	sum, err := rt.store.GetChapterSummary("V1C2")
	require.NoError(t, err)
	require.NotNil(t, sum.OrderIndex)
	assert.Equal(t, 0, *sum.OrderIndex)
}

func TestVolumeStats(t *testing.T) {
	s, h := newTestServer(t)
	rt, err := s.runtime("p1")
	require.NoError(t, err)
	ctx := context.Background()
	_, err = rt.store.SaveCurrentDraft(ctx, "V1C1", "正文内容。")
	require.NoError(t, err)
	require.NoError(t, rt.store.SaveChapterSummary(ctx, domain.ChapterSummary{
		Chapter: "V1C1", VolumeID: "V1", WordCount: 5,
	}))

	w := doJSON(t, h, http.MethodGet, "/projects/p1/volumes/V1/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[map[string]any](t, w)
	assert.Equal(t, float64(1), stats["chapter_count"])
	assert.Equal(t, float64(5), stats["total_words"])
}

func TestFactsTreeSuppressesDuplicates(t *testing.T) {
	s, h := newTestServer(t)
	rt, err := s.runtime("p1")
	require.NoError(t, err)
	ctx := context.Background()

	_, err = rt.store.AddFact(ctx, domain.Fact{
		Statement: "林远是铁匠", Source: "V1C1", IntroducedIn: "V1C1", SummaryRef: "V1C1#0",
	})
	require.NoError(t, err)
	require.NoError(t, rt.store.SaveChapterSummary(ctx, domain.ChapterSummary{
		Chapter: "V1C1", VolumeID: "V1",
		NewFacts: []string{"林远是铁匠", "赵七当夜值守"},
	}))

	w := doJSON(t, h, http.MethodGet, "/projects/p1/facts/tree", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	tree := decode[[]factsTreeNode](t, w)
	require.Len(t, tree, 1)
	require.Len(t, tree[0].Chapters, 1)

	var statements []string
	for _, f := range tree[0].Chapters[0].Facts {
		statements = append(statements, f.Statement)
	}
	// The canon fact appears once; its summary twin is suppressed both by
	// summary_ref and by normalized-statement match.
	assert.Equal(t, 1, countOf(statements, "林远是铁匠"))
	assert.Contains(t, statements, "赵七当夜值守")
}

func countOf(list []string, want string) int {
	n := 0
	for _, s := range list {
		if s == want {
			n++
		}
	}
	return n
}

func TestSessionStartOffline(t *testing.T) {
	s, h := newTestServer(t)
	rt, err := s.runtime("p1")
	require.NoError(t, err)
	require.NoError(t, rt.store.SaveCharacter(context.Background(), domain.CharacterCard{
		Name: "林远", Description: "铁匠",
	}))

	w := doJSON(t, h, http.MethodPost, "/projects/p1/session/start", map[string]any{
		"chapter":      "V1C1",
		"chapter_goal": "林远初登场",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	result := decode[map[string]any](t, w)
	assert.Equal(t, "WAITING_FEEDBACK", result["status"])
	require.NotNil(t, result["draft"])

	w = doJSON(t, h, http.MethodGet, "/projects/p1/session/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "WAITING_FEEDBACK")
}

func TestSessionAnalyzeSync(t *testing.T) {
	s, h := newTestServer(t)
	rt, err := s.runtime("p1")
	require.NoError(t, err)
	_, err = rt.store.SaveCurrentDraft(context.Background(), "V1C1",
		"林远是边军出身的铁匠。他决定把烙印的事暂时隐瞒下去。")
	require.NoError(t, err)

	w := doJSON(t, h, http.MethodPost, "/projects/p1/session/analyze-sync",
		map[string]string{"chapter": "V1C1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	facts, err := rt.store.ListFacts()
	require.NoError(t, err)
	assert.NotEmpty(t, facts)
}

func TestEvidenceSearchEndpoint(t *testing.T) {
	s, h := newTestServer(t)
	rt, err := s.runtime("p1")
	require.NoError(t, err)
	_, err = rt.store.AddFact(context.Background(), domain.Fact{
		Statement: "林远在北境关城经营铁匠铺", Source: "V1C1",
	})
	require.NoError(t, err)

	w := doJSON(t, h, http.MethodPost, "/projects/p1/evidence/search",
		map[string]any{"queries": []string{"铁匠铺"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "铁匠铺")
}

func TestErrorShapeIsDetail(t *testing.T) {
	_, h := newTestServer(t)
	w := doJSON(t, h, http.MethodGet, "/projects/p1/cards/characters/不存在", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	body := decode[map[string]string](t, w)
	assert.NotEmpty(t, body["detail"])
}

func TestSessionWebSocketPingPong(t *testing.T) {
	s, h := newTestServer(t)
	ts := httptest.NewServer(h)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/p1/session"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var hello wsEnvelope
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "ConnectionEstablished", hello.Type)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "pong", string(data))

	// A published progress event reaches the client.
	s.Progress().Publish(trace.ProgressEvent{
		Type: trace.ProgressStatus, ProjectID: "p1", Status: "WRITING_DRAFT",
	})
	var ev trace.ProgressEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "WRITING_DRAFT", ev.Status)
}

func TestTraceWebSocketBacklogAndLive(t *testing.T) {
	s, h := newTestServer(t)
	s.Collector().Record(trace.TraceEvent{Type: trace.EventAgentStart, AgentName: "writer"})

	ts := httptest.NewServer(h)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/trace"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var hello wsEnvelope
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "connected", hello.Type)

	var backlog wsEnvelope
	require.NoError(t, conn.ReadJSON(&backlog))
	assert.Equal(t, "trace_event", backlog.Type)

	s.Collector().Record(trace.TraceEvent{
		Type: trace.EventLLMRequest, AgentName: "writer",
		Data: map[string]any{"total_tokens": 120},
	})
	sawStats := false
	for range 2 {
		var frame wsEnvelope
		require.NoError(t, conn.ReadJSON(&frame))
		if frame.Type == "context_stats_update" {
			sawStats = true
		}
	}
	assert.True(t, sawStats, "no context_stats_update after LLM_REQUEST")
}
