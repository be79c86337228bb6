package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/dotcommander/wenshape/internal/trace"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsSendBuffer   = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The UI runs on a different port in development.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsEnvelope is the generic frame sent to websocket clients.
type wsEnvelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// handleSessionWS streams per-project progress events. The client may send
// "ping" and receives "pong".
func (s *Server) handleSessionWS(c *gin.Context) {
	projectID := c.Param("project")
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events, subID := s.progress.Subscribe(projectID)
	defer s.progress.Unsubscribe(projectID, subID)

	send := make(chan any, wsSendBuffer)
	send <- wsEnvelope{Type: "ConnectionEstablished", Payload: gin.H{"project_id": projectID}}

	done := make(chan struct{})
	// Reader: heartbeats and client disconnect.
	go func() {
		defer close(done)
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if kind == websocket.TextMessage && string(data) == "ping" {
				select {
				case send <- "pong":
				default:
				}
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeWS(conn, ev); err != nil {
				return
			}
		case msg := <-send:
			var err error
			if text, isText := msg.(string); isText {
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				err = conn.WriteMessage(websocket.TextMessage, []byte(text))
			} else {
				err = writeWS(conn, msg)
			}
			if err != nil {
				return
			}
		}
	}
}

// statsRollupEvents trigger a context_stats_update frame after the event
// frame itself.
var statsRollupEvents = map[string]bool{
	trace.EventLLMRequest:      true,
	trace.EventContextSelect:   true,
	trace.EventContextCompress: true,
}

// handleTraceWS streams the global trace: a connected frame, the current
// backlog, then live events with periodic stats rollups.
func (s *Server) handleTraceWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	if err := writeWS(conn, wsEnvelope{Type: "connected"}); err != nil {
		return
	}
	for _, ev := range s.collector.Events() {
		if err := writeWS(conn, wsEnvelope{Type: "trace_event", Payload: ev}); err != nil {
			return
		}
	}

	frames := make(chan wsEnvelope, wsSendBuffer)
	subID := s.collector.Subscribe(func(ev trace.TraceEvent, stats trace.Stats) {
		push := func(f wsEnvelope) {
			select {
			case frames <- f:
			default:
			}
		}
		push(wsEnvelope{Type: "trace_event", Payload: ev})
		if statsRollupEvents[ev.Type] {
			push(wsEnvelope{Type: "context_stats_update", Payload: gin.H{
				"token_usage": stats,
				"health":      gin.H{"events": stats.TotalEvents, "llm_requests": stats.LLMRequests},
			}})
		}
	})
	defer s.collector.Unsubscribe(subID)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case frame := <-frames:
			if err := writeWS(conn, frame); err != nil {
				return
			}
		}
	}
}

func writeWS(conn *websocket.Conn, v any) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(v)
}
