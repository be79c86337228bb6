package trace

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Trace event types. Stats rollups key off the context and LLM events.
const (
	EventAgentStart      = "AGENT_START"
	EventAgentEnd        = "AGENT_END"
	EventToolCall        = "TOOL_CALL"
	EventLLMRequest      = "LLM_REQUEST"
	EventContextSelect   = "CONTEXT_SELECT"
	EventContextCompress = "CONTEXT_COMPRESS"
	EventHealthCheck     = "HEALTH_CHECK"
	EventHandoff         = "HANDOFF"
	EventDiff            = "DIFF"
)

// TraceEvent is one process-wide observability record.
type TraceEvent struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	AgentName  string         `json:"agent_name,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Data       map[string]any `json:"data,omitempty"`
	DurationMS int64          `json:"duration_ms,omitempty"`
	ParentID   string         `json:"parent_id,omitempty"`
}

// Stats is the incrementally maintained rollup over recorded events.
type Stats struct {
	TotalEvents      int   `json:"total_events"`
	TotalTokens      int   `json:"total_tokens"`
	PromptTokens     int   `json:"prompt_tokens"`
	CompletionTokens int   `json:"completion_tokens"`
	SelectedItems    int   `json:"selected_items"`
	InputTokens      int   `json:"input_tokens"`
	SavedTokens      int   `json:"saved_tokens"`
	LLMRequests      int   `json:"llm_requests"`
}

// ringCapacity bounds the retained event backlog.
const ringCapacity = 1000

// Collector keeps the bounded trace ring and notifies subscribers
// sequentially per event, preserving per-emitter order.
type Collector struct {
	mu          sync.Mutex
	ring        []TraceEvent
	next        int
	filled      bool
	stats       Stats
	subscribers map[string]func(TraceEvent, Stats)
	logger      *slog.Logger
}

// NewCollector creates an empty collector.
func NewCollector(logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		ring:        make([]TraceEvent, ringCapacity),
		subscribers: make(map[string]func(TraceEvent, Stats)),
		logger:      logger.With("component", "trace_collector"),
	}
}

// Record stores the event, updates rollups and notifies subscribers with
// the post-event stats.
func (c *Collector) Record(event TraceEvent) TraceEvent {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	c.mu.Lock()
	c.ring[c.next] = event
	c.next = (c.next + 1) % ringCapacity
	if c.next == 0 {
		c.filled = true
	}
	c.applyRollup(event)
	stats := c.stats
	subs := make([]func(TraceEvent, Stats), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(event, stats)
	}
	return event
}

// applyRollup mutates stats under c.mu.
func (c *Collector) applyRollup(event TraceEvent) {
	c.stats.TotalEvents++
	switch event.Type {
	case EventLLMRequest:
		c.stats.LLMRequests++
		c.stats.TotalTokens += intField(event.Data, "total_tokens")
		c.stats.PromptTokens += intField(event.Data, "prompt_tokens")
		c.stats.CompletionTokens += intField(event.Data, "completion_tokens")
	case EventContextSelect:
		c.stats.SelectedItems += intField(event.Data, "selected_items")
		c.stats.InputTokens += intField(event.Data, "input_tokens")
	case EventContextCompress:
		c.stats.SavedTokens += intField(event.Data, "saved_tokens")
	}
}

func intField(data map[string]any, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// Subscribe registers a callback invoked after every recorded event. The
// callback runs on the recording goroutine and must not block.
func (c *Collector) Subscribe(fn func(TraceEvent, Stats)) string {
	id := uuid.NewString()
	c.mu.Lock()
	c.subscribers[id] = fn
	c.mu.Unlock()
	return id
}

// Unsubscribe removes a callback.
func (c *Collector) Unsubscribe(id string) {
	c.mu.Lock()
	delete(c.subscribers, id)
	c.mu.Unlock()
}

// Events returns the retained backlog in record order.
func (c *Collector) Events() []TraceEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.filled {
		out := make([]TraceEvent, c.next)
		copy(out, c.ring[:c.next])
		return out
	}
	out := make([]TraceEvent, 0, ringCapacity)
	out = append(out, c.ring[c.next:]...)
	out = append(out, c.ring[:c.next]...)
	return out
}

// CurrentStats returns a snapshot of the rollups.
func (c *Collector) CurrentStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
