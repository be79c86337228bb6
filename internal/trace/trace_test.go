package trace

import (
	"fmt"
	"testing"
	"time"
)

func TestProgressBusDeliversInOrder(t *testing.T) {
	bus := NewProgressBus(nil)
	ch, subID := bus.Subscribe("p1")
	defer bus.Unsubscribe("p1", subID)

	for i := 0; i < 5; i++ {
		bus.Publish(ProgressEvent{Type: ProgressToken, ProjectID: "p1", Content: fmt.Sprintf("chunk-%d", i)})
	}
	for i := 0; i < 5; i++ {
		select {
		case ev := <-ch:
			if want := fmt.Sprintf("chunk-%d", i); ev.Content != want {
				t.Errorf("event %d content = %q, want %q", i, ev.Content, want)
			}
			if ev.Timestamp.IsZero() {
				t.Error("timestamp not stamped")
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestProgressBusIsolatesProjects(t *testing.T) {
	bus := NewProgressBus(nil)
	ch, subID := bus.Subscribe("p1")
	defer bus.Unsubscribe("p1", subID)

	bus.Publish(ProgressEvent{Type: ProgressStatus, ProjectID: "p2", Status: "WRITING_DRAFT"})
	select {
	case ev := <-ch:
		t.Errorf("subscriber for p1 received p2 event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestProgressBusDropsWhenQueueFull(t *testing.T) {
	bus := NewProgressBus(nil)
	_, subID := bus.Subscribe("p1")
	defer bus.Unsubscribe("p1", subID)

	// Nobody drains; overflow past the queue bound must not block.
	for i := 0; i < subscriberQueueSize+10; i++ {
		bus.Publish(ProgressEvent{Type: ProgressToken, ProjectID: "p1"})
	}
	if got := bus.Dropped(); got != 10 {
		t.Errorf("dropped = %d, want 10", got)
	}
}

func TestProgressBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewProgressBus(nil)
	ch, subID := bus.Subscribe("p1")
	bus.Unsubscribe("p1", subID)

	if _, open := <-ch; open {
		t.Error("channel still open after unsubscribe")
	}
	if bus.SubscriberCount("p1") != 0 {
		t.Error("subscriber count not zero")
	}
	// Publishing to a project with no subscribers is a no-op.
	bus.Publish(ProgressEvent{Type: ProgressStatus, ProjectID: "p1"})
}

func TestCollectorRollups(t *testing.T) {
	c := NewCollector(nil)

	c.Record(TraceEvent{Type: EventLLMRequest, AgentName: "writer", Data: map[string]any{
		"total_tokens": 120, "prompt_tokens": 100, "completion_tokens": 20,
	}})
	c.Record(TraceEvent{Type: EventContextSelect, AgentName: "writer", Data: map[string]any{
		"selected_items": 7, "input_tokens": 900,
	}})
	c.Record(TraceEvent{Type: EventContextCompress, AgentName: "writer", Data: map[string]any{
		"saved_tokens": 300,
	}})
	c.Record(TraceEvent{Type: EventHealthCheck, AgentName: "writer"})

	stats := c.CurrentStats()
	if stats.TotalEvents != 4 {
		t.Errorf("total events = %d", stats.TotalEvents)
	}
	if stats.TotalTokens != 120 || stats.PromptTokens != 100 || stats.CompletionTokens != 20 {
		t.Errorf("token rollup = %+v", stats)
	}
	if stats.SelectedItems != 7 || stats.InputTokens != 900 {
		t.Errorf("select rollup = %+v", stats)
	}
	if stats.SavedTokens != 300 {
		t.Errorf("compress rollup = %+v", stats)
	}
	if stats.LLMRequests != 1 {
		t.Errorf("llm requests = %d", stats.LLMRequests)
	}
}

func TestCollectorRollupAcceptsJSONNumbers(t *testing.T) {
	c := NewCollector(nil)
	// Numbers arriving through JSON decoding are float64.
	c.Record(TraceEvent{Type: EventLLMRequest, Data: map[string]any{"total_tokens": float64(50)}})
	if got := c.CurrentStats().TotalTokens; got != 50 {
		t.Errorf("total tokens = %d, want 50", got)
	}
}

func TestCollectorRingEviction(t *testing.T) {
	c := NewCollector(nil)
	for i := 0; i < ringCapacity+25; i++ {
		c.Record(TraceEvent{Type: EventToolCall, Data: map[string]any{"seq": i}})
	}
	events := c.Events()
	if len(events) != ringCapacity {
		t.Fatalf("backlog length = %d, want %d", len(events), ringCapacity)
	}
	if got := intField(events[0].Data, "seq"); got != 25 {
		t.Errorf("oldest retained seq = %d, want 25", got)
	}
	if got := intField(events[len(events)-1].Data, "seq"); got != ringCapacity+24 {
		t.Errorf("newest seq = %d", got)
	}
}

func TestCollectorSubscriberSeesStats(t *testing.T) {
	c := NewCollector(nil)
	var gotStats Stats
	var gotEvents int
	id := c.Subscribe(func(ev TraceEvent, stats Stats) {
		gotEvents++
		gotStats = stats
	})
	defer c.Unsubscribe(id)

	ev := c.Record(TraceEvent{Type: EventLLMRequest, Data: map[string]any{"total_tokens": 10}})
	if ev.ID == "" {
		t.Error("event id not assigned")
	}
	if gotEvents != 1 {
		t.Fatalf("subscriber calls = %d", gotEvents)
	}
	if gotStats.TotalTokens != 10 {
		t.Errorf("subscriber stats = %+v", gotStats)
	}

	c.Unsubscribe(id)
	c.Record(TraceEvent{Type: EventToolCall})
	if gotEvents != 1 {
		t.Error("subscriber invoked after unsubscribe")
	}
}
