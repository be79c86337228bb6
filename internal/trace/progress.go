// Package trace carries the two event buses: per-project session progress
// and the process-wide trace collector with stats rollups.
package trace

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Progress event types emitted by the session and research components.
const (
	ProgressStatus       = "status"
	ProgressToken        = "token"
	ProgressStreamStart  = "stream_start"
	ProgressStreamEnd    = "stream_end"
	ProgressGeneratePlan = "generate_plan"
	ProgressPrepare      = "prepare_retrieval"
	ProgressExecute      = "execute_retrieval"
	ProgressSelfCheck    = "self_check"
	ProgressMemoryPack   = "memory_pack"
	ProgressAnalysis     = "analysis"
)

// ProgressEvent is one unit on the per-project session bus.
type ProgressEvent struct {
	Type      string         `json:"type"`
	ProjectID string         `json:"project_id"`
	Chapter   string         `json:"chapter,omitempty"`
	Status    string         `json:"status,omitempty"`
	Stage     string         `json:"stage,omitempty"`
	Content   string         `json:"content,omitempty"`
	Round     int            `json:"round,omitempty"`
	Queries   []string       `json:"queries,omitempty"`
	Hits      int            `json:"hits,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// subscriberQueueSize bounds each subscriber; events beyond it are dropped
// rather than blocking the emitter.
const subscriberQueueSize = 256

type progressSubscriber struct {
	id string
	ch chan ProgressEvent
}

// ProgressBus fans session progress out to per-project subscribers. Events
// from one emitter arrive in publish order; a slow subscriber loses events
// instead of stalling the stream.
type ProgressBus struct {
	mu          sync.Mutex
	subscribers map[string][]*progressSubscriber
	dropped     int64
	logger      *slog.Logger
}

// NewProgressBus creates an empty bus.
func NewProgressBus(logger *slog.Logger) *ProgressBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProgressBus{
		subscribers: make(map[string][]*progressSubscriber),
		logger:      logger.With("component", "progress_bus"),
	}
}

// Subscribe registers for one project's events. The returned channel is
// closed by Unsubscribe.
func (b *ProgressBus) Subscribe(projectID string) (<-chan ProgressEvent, string) {
	sub := &progressSubscriber{
		id: uuid.NewString(),
		ch: make(chan ProgressEvent, subscriberQueueSize),
	}
	b.mu.Lock()
	b.subscribers[projectID] = append(b.subscribers[projectID], sub)
	count := len(b.subscribers[projectID])
	b.mu.Unlock()

	b.logger.Debug("progress subscriber added", "project_id", projectID, "subscribers", count)
	return sub.ch, sub.id
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *ProgressBus) Unsubscribe(projectID, subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[projectID]
	for i, sub := range subs {
		if sub.id != subscriberID {
			continue
		}
		b.subscribers[projectID] = append(subs[:i], subs[i+1:]...)
		close(sub.ch)
		break
	}
	if len(b.subscribers[projectID]) == 0 {
		delete(b.subscribers, projectID)
	}
}

// Publish delivers event to every subscriber of its project. Full queues
// drop the event for that subscriber.
func (b *ProgressBus) Publish(event ProgressEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subscribers[event.ProjectID] {
		select {
		case sub.ch <- event:
		default:
			b.dropped++
			b.logger.Warn("progress subscriber queue full, dropping event",
				"project_id", event.ProjectID,
				"type", event.Type,
				"dropped_total", b.dropped)
		}
	}
}

// Dropped reports how many events were discarded for slow subscribers.
func (b *ProgressBus) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// SubscriberCount reports the live subscriber count for a project.
func (b *ProgressBus) SubscriberCount(projectID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers[projectID])
}
