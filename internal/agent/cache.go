package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const defaultCacheEntries = 256

// ResponseCache memoizes identical chat calls for a bounded time. Streaming
// calls bypass it.
type ResponseCache struct {
	mu      sync.Mutex
	entries map[string]cachedResponse
	ttl     time.Duration
	max     int
	logger  *slog.Logger
}

type cachedResponse struct {
	result  ChatResult
	savedAt time.Time
}

// NewResponseCache creates a cache with the given TTL.
func NewResponseCache(ttl time.Duration, logger *slog.Logger) *ResponseCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResponseCache{
		entries: make(map[string]cachedResponse),
		ttl:     ttl,
		max:     defaultCacheEntries,
		logger:  logger.With("component", "response_cache"),
	}
}

// Get returns the cached result for the request, if fresh.
func (c *ResponseCache) Get(providerID string, req ChatRequest) (ChatResult, bool) {
	key := cacheKey(providerID, req)
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return ChatResult{}, false
	}
	if time.Since(entry.savedAt) > c.ttl {
		delete(c.entries, key)
		return ChatResult{}, false
	}
	c.logger.Debug("cache hit", "key", key[:12])
	return entry.result, true
}

// Put stores the result. When full, the stalest entry is evicted.
func (c *ResponseCache) Put(providerID string, req ChatRequest, result ChatResult) {
	key := cacheKey(providerID, req)
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.max {
		var oldestKey string
		var oldest time.Time
		for k, e := range c.entries {
			if oldestKey == "" || e.savedAt.Before(oldest) {
				oldestKey, oldest = k, e.savedAt
			}
		}
		delete(c.entries, oldestKey)
	}
	c.entries[key] = cachedResponse{result: result, savedAt: time.Now()}
}

// Len reports the current entry count.
func (c *ResponseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func cacheKey(providerID string, req ChatRequest) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%.2f|%d|", providerID, req.Temperature, req.MaxTokens)
	for _, m := range req.Messages {
		fmt.Fprintf(h, "%s:%s|", m.Role, m.Content)
	}
	return hex.EncodeToString(h.Sum(nil))
}
