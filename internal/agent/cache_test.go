package agent

import (
	"context"
	"testing"
	"time"
)

func TestResponseCacheHitAndExpiry(t *testing.T) {
	cache := NewResponseCache(50*time.Millisecond, nil)
	req := ChatRequest{Messages: []Message{{Role: "user", Content: "写一段开场"}}}
	result := ChatResult{Content: "夜色低垂。", Model: "mock"}

	if _, ok := cache.Get("mock", req); ok {
		t.Fatal("empty cache reported a hit")
	}
	cache.Put("mock", req, result)
	got, ok := cache.Get("mock", req)
	if !ok {
		t.Fatal("expected a hit after Put")
	}
	if got.Content != result.Content {
		t.Errorf("cached content = %q, want %q", got.Content, result.Content)
	}

	other := ChatRequest{Messages: []Message{{Role: "user", Content: "换一个问题"}}}
	if _, ok := cache.Get("mock", other); ok {
		t.Error("different request should miss")
	}
	if _, ok := cache.Get("other-provider", req); ok {
		t.Error("different provider should miss")
	}

	time.Sleep(60 * time.Millisecond)
	if _, ok := cache.Get("mock", req); ok {
		t.Error("entry should expire after the TTL")
	}
	if cache.Len() != 0 {
		t.Errorf("stale entry not pruned, len = %d", cache.Len())
	}
}

func TestResponseCacheEvictsWhenFull(t *testing.T) {
	cache := NewResponseCache(time.Minute, nil)
	cache.max = 2
	reqA := ChatRequest{Messages: []Message{{Role: "user", Content: "a"}}}
	reqB := ChatRequest{Messages: []Message{{Role: "user", Content: "b"}}}
	reqC := ChatRequest{Messages: []Message{{Role: "user", Content: "c"}}}

	cache.Put("p", reqA, ChatResult{Content: "ra"})
	cache.Put("p", reqB, ChatResult{Content: "rb"})
	cache.Put("p", reqC, ChatResult{Content: "rc"})

	if cache.Len() != 2 {
		t.Fatalf("len = %d, want 2", cache.Len())
	}
	if _, ok := cache.Get("p", reqA); ok {
		t.Error("oldest entry should have been evicted")
	}
	if _, ok := cache.Get("p", reqC); !ok {
		t.Error("newest entry missing")
	}
}

func TestGatewayUsesResponseCache(t *testing.T) {
	cache := NewResponseCache(time.Minute, nil)
	gw := NewGateway(nil, WithResponseCache(cache))
	req := ChatRequest{Messages: []Message{{Role: "user", Content: "概述主线"}}}

	first, err := gw.Chat(context.Background(), "", req)
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	if cache.Len() != 1 {
		t.Fatalf("result not cached, len = %d", cache.Len())
	}
	second, err := gw.Chat(context.Background(), "", req)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if first.Content != second.Content {
		t.Errorf("cached call diverged: %q vs %q", first.Content, second.Content)
	}
}
