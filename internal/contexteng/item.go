// Package contexteng selects, compresses and assembles the context window
// handed to each agent: token budgeting, deterministic and retrieval
// selection, three compression strategies and a degradation guard.
package contexteng

import (
	"time"
	"unicode"
)

// Priority orders context items; lower value wins.
type Priority int

const (
	PriorityCritical Priority = 1
	PriorityHigh     Priority = 2
	PriorityMedium   Priority = 3
	PriorityLow      Priority = 4
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	}
	return "unknown"
}

// ContextItem is one candidate piece of context.
type ContextItem struct {
	ID             string            `json:"id"`
	Type           string            `json:"type"`
	Content        string            `json:"content"`
	Priority       Priority          `json:"priority"`
	RelevanceScore float64           `json:"relevance_score"`
	TokenCount     int               `json:"token_count"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// NewItem builds an item with its token count computed.
func NewItem(id, typ, content string, priority Priority, relevance float64) ContextItem {
	return ContextItem{
		ID:             id,
		Type:           typ,
		Content:        content,
		Priority:       priority,
		RelevanceScore: relevance,
		TokenCount:     EstimateTokens(content),
		CreatedAt:      time.Now().UTC(),
	}
}

// EstimateTokens approximates the token cost of mixed Chinese/ASCII prose:
// one token per CJK rune, one per four other characters.
func EstimateTokens(text string) int {
	cjk := 0
	other := 0
	for _, r := range text {
		if unicode.Is(unicode.Han, r) {
			cjk++
		} else {
			other++
		}
	}
	return cjk + (other+3)/4
}

// TotalTokens sums the token counts of items.
func TotalTokens(items []ContextItem) int {
	total := 0
	for _, item := range items {
		total += item.TokenCount
	}
	return total
}
