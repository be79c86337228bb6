package contexteng

import (
	"context"
	"log/slog"
	"sort"
)

// Auto-compact ratios per priority tier.
const (
	lowCompressRatio    = 0.30
	mediumCompressFloor = 0.40
	highCompressFloor   = 0.70
	lowDropOverflow     = 1.5

	// highRetryRatio is the compression attempted for HIGH items that
	// do not fit during optimal selection.
	highRetryRatio = 0.5
)

// Manager holds informational candidates against one token budget and
// performs optimal selection and auto-compaction.
type Manager struct {
	budget     int
	items      []ContextItem
	compressor *Compressor
	logger     *slog.Logger
}

// NewManager creates a manager with the given informational token budget.
func NewManager(budget int, compressor *Compressor, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if compressor == nil {
		compressor = NewCompressor(nil, logger)
	}
	return &Manager{
		budget:     budget,
		compressor: compressor,
		logger:     logger.With("component", "context_manager"),
	}
}

// Budget reports the manager's token budget.
func (m *Manager) Budget() int { return m.budget }

// Add appends candidates.
func (m *Manager) Add(items ...ContextItem) {
	m.items = append(m.items, items...)
}

// Items returns the current candidate list.
func (m *Manager) Items() []ContextItem { return m.items }

// SelectOptimal picks the context set: all CRITICAL items unconditionally,
// then the rest by (priority, relevance) greedily within budget. HIGH items
// that do not fit are retried at 0.5 compression.
func (m *Manager) SelectOptimal() []ContextItem {
	var selected []ContextItem
	var rest []ContextItem
	used := 0
	for _, item := range m.items {
		if item.Priority == PriorityCritical {
			selected = append(selected, item)
			used += item.TokenCount
		} else {
			rest = append(rest, item)
		}
	}

	sort.SliceStable(rest, func(i, j int) bool {
		if rest[i].Priority != rest[j].Priority {
			return rest[i].Priority < rest[j].Priority
		}
		return rest[i].RelevanceScore > rest[j].RelevanceScore
	})

	for _, item := range rest {
		if used+item.TokenCount <= m.budget {
			selected = append(selected, item)
			used += item.TokenCount
			continue
		}
		if item.Priority != PriorityHigh {
			continue
		}
		compressed := RuleBasedCompress(item.Content, highRetryRatio)
		shrunk := item
		shrunk.Content = compressed
		shrunk.TokenCount = EstimateTokens(compressed)
		if used+shrunk.TokenCount <= m.budget {
			m.logger.Debug("high item compressed to fit", "id", item.ID,
				"from", item.TokenCount, "to", shrunk.TokenCount)
			selected = append(selected, shrunk)
			used += shrunk.TokenCount
		}
	}
	return selected
}

// AutoCompact shrinks items to fit budget. Items are visited lowest priority
// first; CRITICAL items are never touched.
func (m *Manager) AutoCompact(ctx context.Context, items []ContextItem, budget int) []ContextItem {
	total := TotalTokens(items)
	if total <= budget || budget <= 0 {
		return items
	}
	overflow := float64(total) / float64(budget)

	order := make([]int, len(items))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return items[order[a]].Priority > items[order[b]].Priority
	})

	out := make([]ContextItem, len(items))
	copy(out, items)
	dropped := make(map[int]bool)

	for _, idx := range order {
		item := out[idx]
		switch item.Priority {
		case PriorityCritical:
			continue
		case PriorityLow:
			if overflow > lowDropOverflow {
				dropped[idx] = true
				continue
			}
			out[idx] = m.compressItem(ctx, item, lowCompressRatio)
		case PriorityMedium:
			out[idx] = m.compressItem(ctx, item, maxRatio(mediumCompressFloor, 1/overflow))
		case PriorityHigh:
			out[idx] = m.compressItem(ctx, item, maxRatio(highCompressFloor, 1/overflow))
		}
	}

	result := make([]ContextItem, 0, len(out))
	for i, item := range out {
		if !dropped[i] {
			result = append(result, item)
		}
	}
	m.logger.Info("auto compact applied", "before", total,
		"after", TotalTokens(result), "budget", budget, "dropped", len(dropped))
	return result
}

func (m *Manager) compressItem(ctx context.Context, item ContextItem, ratio float64) ContextItem {
	target := int(float64(item.TokenCount) * ratio)
	item.Content = m.compressor.LLMCompress(ctx, item.Content, target, "mixed")
	item.TokenCount = EstimateTokens(item.Content)
	return item
}

func maxRatio(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
