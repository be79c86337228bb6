package index

import (
	"sort"

	"github.com/dotcommander/wenshape/internal/domain"
)

// Quota bounds how many items of one evidence type a search result may
// carry.
type Quota struct {
	Min int
	Max int
}

// DefaultQuotas is the standard per-type quota table.
func DefaultQuotas() map[string]Quota {
	return map[string]Quota{
		domain.EvidenceFact:        {Min: 3, Max: 8},
		domain.EvidenceSummary:     {Min: 1, Max: 6},
		domain.EvidenceTextChunk:   {Min: 3, Max: 8},
		domain.EvidenceCharacter:   {Min: 0, Max: 6},
		domain.EvidenceWorldRule:   {Min: 2, Max: 6},
		domain.EvidenceWorldEntity: {Min: 1, Max: 6},
		domain.EvidenceWorld:       {Min: 0, Max: 2},
		domain.EvidenceStyle:       {Min: 0, Max: 1},
		domain.EvidenceMemory:      {Min: 0, Max: 4},
	}
}

// ApplyTypeQuotas selects up to limit items in two phases: phase A satisfies
// each type's minimum from its highest-scored candidates; phase B fills the
// remaining slots globally by score, rejecting types already at their cap.
// Candidates must arrive sorted by descending score.
func ApplyTypeQuotas(candidates []domain.EvidenceItem, quotas map[string]Quota, limit int) []domain.EvidenceItem {
	if limit <= 0 {
		limit = len(candidates)
	}
	if quotas == nil {
		quotas = DefaultQuotas()
	}

	byType := make(map[string][]domain.EvidenceItem)
	var typeOrder []string
	for _, item := range candidates {
		if _, ok := byType[item.Type]; !ok {
			typeOrder = append(typeOrder, item.Type)
		}
		byType[item.Type] = append(byType[item.Type], item)
	}

	picked := make([]domain.EvidenceItem, 0, limit)
	chosen := make(map[string]bool)
	counts := make(map[string]int)

	// Phase A: per-type minimums.
	for _, t := range typeOrder {
		q := quotas[t]
		for _, item := range byType[t] {
			if counts[t] >= q.Min || len(picked) >= limit {
				break
			}
			picked = append(picked, item)
			chosen[item.ID] = true
			counts[t]++
		}
	}

	// Phase B: global fill by score, respecting per-type maxima.
	for _, item := range candidates {
		if len(picked) >= limit {
			break
		}
		if chosen[item.ID] {
			continue
		}
		q, hasQuota := quotas[item.Type]
		if hasQuota && q.Max > 0 && counts[item.Type] >= q.Max {
			continue
		}
		picked = append(picked, item)
		chosen[item.ID] = true
		counts[item.Type]++
	}

	sort.SliceStable(picked, func(i, j int) bool {
		return picked[i].Score > picked[j].Score
	})
	return picked
}
