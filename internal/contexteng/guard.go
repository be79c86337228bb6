package contexteng

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Degradation kinds.
const (
	DegradationPoisoning   = "poisoning"
	DegradationDistraction = "distraction"
	DegradationConfusion   = "confusion"
	DegradationClash       = "clash"
)

const (
	distractionCritical  = 0.9
	distractionWarning   = 0.7
	confusionShare       = 0.30
	lowRelevanceCutoff   = 0.3
	poisonCheckTypeDraft = "draft"
	poisonCheckTypeBrief = "scene_brief"
)

// negationKeywords drive the heuristic poisoning check.
var negationKeywords = []string{"不是", "不", "没有", "无"}

// Issue is one detected context health problem.
type Issue struct {
	Type     string `json:"type"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	ItemID   string `json:"item_id,omitempty"`
}

// HealthReport is the result of a guard check.
type HealthReport struct {
	Healthy         bool     `json:"healthy"`
	Issues          []Issue  `json:"issues,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
	TokenUsage      float64  `json:"token_usage"`
	DegradationRisk []string `json:"degradation_risks,omitempty"`
}

// Guard detects the four context degradation modes. A nil LLM limits clash
// and poisoning detection to the rule heuristics.
type Guard struct {
	llm    LLM
	logger *slog.Logger
}

// NewGuard creates a degradation guard; llm may be nil.
func NewGuard(llm LLM, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{llm: llm, logger: logger.With("component", "degradation_guard")}
}

// HealthCheck inspects items against maxTokens and establishedFacts.
func (g *Guard) HealthCheck(ctx context.Context, items []ContextItem, maxTokens int, establishedFacts []string) HealthReport {
	report := HealthReport{Healthy: true}
	total := TotalTokens(items)
	if maxTokens > 0 {
		report.TokenUsage = float64(total) / float64(maxTokens)
	}

	// Distraction.
	switch {
	case report.TokenUsage >= distractionCritical:
		report.Issues = append(report.Issues, Issue{
			Type: DegradationDistraction, Severity: "critical",
			Message: fmt.Sprintf("context at %.0f%% of budget", report.TokenUsage*100),
		})
		report.Recommendations = append(report.Recommendations, "compact low-priority context")
		report.DegradationRisk = append(report.DegradationRisk, DegradationDistraction)
	case report.TokenUsage >= distractionWarning:
		report.Issues = append(report.Issues, Issue{
			Type: DegradationDistraction, Severity: "warning",
			Message: fmt.Sprintf("context at %.0f%% of budget", report.TokenUsage*100),
		})
		report.DegradationRisk = append(report.DegradationRisk, DegradationDistraction)
	}

	// Confusion.
	if len(items) > 0 {
		low := 0
		for _, item := range items {
			if item.RelevanceScore < lowRelevanceCutoff {
				low++
			}
		}
		if float64(low)/float64(len(items)) > confusionShare {
			report.Issues = append(report.Issues, Issue{
				Type: DegradationConfusion, Severity: "warning",
				Message: fmt.Sprintf("%d of %d items have low relevance", low, len(items)),
			})
			report.Recommendations = append(report.Recommendations, "tighten retrieval queries")
			report.DegradationRisk = append(report.DegradationRisk, DegradationConfusion)
		}
	}

	report.Issues = append(report.Issues, g.detectClash(ctx, items)...)
	report.Issues = append(report.Issues, g.detectPoisoning(ctx, items, establishedFacts)...)
	for _, issue := range report.Issues {
		if issue.Type == DegradationClash || issue.Type == DegradationPoisoning {
			report.DegradationRisk = appendUnique(report.DegradationRisk, issue.Type)
		}
	}

	for _, issue := range report.Issues {
		if issue.Severity == "critical" {
			report.Healthy = false
		}
	}
	if report.Healthy && len(report.Issues) > 2 {
		report.Healthy = false
	}
	return report
}

// detectClash checks same-type pairs for contradiction. Without a model the
// only rule is identical content from different items.
func (g *Guard) detectClash(ctx context.Context, items []ContextItem) []Issue {
	byType := make(map[string][]ContextItem)
	for _, item := range items {
		byType[item.Type] = append(byType[item.Type], item)
	}
	var issues []Issue
	for typ, group := range byType {
		if len(group) < 2 {
			continue
		}
		for i := 0; i < len(group); i++ {
			for j := i + 1; j < len(group); j++ {
				if g.contradicts(ctx, group[i].Content, group[j].Content) {
					issues = append(issues, Issue{
						Type: DegradationClash, Severity: "warning",
						Message: fmt.Sprintf("conflicting %s items %s and %s", typ, group[i].ID, group[j].ID),
						ItemID:  group[j].ID,
					})
				}
			}
		}
	}
	return issues
}

func (g *Guard) contradicts(ctx context.Context, a, b string) bool {
	if g.llm != nil {
		prompt := fmt.Sprintf("以下两段内容是否互相矛盾？只回答“是”或“否”。\n\nA：%s\n\nB：%s", a, b)
		if out, err := g.llm.Complete(ctx, prompt); err == nil {
			return strings.Contains(out, "是") && !strings.Contains(out, "否")
		}
	}
	ta, tb := strings.TrimSpace(a), strings.TrimSpace(b)
	return ta != "" && ta == tb
}

// detectPoisoning compares draft and brief items against established facts.
// The heuristic flags a fact whose statement appears negated in the content.
func (g *Guard) detectPoisoning(ctx context.Context, items []ContextItem, facts []string) []Issue {
	if len(facts) == 0 {
		return nil
	}
	var issues []Issue
	for _, item := range items {
		if item.Type != poisonCheckTypeDraft && item.Type != poisonCheckTypeBrief {
			continue
		}
		for _, fact := range facts {
			if g.negatesFact(ctx, item.Content, fact) {
				issues = append(issues, Issue{
					Type: DegradationPoisoning, Severity: "critical",
					Message: fmt.Sprintf("content appears to contradict fact: %s", fact),
					ItemID:  item.ID,
				})
				break
			}
		}
	}
	return issues
}

func (g *Guard) negatesFact(ctx context.Context, content, fact string) bool {
	if g.llm != nil {
		prompt := fmt.Sprintf("下面的正文是否与这条既定事实矛盾？只回答“是”或“否”。\n\n事实：%s\n\n正文：%s", fact, content)
		if out, err := g.llm.Complete(ctx, prompt); err == nil {
			return strings.Contains(out, "是") && !strings.Contains(out, "否")
		}
	}
	// Heuristic: the longest matching suffix of the fact's key span appears
	// right after a negation keyword.
	key := keySpan(fact)
	if key == "" {
		return false
	}
	keyRunes := []rune(key)
	contentRunes := []rune(content)
	for cut := 0; cut <= len(keyRunes)-4; cut++ {
		probe := string(keyRunes[cut:])
		idx := runeIndex(contentRunes, probe)
		if idx < 0 {
			continue
		}
		lo := idx - 12
		if lo < 0 {
			lo = 0
		}
		window := string(contentRunes[lo:idx])
		for _, neg := range negationKeywords {
			if strings.Contains(window, neg) {
				return true
			}
		}
		return false
	}
	return false
}

// runeIndex locates probe inside runes, returning the rune offset or -1.
func runeIndex(runes []rune, probe string) int {
	probeRunes := []rune(probe)
	for i := 0; i+len(probeRunes) <= len(runes); i++ {
		if string(runes[i:i+len(probeRunes)]) == probe {
			return i
		}
	}
	return -1
}

// keySpan extracts a discriminative span of a fact statement: the longest
// run between punctuation.
func keySpan(fact string) string {
	best := ""
	for _, part := range strings.FieldsFunc(fact, func(r rune) bool {
		switch r {
		case '，', '。', '、', '：', ',', '.', ':', ' ':
			return true
		}
		return false
	}) {
		if len([]rune(part)) > len([]rune(best)) {
			best = part
		}
	}
	if len([]rune(best)) < 4 {
		return ""
	}
	return best
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}
