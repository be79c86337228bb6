package contexteng

import "math"

// Budget category names.
const (
	CategorySystemRules  = "system_rules"
	CategoryCards        = "cards"
	CategoryCanon        = "canon"
	CategorySummaries    = "summaries"
	CategoryCurrentDraft = "current_draft"
)

const (
	defaultContextWindow   = 128_000
	defaultMaxOutputTokens = 8_000
)

// defaultRatios allocate the window across categories before normalization.
// output_reserve is handled separately.
var defaultRatios = map[string]float64{
	CategorySystemRules:  0.05,
	CategoryCards:        0.15,
	CategoryCanon:        0.10,
	CategorySummaries:    0.20,
	CategoryCurrentDraft: 0.30,
}

const defaultOutputReserveRatio = 0.20

// modelWindows maps known model names to their context windows; unknown
// models fall back to the default.
var modelWindows = map[string]int{
	"gpt-4o":            128_000,
	"gpt-4o-mini":       128_000,
	"claude-sonnet-4-5": 200_000,
	"deepseek-chat":     64_000,
	"glm-4-plus":        128_000,
}

// agentMultipliers scale category allocations per agent role.
var agentMultipliers = map[string]map[string]float64{
	"archivist": {CategoryCards: 1.2, CategoryCanon: 1.3, CategorySummaries: 0.8, CategoryCurrentDraft: 0.7},
	"writer":    {CategorySummaries: 1.2, CategoryCurrentDraft: 1.1},
	"editor":    {CategoryCards: 0.8, CategoryCanon: 0.8, CategorySummaries: 0.9, CategoryCurrentDraft: 1.3},
}

// BudgetManager derives per-category token allocations for one model.
type BudgetManager struct {
	window          int
	maxOutputTokens int
	ratios          map[string]float64
	reserveRatio    float64
}

// BudgetOption configures a BudgetManager.
type BudgetOption func(*BudgetManager)

// WithRatios overrides the category ratios.
func WithRatios(ratios map[string]float64) BudgetOption {
	return func(b *BudgetManager) {
		if len(ratios) > 0 {
			b.ratios = ratios
		}
	}
}

// WithMaxOutputTokens overrides the output floor.
func WithMaxOutputTokens(n int) BudgetOption {
	return func(b *BudgetManager) {
		if n > 0 {
			b.maxOutputTokens = n
		}
	}
}

// NewBudgetManager resolves the window for model and applies options.
func NewBudgetManager(model string, opts ...BudgetOption) *BudgetManager {
	window := defaultContextWindow
	if w, ok := modelWindows[model]; ok {
		window = w
	}
	b := &BudgetManager{
		window:          window,
		maxOutputTokens: defaultMaxOutputTokens,
		ratios:          defaultRatios,
		reserveRatio:    defaultOutputReserveRatio,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Window reports the model context window.
func (b *BudgetManager) Window() int { return b.window }

// OutputReserve is the larger of the ratio share and the output floor.
func (b *BudgetManager) OutputReserve() int {
	reserve := int(float64(b.window) * b.reserveRatio)
	if reserve < b.maxOutputTokens {
		reserve = b.maxOutputTokens
	}
	return reserve
}

// TotalAvailable is the window minus the output reserve.
func (b *BudgetManager) TotalAvailable() int {
	return b.window - b.OutputReserve()
}

// Allocations returns per-category token budgets for agent. Category ratios
// are normalized among the input categories, then scaled by the agent's
// multipliers.
func (b *BudgetManager) Allocations(agent string) map[string]int {
	total := float64(b.TotalAvailable())
	sum := 0.0
	for _, r := range b.ratios {
		sum += r
	}
	if sum <= 0 {
		return map[string]int{}
	}
	mult := agentMultipliers[agent]
	out := make(map[string]int, len(b.ratios))
	for cat, r := range b.ratios {
		alloc := math.Floor(total * (r / sum))
		if m, ok := mult[cat]; ok {
			alloc = math.Floor(alloc * m)
		}
		out[cat] = int(alloc)
	}
	return out
}
