package contexteng

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

const (
	assemblySlack = 2000
	maxToolTraces = 5
)

// AgentProfile describes the agent being assembled for.
type AgentProfile struct {
	Name         string
	Identity     string
	Instructions string
	OutputSchema string
	TaskType     string
}

// ToolSpec describes one tool available to the agent.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  string
}

// ToolTrace is one prior tool invocation summary.
type ToolTrace struct {
	Tool    string
	Input   string
	Outcome string
}

// AssembledContext is the final three-section bundle plus the surviving
// informational items for persistence.
type AssembledContext struct {
	Guiding       string        `json:"guiding"`
	Informational string        `json:"informational"`
	Actionable    string        `json:"actionable"`
	Items         []ContextItem `json:"items"`
	TotalTokens   int           `json:"total_tokens"`
	Health        HealthReport  `json:"health"`
}

// Orchestrator assembles per-agent context bundles.
type Orchestrator struct {
	selector   *Selector
	budget     *BudgetManager
	compressor *Compressor
	guard      *Guard
	logger     *slog.Logger
}

// NewOrchestrator wires the assembly pipeline.
func NewOrchestrator(selector *Selector, budget *BudgetManager, compressor *Compressor, guard *Guard, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		selector:   selector,
		budget:     budget,
		compressor: compressor,
		guard:      guard,
		logger:     logger.With("component", "context_orchestrator"),
	}
}

// AssembleRequest carries one assembly invocation.
type AssembleRequest struct {
	Agent            AgentProfile
	Task             string
	Chapter          string
	Query            string
	Tools            []ToolSpec
	Traces           []ToolTrace
	StyleText        string
	ExtraItems       []ContextItem
	EstablishedFacts []string
	RetrievalTypes   []string
	TopK             int
}

// Assemble builds the context bundle for one agent call.
func (o *Orchestrator) Assemble(ctx context.Context, req AssembleRequest) AssembledContext {
	guiding := o.buildGuiding(req)
	actionable := buildActionable(req.Tools, req.Traces)

	maxTokens := o.budget.TotalAvailable()
	infoBudget := maxTokens - EstimateTokens(guiding) - EstimateTokens(actionable) - assemblySlack
	if infoBudget < 0 {
		infoBudget = 0
	}

	manager := NewManager(infoBudget, o.compressor, o.logger)
	manager.Add(o.selector.DeterministicSelect(ctx, req.Agent.Name, req.Chapter)...)
	if req.Query != "" {
		topK := req.TopK
		if topK <= 0 {
			topK = 12
		}
		manager.Add(o.selector.RetrievalSelect(ctx, req.Query, req.RetrievalTypes, topK)...)
	}
	manager.Add(req.ExtraItems...)

	selected := manager.SelectOptimal()

	health := o.guard.HealthCheck(ctx, selected, infoBudget, req.EstablishedFacts)
	if !health.Healthy || TotalTokens(selected) > infoBudget {
		selected = manager.AutoCompact(ctx, selected, infoBudget)
		health = o.guard.HealthCheck(ctx, selected, infoBudget, req.EstablishedFacts)
	}

	informational := renderItems(selected)
	bundle := AssembledContext{
		Guiding:       guiding,
		Informational: informational,
		Actionable:    actionable,
		Items:         selected,
		Health:        health,
	}
	bundle.TotalTokens = EstimateTokens(guiding) + EstimateTokens(informational) + EstimateTokens(actionable)
	o.logger.Debug("context assembled", "agent", req.Agent.Name,
		"items", len(selected), "tokens", bundle.TotalTokens, "healthy", health.Healthy)
	return bundle
}

func (o *Orchestrator) buildGuiding(req AssembleRequest) string {
	var b strings.Builder
	if req.Agent.Identity != "" {
		b.WriteString(req.Agent.Identity)
		b.WriteString("\n\n")
	}
	if req.Task != "" {
		b.WriteString("任务：")
		b.WriteString(req.Task)
		b.WriteString("\n")
	}
	if req.Agent.Instructions != "" {
		b.WriteString(req.Agent.Instructions)
		b.WriteString("\n")
	}
	if req.Agent.OutputSchema != "" {
		b.WriteString("输出格式：\n")
		b.WriteString(req.Agent.OutputSchema)
		b.WriteString("\n")
	}
	if req.StyleText != "" && (req.Agent.TaskType == "write" || req.Agent.TaskType == "edit") {
		b.WriteString("文风要求：\n")
		b.WriteString(req.StyleText)
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

func buildActionable(tools []ToolSpec, traces []ToolTrace) string {
	if len(tools) == 0 && len(traces) == 0 {
		return ""
	}
	var b strings.Builder
	if len(tools) > 0 {
		b.WriteString("可用工具：\n")
		for _, t := range tools {
			fmt.Fprintf(&b, "- %s：%s", t.Name, t.Description)
			if t.Parameters != "" {
				fmt.Fprintf(&b, "（参数：%s）", t.Parameters)
			}
			b.WriteString("\n")
		}
	}
	if len(traces) > maxToolTraces {
		traces = traces[len(traces)-maxToolTraces:]
	}
	if len(traces) > 0 {
		b.WriteString("近期工具调用：\n")
		for _, tr := range traces {
			fmt.Fprintf(&b, "- %s(%s) → %s\n", tr.Tool, tr.Input, tr.Outcome)
		}
	}
	return strings.TrimSpace(b.String())
}

func renderItems(items []ContextItem) string {
	var b strings.Builder
	for i, item := range items {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%s] %s", item.Type, item.Content)
	}
	return b.String()
}
