package contexteng

import (
	"context"
	"strings"
	"testing"

	"github.com/dotcommander/wenshape/internal/domain"
	"github.com/dotcommander/wenshape/internal/storage"
)

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  int
	}{
		{"empty", "", 0},
		{"ascii", "abcdefgh", 2},
		{"cjk", "四个汉字", 4},
		{"mixed", "汉字ab", 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EstimateTokens(tt.input); got != tt.want {
				t.Errorf("EstimateTokens(%q) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}

func TestBudgetAllocationConservation(t *testing.T) {
	b := NewBudgetManager("unknown-model")
	if b.Window() != 128_000 {
		t.Fatalf("window = %d, want default", b.Window())
	}
	reserve := b.OutputReserve()
	if reserve != 25_600 {
		t.Errorf("reserve = %d, want 20%% of window", reserve)
	}
	if b.TotalAvailable() != b.Window()-reserve {
		t.Errorf("available = %d", b.TotalAvailable())
	}

	alloc := b.Allocations("")
	sum := 0
	for _, v := range alloc {
		sum += v
	}
	// Floor rounding may leave a remainder but never exceed the pool.
	if sum > b.TotalAvailable() {
		t.Errorf("allocations %d exceed available %d", sum, b.TotalAvailable())
	}
	if sum < b.TotalAvailable()-len(alloc) {
		t.Errorf("allocations %d leave more than rounding slack from %d", sum, b.TotalAvailable())
	}
}

func TestBudgetAgentMultipliers(t *testing.T) {
	b := NewBudgetManager("")
	base := b.Allocations("")
	arch := b.Allocations("archivist")
	if arch[CategoryCanon] <= base[CategoryCanon] {
		t.Errorf("archivist canon %d not scaled above base %d", arch[CategoryCanon], base[CategoryCanon])
	}
	if arch[CategoryCurrentDraft] >= base[CategoryCurrentDraft] {
		t.Errorf("archivist draft %d not scaled below base %d", arch[CategoryCurrentDraft], base[CategoryCurrentDraft])
	}
	editor := b.Allocations("editor")
	if editor[CategoryCurrentDraft] <= base[CategoryCurrentDraft] {
		t.Errorf("editor draft %d not scaled above base", editor[CategoryCurrentDraft])
	}
}

func TestRuleBasedCompress(t *testing.T) {
	lines := []string{
		"第一行内容",
		"",
		strings.Repeat("长", 250),
		"第三行内容",
		"第四行内容",
		"第五行内容",
	}
	out := RuleBasedCompress(strings.Join(lines, "\n"), 0.4)
	kept := strings.Split(out, "\n")
	if len(kept) != 3 {
		t.Fatalf("kept %d lines, want minimum 3", len(kept))
	}
	if strings.Contains(out, "\n\n") {
		t.Error("blank line survived")
	}
	if len([]rune(kept[1])) != 201 {
		t.Errorf("long line length = %d runes, want 200 plus ellipsis", len([]rune(kept[1])))
	}
}

func TestSmartCompressKeepsHeadAndTail(t *testing.T) {
	var sentences []string
	for i := 0; i < 30; i++ {
		sentences = append(sentences, strings.Repeat("平淡的句子毫无波澜", 3)+"。")
	}
	sentences[0] = "开篇：林远必须在天亮前赶到城门。"
	sentences[29] = "结尾：他终于看见了城门的轮廓。"
	content := strings.Join(sentences, "")

	c := NewCompressor(nil, nil)
	out, stats := c.SmartCompress(content, 0.3, "")
	if stats.Kept == 0 || stats.Kept >= stats.Sentences {
		t.Fatalf("kept = %d of %d", stats.Kept, stats.Sentences)
	}
	if !strings.Contains(out, "开篇") {
		t.Error("head sentence dropped")
	}
	if !strings.Contains(out, "结尾") {
		t.Error("tail sentence dropped")
	}
	if !strings.Contains(out, "[...]") {
		t.Error("gap marker missing between non-adjacent runs")
	}
	if stats.Ratio >= 1 {
		t.Errorf("ratio = %f, expected compression", stats.Ratio)
	}
}

func TestSmartCompressQueryBias(t *testing.T) {
	target := "城门的守卫换了armor口令。"
	filler := strings.Repeat("无关的句子在这里充数着字数。", 1)
	var parts []string
	for i := 0; i < 20; i++ {
		parts = append(parts, filler)
	}
	parts[10] = target
	c := NewCompressor(nil, nil)
	out, _ := c.SmartCompress(strings.Join(parts, ""), 0.35, "armor 口令")
	if !strings.Contains(out, "armor") {
		t.Error("query-matching sentence not preferred for the middle segment")
	}
}

func TestAutoCompactTiers(t *testing.T) {
	m := NewManager(100, nil, nil)
	var lines []string
	for i := 0; i < 20; i++ {
		lines = append(lines, "一二三四五六七八九十")
	}
	long := strings.Join(lines, "\n")
	origTokens := EstimateTokens(long)
	items := []ContextItem{
		NewItem("crit", "fact", long, PriorityCritical, 1.0),
		NewItem("high", "summary", long, PriorityHigh, 0.9),
		NewItem("med", "summary", long, PriorityMedium, 0.5),
		NewItem("low", "chunk", long, PriorityLow, 0.2),
	}
	budget := 500
	out := m.AutoCompact(context.Background(), items, budget)

	// overflow exceeds 1.5, so the LOW item is dropped outright.
	byID := make(map[string]ContextItem)
	for _, item := range out {
		byID[item.ID] = item
	}
	if _, ok := byID["low"]; ok {
		t.Error("low item not dropped at overflow > 1.5")
	}
	if byID["crit"].Content != long {
		t.Error("critical item modified")
	}
	if byID["med"].TokenCount >= origTokens {
		t.Error("medium item not compressed")
	}
	if byID["high"].TokenCount >= origTokens {
		t.Error("high item not compressed")
	}
	// HIGH keeps at least the 0.70 floor relative to MEDIUM's 0.40+.
	if byID["high"].TokenCount < byID["med"].TokenCount {
		t.Errorf("high item (%d) compressed harder than medium (%d)",
			byID["high"].TokenCount, byID["med"].TokenCount)
	}
}

func TestAutoCompactNoopUnderBudget(t *testing.T) {
	m := NewManager(0, nil, nil)
	items := []ContextItem{NewItem("a", "fact", "短内容", PriorityLow, 0.1)}
	out := m.AutoCompact(context.Background(), items, 1000)
	if len(out) != 1 || out[0].Content != "短内容" {
		t.Errorf("under-budget items modified: %+v", out)
	}
}

func TestSelectOptimalCriticalAlwaysIncluded(t *testing.T) {
	m := NewManager(50, nil, nil)
	big := strings.Repeat("汉", 500)
	m.Add(
		NewItem("crit", "style_card", big, PriorityCritical, 1.0),
		NewItem("med", "fact", strings.Repeat("汉", 40), PriorityMedium, 0.9),
		NewItem("low", "chunk", strings.Repeat("汉", 40), PriorityLow, 0.9),
	)
	out := m.SelectOptimal()
	found := false
	for _, item := range out {
		if item.ID == "crit" {
			found = true
			if item.TokenCount != 500 {
				t.Error("critical item was compressed during selection")
			}
		}
	}
	if !found {
		t.Error("critical item excluded despite exceeding budget")
	}
	for _, item := range out {
		if item.ID == "med" || item.ID == "low" {
			t.Errorf("non-fitting item %s selected", item.ID)
		}
	}
}

func TestGuardDistractionAndConfusion(t *testing.T) {
	g := NewGuard(nil, nil)
	items := []ContextItem{
		NewItem("a", "fact", strings.Repeat("汉", 95), PriorityMedium, 0.1),
		NewItem("b", "fact", "短", PriorityMedium, 0.1),
	}
	report := g.HealthCheck(context.Background(), items, 100, nil)
	if report.Healthy {
		t.Error("report healthy despite critical distraction")
	}
	var kinds []string
	for _, issue := range report.Issues {
		kinds = append(kinds, issue.Type)
	}
	joined := strings.Join(kinds, ",")
	if !strings.Contains(joined, DegradationDistraction) {
		t.Errorf("distraction not detected: %v", kinds)
	}
	if !strings.Contains(joined, DegradationConfusion) {
		t.Errorf("confusion not detected: %v", kinds)
	}
}

func TestGuardPoisoningHeuristic(t *testing.T) {
	g := NewGuard(nil, nil)
	items := []ContextItem{
		NewItem("d1", "draft", "林远说他不是铁匠铺的主人。", PriorityHigh, 0.9),
	}
	report := g.HealthCheck(context.Background(), items, 10_000, []string{"林远是铁匠铺的主人"})
	found := false
	for _, issue := range report.Issues {
		if issue.Type == DegradationPoisoning {
			found = true
		}
	}
	if !found {
		t.Error("negated fact not flagged as poisoning")
	}

	clean := []ContextItem{NewItem("d2", "draft", "林远是铁匠铺的主人，这一点无人怀疑。", PriorityHigh, 0.9)}
	report = g.HealthCheck(context.Background(), clean, 10_000, []string{"林远是铁匠铺的主人"})
	for _, issue := range report.Issues {
		if issue.Type == DegradationPoisoning {
			t.Error("consistent draft flagged as poisoning")
		}
	}
}

func TestRetrievalSelectHybridScoring(t *testing.T) {
	store, err := storage.NewProjectStore(t.TempDir(), "p1", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if _, err := store.AddFact(ctx, domain.Fact{Statement: "Alice wears silver armor"}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.AddFact(ctx, domain.Fact{Statement: "Bob runs a tavern"}); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveCharacter(ctx, domain.CharacterCard{Name: "Alice", Description: "a knight in silver armor"}); err != nil {
		t.Fatal(err)
	}

	sel := NewSelector(store, nil)
	items := sel.RetrievalSelect(ctx, "Alice armor", []string{"fact", "character"}, 5)
	if len(items) == 0 {
		t.Fatal("no items selected")
	}
	for _, item := range items {
		if strings.Contains(item.Content, "tavern") {
			t.Error("zero-overlap candidate selected")
		}
		if item.Priority != PriorityMedium {
			t.Errorf("retrieval item priority = %v", item.Priority)
		}
	}
}

func TestDeterministicSelectWriter(t *testing.T) {
	store, err := storage.NewProjectStore(t.TempDir(), "p1", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := store.SaveStyleCard(ctx, domain.StyleCard{Style: "冷峻克制的第三人称"}); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveSceneBrief(ctx, domain.SceneBrief{Chapter: "V1C1", Goal: "林远抵达城门"}); err != nil {
		t.Fatal(err)
	}

	sel := NewSelector(store, nil)
	items := sel.DeterministicSelect(ctx, "writer", "V1C1")
	if len(items) != 2 {
		t.Fatalf("writer items = %d, want style card and scene brief", len(items))
	}
	for _, item := range items {
		if item.Priority != PriorityCritical {
			t.Errorf("deterministic item %s priority = %v, want critical", item.ID, item.Priority)
		}
	}

	archivist := sel.DeterministicSelect(ctx, "archivist", "V1C1")
	if len(archivist) != 1 || archivist[0].ID != "style_card" {
		t.Errorf("archivist items = %+v, want style card only", archivist)
	}
}

func TestAssembleBundle(t *testing.T) {
	store, err := storage.NewProjectStore(t.TempDir(), "p1", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := store.SaveStyleCard(ctx, domain.StyleCard{Style: "冷峻克制"}); err != nil {
		t.Fatal(err)
	}

	o := NewOrchestrator(
		NewSelector(store, nil),
		NewBudgetManager(""),
		NewCompressor(nil, nil),
		NewGuard(nil, nil),
		nil,
	)
	bundle := o.Assemble(ctx, AssembleRequest{
		Agent: AgentProfile{Name: "writer", Identity: "你是一位小说写作者。", TaskType: "write"},
		Task:  "续写第一章",
		Tools: []ToolSpec{{Name: "search_evidence", Description: "检索证据"}},
		ExtraItems: []ContextItem{
			NewItem("extra", "fact", "林远是铁匠。", PriorityMedium, 0.8),
		},
	})
	if !strings.Contains(bundle.Guiding, "续写第一章") {
		t.Error("task missing from guiding section")
	}
	if !strings.Contains(bundle.Actionable, "search_evidence") {
		t.Error("tool missing from actionable section")
	}
	if !strings.Contains(bundle.Informational, "林远是铁匠") {
		t.Error("informational item missing")
	}
	if bundle.TotalTokens <= 0 {
		t.Error("total tokens not computed")
	}
}
