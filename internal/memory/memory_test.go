package memory

import (
	"context"
	"strings"
	"testing"

	"github.com/dotcommander/wenshape/internal/agent"
	"github.com/dotcommander/wenshape/internal/binding"
	"github.com/dotcommander/wenshape/internal/domain"
	"github.com/dotcommander/wenshape/internal/index"
	"github.com/dotcommander/wenshape/internal/storage"
	"github.com/dotcommander/wenshape/internal/trace"
)

type fixture struct {
	store   *storage.ProjectStore
	wm      *WorkingMemoryService
	loop    *ResearchLoop
	builder *PackBuilder
	bus     *trace.ProgressBus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewProjectStore(t.TempDir(), "p1", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	chunks := index.NewTextChunkIndexer(store, nil)
	indexer := index.NewEvidenceIndexer(store, chunks, nil)
	binder := binding.NewService(store, indexer, nil)
	writer := agent.NewWriter(agent.NewGateway(nil), nil)
	bus := trace.NewProgressBus(nil)
	wm := NewWorkingMemoryService(store, indexer, nil)
	loop := NewResearchLoop(store, wm, binder, writer, bus, nil)
	builder := NewPackBuilder(store, loop, bus, nil)
	return &fixture{store: store, wm: wm, loop: loop, builder: builder, bus: bus}
}

func (f *fixture) seedProject(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	if err := f.store.SaveCharacter(ctx, domain.CharacterCard{
		Name:        "林远",
		Description: "边军出身的铁匠，沉默寡言。",
		Identity:    "铁匠铺的主人",
	}); err != nil {
		t.Fatal(err)
	}
	if err := f.store.SaveWorldCard(ctx, domain.WorldCard{
		Name:        "北境关城",
		Description: "北方最后一座关城。守卫必须在子时换防。",
		Rules:       []string{"入城者必须出示通行文书"},
	}); err != nil {
		t.Fatal(err)
	}
	if err := f.store.SaveStyleCard(ctx, domain.StyleCard{Style: "第三人称，短句推进。"}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.AddFact(ctx, domain.Fact{
		Statement:    "林远在北境关城经营铁匠铺",
		Source:       "V1C1",
		IntroducedIn: "V1C1",
		Confidence:   0.9,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.SaveCurrentDraft(ctx, "V1C1",
		"林远在北境关城的铁匠铺里打铁。炉火通红，他想起守卫换防的口令还没有到手。他决定夜里去城门附近探一探守卫的动静。"); err != nil {
		t.Fatal(err)
	}
}

func TestBuildGapItems(t *testing.T) {
	f := newFixture(t)
	brief := &domain.SceneBrief{
		Chapter: "V1C2",
		Characters: []domain.SceneBriefCharacter{
			{Name: "林远"},
			{Name: "赵七", RelevantTraits: "守卫，认识林远"},
		},
		WorldConstraints: []string{"入城需要通行文书"},
	}
	gaps := f.wm.BuildGapItems(brief, "林远夜探城门")

	if len(gaps) < 3 {
		t.Fatalf("gaps = %d, want at least goal + character + constraint", len(gaps))
	}
	var characterGap bool
	for _, gap := range gaps {
		if strings.Contains(gap.Text, "赵七") {
			t.Errorf("character with traits should not produce a gap: %q", gap.Text)
		}
		if strings.Contains(gap.Text, "林远") && strings.Contains(gap.Text, "人物") {
			characterGap = true
		}
		if len(gap.Queries) == 0 {
			t.Errorf("gap %q has no queries", gap.Text)
		}
	}
	if !characterGap {
		t.Error("character without traits should produce a gap")
	}
}

func TestPrepareReturnsEvidenceAndReport(t *testing.T) {
	f := newFixture(t)
	f.seedProject(t)
	ctx := context.Background()

	payload, stats, err := f.wm.Prepare(ctx, PrepareOptions{
		Chapter: "V1C2",
		Goal:    "林远夜探北境关城的城门",
		Seeds:   []string{"林远", "北境关城"},
	})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if len(payload.EvidencePack) == 0 {
		t.Fatal("no evidence retrieved")
	}
	if payload.WorkingMemory == "" {
		t.Error("working memory not rendered")
	}
	if payload.SufficiencyReport == nil {
		t.Fatal("no sufficiency report")
	}
	if len(payload.RetrievalRequests) != 1 || len(payload.RetrievalRequests[0].Queries) == 0 {
		t.Errorf("retrieval requests = %+v", payload.RetrievalRequests)
	}
	if stats.Hits == 0 {
		t.Error("stats report zero hits despite evidence")
	}
	for _, missing := range payload.SufficiencyReport.MissingEntities {
		if missing == "林远" {
			t.Error("林远 appears in evidence but was reported missing")
		}
	}
}

func TestUnresolvedGapDetection(t *testing.T) {
	gaps := []domain.GapItem{
		{Text: "已覆盖", Queries: []string{"铁匠铺"}},
		{Text: "未覆盖", Queries: []string{"龙族谱系"}},
	}
	items := []domain.EvidenceItem{
		{Type: domain.EvidenceFact, Text: "林远在北境关城经营铁匠铺"},
	}
	out := unresolvedGaps(gaps, items)
	if len(out) != 1 || out[0].Text != "未覆盖" {
		t.Errorf("unresolved = %+v", out)
	}
}

func TestResolveGoal(t *testing.T) {
	brief := &domain.SceneBrief{Goal: "简报目标"}
	tests := []struct {
		name     string
		goal     string
		brief    *domain.SceneBrief
		feedback string
		want     string
	}{
		{"explicit goal", "写夜袭", nil, "", "写夜袭"},
		{"brief fallback", "", brief, "", "简报目标"},
		{"feedback fallback", "", nil, "改成开放结局", "改成开放结局"},
		{"empty", "", nil, "", "未提供"},
		{"feedback appended", "写夜袭", nil, "多写环境", "写夜袭\n\n用户最新指令：多写环境"},
		{"feedback contained", "写夜袭 多写环境", nil, "多写环境", "写夜袭 多写环境"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := resolveGoal(tt.goal, tt.brief, tt.feedback); got != tt.want {
				t.Errorf("resolveGoal = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResearchLoopOfflineStops(t *testing.T) {
	f := newFixture(t)
	f.seedProject(t)
	ctx := context.Background()

	ch, subID := f.bus.Subscribe("p1")
	defer f.bus.Unsubscribe("p1", subID)

	brief := &domain.SceneBrief{
		Chapter:    "V1C2",
		Goal:       "林远夜探城门",
		Characters: []domain.SceneBriefCharacter{{Name: "林远"}},
	}
	payload, err := f.loop.Run(ctx, "V1C2", brief, "林远夜探北境关城的城门", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if payload.ResearchStopReason != StopSufficient && payload.ResearchStopReason != StopOfflineStop {
		t.Errorf("stop reason = %q, want sufficient or offline_stop", payload.ResearchStopReason)
	}
	if len(payload.ResearchTrace) != 1 {
		t.Fatalf("offline loop ran %d rounds, want 1", len(payload.ResearchTrace))
	}
	last := payload.ResearchTrace[0]
	if last.Round != 1 || last.StopReason == "" || last.Note == "" {
		t.Errorf("trace entry = %+v", last)
	}
	if len(payload.Questions) != 0 {
		t.Errorf("offline stop should not raise questions, got %v", payload.Questions)
	}
	if len(payload.RetrievalRequests) == 0 || payload.RetrievalRequests[0].Round != 1 {
		t.Errorf("retrieval requests not round-annotated: %+v", payload.RetrievalRequests)
	}

	var types []string
	for len(ch) > 0 {
		ev := <-ch
		types = append(types, ev.Type)
	}
	joined := strings.Join(types, ",")
	for _, want := range []string{trace.ProgressGeneratePlan, trace.ProgressPrepare, trace.ProgressExecute} {
		if !strings.Contains(joined, want) {
			t.Errorf("progress events %v missing %q", types, want)
		}
	}
}

func TestResearchLoopSeedsIncludeBriefCharacters(t *testing.T) {
	f := newFixture(t)
	f.seedProject(t)

	brief := &domain.SceneBrief{
		Characters: []domain.SceneBriefCharacter{{Name: "林远"}, {Name: "赵七"}},
	}
	seeds := f.loop.collectSeeds(context.Background(), brief, "夜探城门")

	var hasLin, hasZhao bool
	for _, s := range seeds {
		if s == "林远" {
			hasLin = true
		}
		if s == "赵七" {
			hasZhao = true
		}
	}
	if !hasLin || !hasZhao {
		t.Errorf("seeds = %v, want both brief characters", seeds)
	}
	// Card hits come before misses: 林远 has a card, 赵七 does not.
	linIdx, zhaoIdx := -1, -1
	for i, s := range seeds {
		if s == "林远" {
			linIdx = i
		}
		if s == "赵七" {
			zhaoIdx = i
		}
	}
	if linIdx > zhaoIdx {
		t.Errorf("card hit 林远 at %d after miss 赵七 at %d", linIdx, zhaoIdx)
	}
}

func TestEnsurePackBuildsAndReuses(t *testing.T) {
	f := newFixture(t)
	f.seedProject(t)
	ctx := context.Background()

	brief := &domain.SceneBrief{Chapter: "V1C2", Title: "夜探", Goal: "林远夜探北境关城的城门"}
	pack, err := f.builder.EnsurePack(ctx, EnsureOptions{
		Chapter: "c2",
		Brief:   brief,
		Source:  "writer",
	})
	if err != nil {
		t.Fatalf("EnsurePack: %v", err)
	}
	if pack.Chapter != "V1C2" {
		t.Errorf("chapter = %q, want canonical V1C2", pack.Chapter)
	}
	if pack.Payload.IsEmpty() {
		t.Fatal("fresh pack has empty payload")
	}
	if pack.SceneBrief.Title != "夜探" {
		t.Errorf("scene brief ref = %+v", pack.SceneBrief)
	}
	if pack.CardSnapshot.Style == "" {
		t.Error("style not snapshotted")
	}
	var snapNames []string
	for _, c := range pack.CardSnapshot.Characters {
		snapNames = append(snapNames, c.Name)
	}
	if !contains(snapNames, "林远") {
		t.Errorf("character snapshot = %v, want 林远", snapNames)
	}

	// A second call without force must serve the persisted pack.
	again, err := f.builder.EnsurePack(ctx, EnsureOptions{Chapter: "V1C2", Brief: brief, Source: "writer"})
	if err != nil {
		t.Fatalf("EnsurePack reuse: %v", err)
	}
	if !again.BuiltAt.Equal(pack.BuiltAt) {
		t.Error("reuse rebuilt the pack")
	}

	// Forcing refresh rebuilds and rotates.
	forced, err := f.builder.EnsurePack(ctx, EnsureOptions{Chapter: "V1C2", Brief: brief, ForceRefresh: true, Source: "editor"})
	if err != nil {
		t.Fatalf("EnsurePack force: %v", err)
	}
	if forced.Source != "editor" {
		t.Errorf("forced source = %q", forced.Source)
	}
}

func TestEnsurePackInvalidChapter(t *testing.T) {
	f := newFixture(t)
	if _, err := f.builder.EnsurePack(context.Background(), EnsureOptions{Chapter: "chapter-zero"}); err == nil {
		t.Error("expected validation error for bad chapter id")
	}
}

func TestRenderWorkingMemoryGroupsByType(t *testing.T) {
	items := []domain.EvidenceItem{
		{Type: domain.EvidenceFact, Text: "林远是铁匠"},
		{Type: domain.EvidenceWorldRule, Text: "入城必须出示文书"},
		{Type: domain.EvidenceFact, Text: "赵七是守卫"},
	}
	out := renderWorkingMemory("夜探城门", items)
	if !strings.Contains(out, "写作目标：夜探城门") {
		t.Error("goal missing from working memory")
	}
	if !strings.Contains(out, "【既定事实】") || !strings.Contains(out, "【世界规则】") {
		t.Errorf("type headings missing:\n%s", out)
	}
	if strings.Count(out, "【既定事实】") != 1 {
		t.Error("fact heading duplicated")
	}
}

func contains(in []string, want string) bool {
	for _, s := range in {
		if s == want {
			return true
		}
	}
	return false
}
