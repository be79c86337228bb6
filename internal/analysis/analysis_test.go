package analysis

import (
	"context"
	"strings"
	"testing"

	"github.com/dotcommander/wenshape/internal/agent"
	"github.com/dotcommander/wenshape/internal/binding"
	"github.com/dotcommander/wenshape/internal/domain"
	"github.com/dotcommander/wenshape/internal/index"
	"github.com/dotcommander/wenshape/internal/storage"
)

func newPipeline(t *testing.T) (*Pipeline, *storage.ProjectStore) {
	t.Helper()
	store, err := storage.NewProjectStore(t.TempDir(), "p1", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	chunks := index.NewTextChunkIndexer(store, nil)
	indexer := index.NewEvidenceIndexer(store, chunks, nil)
	binder := binding.NewService(store, indexer, nil)
	archivist := agent.NewArchivist(agent.NewGateway(nil), nil)
	return NewPipeline(store, archivist, binder, nil, nil), store
}

const chapterProse = "林远是边军出身的铁匠。他在北境关城经营铁匠铺多年，和守卫赵七约定夜里在北门相见。雪下了整夜，城里异常安静。林远决定把烙印的事暂时隐瞒下去。"

func TestAnalyzeChapterProducesSummaryAndFacts(t *testing.T) {
	p, store := newPipeline(t)
	ctx := context.Background()

	if _, err := store.SaveCurrentDraft(ctx, "V1C3", chapterProse); err != nil {
		t.Fatal(err)
	}
	a, err := p.AnalyzeChapter(ctx, "c3")
	if err != nil {
		t.Fatalf("AnalyzeChapter: %v", err)
	}
	if a.Chapter != "V1C3" {
		t.Errorf("chapter = %q", a.Chapter)
	}
	if a.Summary.VolumeID != "V1" {
		t.Errorf("volume = %q", a.Summary.VolumeID)
	}
	if a.Summary.BriefSummary == "" {
		t.Error("brief summary empty")
	}
	if a.Summary.WordCount != len([]rune(chapterProse)) {
		t.Errorf("word count = %d", a.Summary.WordCount)
	}
	if len(a.Facts) == 0 || len(a.Facts) > maxFactsPerChapter {
		t.Fatalf("facts = %d, want 1..%d", len(a.Facts), maxFactsPerChapter)
	}
	for _, f := range a.Facts {
		if f.Source != "V1C3" || f.IntroducedIn != "V1C3" {
			t.Errorf("fact source = %+v", f)
		}
		if f.ID != "" {
			t.Errorf("fact id assigned before save: %q", f.ID)
		}
	}
}

func TestSaveAnalysisPersistsAndAssignsIDs(t *testing.T) {
	p, store := newPipeline(t)
	ctx := context.Background()

	if _, err := store.SaveCurrentDraft(ctx, "V1C3", chapterProse); err != nil {
		t.Fatal(err)
	}
	a, err := p.AnalyzeChapter(ctx, "V1C3")
	if err != nil {
		t.Fatal(err)
	}
	if err := p.SaveAnalysis(ctx, a, SaveOptions{RefreshVolume: true}); err != nil {
		t.Fatalf("SaveAnalysis: %v", err)
	}

	facts, err := store.ListFacts()
	if err != nil {
		t.Fatal(err)
	}
	if len(facts) != len(a.Facts) {
		t.Fatalf("persisted facts = %d, want %d", len(facts), len(a.Facts))
	}
	for _, f := range facts {
		if !strings.HasPrefix(f.ID, "F") {
			t.Errorf("fact id = %q", f.ID)
		}
	}

	summary, err := store.GetChapterSummary("V1C3")
	if err != nil {
		t.Fatalf("summary not persisted: %v", err)
	}
	if summary.Chapter != "V1C3" {
		t.Errorf("summary chapter = %q", summary.Chapter)
	}

	vs, err := store.GetVolumeSummary("V1")
	if err != nil {
		t.Fatalf("volume summary not refreshed: %v", err)
	}
	if vs.ChapterCount != 1 {
		t.Errorf("volume chapter count = %d", vs.ChapterCount)
	}
}

func TestAnalyzeExtractsTimelineAndStates(t *testing.T) {
	p, store := newPipeline(t)
	ctx := context.Background()

	if err := store.SaveCharacter(ctx, domain.CharacterCard{Name: "林远"}); err != nil {
		t.Fatal(err)
	}
	prose := "当夜，林远离开北境关城。次日清晨，林远抵达落霞镇。"
	if _, err := store.SaveCurrentDraft(ctx, "V1C4", prose); err != nil {
		t.Fatal(err)
	}

	a, err := p.AnalyzeChapter(ctx, "V1C4")
	if err != nil {
		t.Fatalf("AnalyzeChapter: %v", err)
	}
	if len(a.Timeline) != 2 {
		t.Fatalf("timeline events = %d, want 2", len(a.Timeline))
	}
	first := a.Timeline[0]
	if first.Time != "当夜" || first.Source != "V1C4" {
		t.Errorf("event = %+v", first)
	}
	if first.Location != "北境关城" {
		t.Errorf("location = %q", first.Location)
	}
	if len(first.Participants) != 1 || first.Participants[0] != "林远" {
		t.Errorf("participants = %v", first.Participants)
	}
	if len(a.States) != 1 || a.States[0].Character != "林远" {
		t.Fatalf("states = %+v", a.States)
	}
	if a.States[0].Location != "落霞镇" || a.States[0].LastSeen != "V1C4" {
		t.Errorf("state = %+v", a.States[0])
	}
	if len(a.Summary.CharacterStateChanges) == 0 ||
		!strings.Contains(a.Summary.CharacterStateChanges[0], "落霞镇") {
		t.Errorf("state changes = %v", a.Summary.CharacterStateChanges)
	}

	if err := p.SaveAnalysis(ctx, a, SaveOptions{}); err != nil {
		t.Fatalf("SaveAnalysis: %v", err)
	}
	timeline, err := store.ListTimeline()
	if err != nil {
		t.Fatal(err)
	}
	if len(timeline) != 2 {
		t.Fatalf("persisted events = %d, want 2", len(timeline))
	}
	st, err := store.CurrentCharacterState("林远")
	if err != nil {
		t.Fatalf("state not persisted: %v", err)
	}
	if st.Location != "落霞镇" {
		t.Errorf("persisted location = %q", st.Location)
	}

	// A second save of the same analysis must not duplicate timeline entries.
	if err := p.SaveAnalysis(ctx, a, SaveOptions{}); err != nil {
		t.Fatal(err)
	}
	timeline, err = store.ListTimeline()
	if err != nil {
		t.Fatal(err)
	}
	if len(timeline) != 2 {
		t.Errorf("events after re-save = %d, want 2", len(timeline))
	}
}

func TestFactsConflict(t *testing.T) {
	tests := []struct {
		name     string
		existing string
		incoming string
		want     bool
	}{
		{
			"negation disagreement with heavy overlap",
			"林远是北境关城铁匠铺的主人，守着城门口的炉火",
			"林远不是北境关城铁匠铺的主人，守着城门口的炉火",
			true,
		},
		{
			"agreement no conflict",
			"林远是北境关城铁匠铺的主人",
			"林远是北境关城铁匠铺的主人，沉默寡言",
			false,
		},
		{
			"both negated no conflict",
			"林远不是守卫，没有佩刀",
			"林远不是守卫，没有通行文书",
			false,
		},
		{
			"low overlap no conflict",
			"林远是铁匠",
			"赵七不是守卫统领，也没有佩刀和文书",
			false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := FactsConflict(tt.existing, tt.incoming)
			if got != tt.want {
				t.Errorf("FactsConflict = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTimelineConflict(t *testing.T) {
	base := domain.TimelineEvent{Time: "子时", Event: "换防", Participants: []string{"赵七"}, Location: "北门"}
	tests := []struct {
		name string
		b    domain.TimelineEvent
		want bool
	}{
		{"different location", domain.TimelineEvent{Time: "子时", Event: "换防", Participants: []string{"赵七"}, Location: "南门"}, true},
		{"different event", domain.TimelineEvent{Time: "子时", Event: "巡逻", Participants: []string{"赵七"}, Location: "北门"}, true},
		{"different time", domain.TimelineEvent{Time: "清晨", Event: "巡逻", Participants: []string{"赵七"}, Location: "南门"}, false},
		{"disjoint participants", domain.TimelineEvent{Time: "子时", Event: "巡逻", Participants: []string{"林远"}, Location: "南门"}, false},
		{"identical", base, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TimelineConflict(base, tt.b); got != tt.want {
				t.Errorf("TimelineConflict = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStateConflict(t *testing.T) {
	prev := domain.CharacterState{Character: "林远", Location: "北境关城", LastSeen: "V1C2"}
	tests := []struct {
		name string
		next domain.CharacterState
		ch   string
		want bool
	}{
		{"adjacent jump", domain.CharacterState{Character: "林远", Location: "南郡", LastSeen: "V1C3"}, "V1C3", true},
		{"same location", domain.CharacterState{Character: "林远", Location: "北境关城", LastSeen: "V1C3"}, "V1C3", false},
		{"distant chapters", domain.CharacterState{Character: "林远", Location: "南郡", LastSeen: "V1C9"}, "V1C9", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StateConflict(prev, tt.next, tt.ch); got != tt.want {
				t.Errorf("StateConflict = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFilterCharacterProposals(t *testing.T) {
	in := []domain.CardProposal{
		{Type: "Character", Name: "新角色"},
		{Type: "World", Name: "黑水寨"},
		{Type: "character", Name: "小写类型"},
	}
	out := filterCharacterProposals(in)
	if len(out) != 1 || out[0].Name != "黑水寨" {
		t.Errorf("filtered = %+v", out)
	}
}

func TestBatchSyncOrdersAndRefreshesOnce(t *testing.T) {
	p, store := newPipeline(t)
	ctx := context.Background()

	for _, ch := range []string{"V1C2", "V1C1"} {
		if _, err := store.SaveCurrentDraft(ctx, ch, chapterProse); err != nil {
			t.Fatal(err)
		}
	}
	result, err := p.BatchSync(ctx, []string{"c2", "c1"})
	if err != nil {
		t.Fatalf("BatchSync: %v", err)
	}
	if result.Analyzed != 2 {
		t.Fatalf("analyzed = %d, want 2 (failed: %v)", result.Analyzed, result.Failed)
	}
	if result.Chapters[0] != "V1C1" || result.Chapters[1] != "V1C2" {
		t.Errorf("order = %v, want canonical ascending", result.Chapters)
	}
	if len(result.Volumes) != 1 || result.Volumes[0] != "V1" {
		t.Errorf("volumes refreshed = %v, want [V1] once", result.Volumes)
	}

	vs, err := store.GetVolumeSummary("V1")
	if err != nil {
		t.Fatal(err)
	}
	if vs.ChapterCount != 2 {
		t.Errorf("volume chapter count = %d, want 2", vs.ChapterCount)
	}

	// Bindings were rebuilt for both chapters.
	for _, ch := range []string{"V1C1", "V1C2"} {
		if _, err := store.GetBinding(ch); err != nil {
			t.Errorf("binding missing for %s: %v", ch, err)
		}
	}
}
