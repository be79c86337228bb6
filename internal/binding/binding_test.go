package binding

import (
	"context"
	"strings"
	"testing"

	"github.com/dotcommander/wenshape/internal/domain"
	"github.com/dotcommander/wenshape/internal/index"
	"github.com/dotcommander/wenshape/internal/storage"
)

func newTestService(t *testing.T) (*Service, *storage.ProjectStore) {
	t.Helper()
	store, err := storage.NewProjectStore(t.TempDir(), "p1", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	chunks := index.NewTextChunkIndexer(store, nil)
	indexer := index.NewEvidenceIndexer(store, chunks, nil)
	return NewService(store, indexer, nil), store
}

func TestExpandAliases(t *testing.T) {
	tests := []struct {
		name     string
		cardName string
		declared []string
		want     []string
	}{
		{"plain", "林远", nil, []string{"林远"}},
		{"parenthetical", "林远（小远、远哥）", nil, []string{"林远", "小远", "远哥"}},
		{"declared", "林远", []string{"铁匠"}, []string{"林远", "铁匠"}},
		{"short dropped", "林远", []string{"远"}, []string{"林远"}},
		{"generic dropped", "林远", []string{"主角"}, []string{"林远"}},
		{"dedup", "林远（林远）", []string{"林远"}, []string{"林远"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := expandAliases(tt.cardName, tt.declared)
			if len(got) != len(tt.want) {
				t.Fatalf("expandAliases = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("alias[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestBuildChapterLiteralCounts(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	if err := store.SaveCharacter(ctx, domain.CharacterCard{
		Name:    "林远",
		Aliases: []string{"小远"},
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveCharacter(ctx, domain.CharacterCard{Name: "赵七"}); err != nil {
		t.Fatal(err)
	}

	content := strings.Repeat("林远走进铁匠铺，炉火映红了他的脸。有人喊了一声小远，他回头看去。\n\n", 3)
	if _, err := store.SaveCurrentDraft(ctx, "V1C1", content); err != nil {
		t.Fatal(err)
	}

	b, err := svc.BuildChapter(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if b.Chapter != "V1C1" {
		t.Errorf("chapter = %q, want canonical V1C1", b.Chapter)
	}
	if len(b.Characters) != 1 || b.Characters[0] != "林远" {
		t.Fatalf("characters = %v, want [林远]", b.Characters)
	}
	var src *domain.BindingSource
	for i := range b.Sources {
		if b.Sources[i].Entity == "林远" {
			src = &b.Sources[i]
		}
	}
	if src == nil {
		t.Fatal("no source entry for 林远")
	}
	if src.Count != 6 {
		t.Errorf("count = %d, want 6 (both aliases over 3 repeats)", src.Count)
	}
	if src.Score != countScoreWeight*float64(src.Count) {
		t.Errorf("score = %f, want count-based %f", src.Score, countScoreWeight*float64(src.Count))
	}
	if len(src.Examples) == 0 || len(src.Examples) > maxExamples {
		t.Errorf("examples = %d, want 1..%d snippets", len(src.Examples), maxExamples)
	}
	if b.DraftPath == "" || strings.HasPrefix(b.DraftPath, "/") {
		t.Errorf("draft path %q should be relative", b.DraftPath)
	}
}

func TestBuildChapterEmptyDraft(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	b, err := svc.BuildChapter(ctx, "V1C9")
	if err != nil {
		t.Fatal(err)
	}
	if len(b.Characters) != 0 || len(b.Sources) != 0 {
		t.Errorf("binding for draftless chapter not empty: %+v", b)
	}
	persisted, err := store.GetBinding("V1C9")
	if err != nil {
		t.Fatalf("empty binding not persisted: %v", err)
	}
	if persisted.Chapter != "V1C9" {
		t.Errorf("persisted chapter = %q", persisted.Chapter)
	}
}

func TestSeedEntitiesWindow(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	if err := store.SaveCharacter(ctx, domain.CharacterCard{Name: "林远"}); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveCharacter(ctx, domain.CharacterCard{Name: "赵七"}); err != nil {
		t.Fatal(err)
	}

	longEnough := func(s string) string { return strings.Repeat(s, 4) }
	if _, err := store.SaveCurrentDraft(ctx, "V1C1", longEnough("林远在北城的铁匠铺里打铁。")); err != nil {
		t.Fatal(err)
	}
	if _, err := store.SaveCurrentDraft(ctx, "V1C2", longEnough("赵七的酒馆今夜格外热闹。")); err != nil {
		t.Fatal(err)
	}
	if _, err := store.SaveCurrentDraft(ctx, "V1C3", longEnough("城门在暮色中缓缓关闭了。")); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.BuildAll(ctx, nil); err != nil {
		t.Fatal(err)
	}

	seeds, err := svc.GetSeedEntities(ctx, "V1C3", 2, false)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]bool{"林远": true, "赵七": true}
	if len(seeds) != 2 {
		t.Fatalf("seeds = %v, want the prior two chapters' characters", seeds)
	}
	for _, s := range seeds {
		if !want[s] {
			t.Errorf("unexpected seed %q", s)
		}
	}
	// Nearest chapter's entities come first.
	if seeds[0] != "赵七" {
		t.Errorf("seeds[0] = %q, want nearest chapter first", seeds[0])
	}

	narrow, err := svc.GetSeedEntities(ctx, "V1C3", 1, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(narrow) != 1 || narrow[0] != "赵七" {
		t.Errorf("window=1 seeds = %v, want [赵七]", narrow)
	}
}

func TestWorldRuleBinding(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	if err := store.SaveWorldCard(ctx, domain.WorldCard{
		Name:  "魔法议会",
		Rules: []string{"法师在城内禁止施放攻击法术"},
	}); err != nil {
		t.Fatal(err)
	}

	content := strings.Repeat("卫兵拦住了他：法师在城内禁止施放攻击法术，这是议会的铁律。他收起法杖。\n\n", 2)
	if _, err := store.SaveCurrentDraft(ctx, "V1C1", content); err != nil {
		t.Fatal(err)
	}

	b, err := svc.BuildChapter(ctx, "V1C1")
	if err != nil {
		t.Fatal(err)
	}
	if len(b.WorldRules) != 1 {
		t.Fatalf("world rules = %v, want one verbatim rule match", b.WorldRules)
	}
	if !strings.HasPrefix(b.WorldRules[0], "world_rule:魔法议会:") {
		t.Errorf("rule id = %q", b.WorldRules[0])
	}
}

func TestExtractEntitiesFromShortText(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	if err := store.SaveCharacter(ctx, domain.CharacterCard{Name: "林远"}); err != nil {
		t.Fatal(err)
	}

	// Below the chunk minimum; the pipeline synthesizes a single chunk.
	chars, _, err := svc.ExtractEntitiesFromText(ctx, "林远拔剑。")
	if err != nil {
		t.Fatal(err)
	}
	if len(chars) != 1 || chars[0] != "林远" {
		t.Errorf("characters = %v, want [林远]", chars)
	}
}

func TestExtractLooseMentions(t *testing.T) {
	text := "林远和Alice一起走进大厅，他们看到赵七正在等候。林远点了点头。"
	got := ExtractLooseMentions(text, 10)

	set := make(map[string]bool, len(got))
	for _, m := range got {
		set[m] = true
	}
	for _, want := range []string{"Alice"} {
		if !set[want] {
			t.Errorf("missing mention %q in %v", want, got)
		}
	}
	if set["他们"] {
		t.Error("stopword leaked into mentions")
	}
	seen := make(map[string]int)
	for _, m := range got {
		seen[m]++
		if seen[m] > 1 {
			t.Errorf("duplicate mention %q", m)
		}
	}

	if capped := ExtractLooseMentions(text, 2); len(capped) > 2 {
		t.Errorf("limit not enforced: %v", capped)
	}
}

func TestBuildAllOrdersChapters(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	for _, ch := range []string{"V1C3", "V1C1", "V1C2"} {
		if _, err := store.SaveCurrentDraft(ctx, ch, strings.Repeat("城门在暮色中缓缓关闭，街道空无一人。", 3)); err != nil {
			t.Fatal(err)
		}
	}
	out, err := svc.BuildAll(ctx, []string{"c3", "c1", "c2"})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"V1C1", "V1C2", "V1C3"}
	if len(out) != len(want) {
		t.Fatalf("bindings = %d, want %d", len(out), len(want))
	}
	for i, b := range out {
		if b.Chapter != want[i] {
			t.Errorf("binding[%d] = %s, want %s", i, b.Chapter, want[i])
		}
	}
}
