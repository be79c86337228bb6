package storage

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	separatorPattern  = regexp.MustCompile(`[/\\]+`)
	underscorePattern = regexp.MustCompile(`_+`)
)

// SanitizeID turns a user-supplied identifier (project id, chapter id, card
// name) into a safe path token. Spaces become underscores, parent references
// and separators are stripped, runs of underscores collapse, and leading or
// trailing "._" characters are trimmed. An empty result is rejected.
func SanitizeID(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.ReplaceAll(s, "..", "")
	s = separatorPattern.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "\x00", "")
	s = underscorePattern.ReplaceAllString(s, "_")
	s = strings.Trim(s, "._")
	if s == "" {
		return "", fmt.Errorf("%w: empty identifier after sanitization of %q", ErrValidation, raw)
	}
	return s, nil
}

// ensureUnder validates that path resolves inside root. It protects against
// traversal that survived sanitization and against symlinked escapes in
// caller-assembled paths.
func ensureUnder(root, path string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("%w: resolving root: %v", ErrStorage, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%w: resolving path: %v", ErrStorage, err)
	}
	if abs != absRoot && !strings.HasPrefix(abs, absRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path %q escapes data root", ErrValidation, path)
	}
	return abs, nil
}

// Layout computes the well-known locations inside one project subtree.
type Layout struct {
	Root string // data/<project>
}

func (l Layout) CharacterCardsDir() string { return filepath.Join(l.Root, "cards", "characters") }
func (l Layout) WorldCardsDir() string     { return filepath.Join(l.Root, "cards", "world") }
func (l Layout) StyleCardPath() string     { return filepath.Join(l.Root, "cards", "style.yaml") }

func (l Layout) CanonDir() string          { return filepath.Join(l.Root, "canon") }
func (l Layout) FactsPath() string         { return filepath.Join(l.CanonDir(), "facts.jsonl") }
func (l Layout) TimelinePath() string      { return filepath.Join(l.CanonDir(), "timeline.jsonl") }
func (l Layout) CharacterStatePath() string {
	return filepath.Join(l.CanonDir(), "character_state.jsonl")
}

func (l Layout) DraftsDir() string { return filepath.Join(l.Root, "drafts") }
func (l Layout) ChapterDir(canonicalID string) string {
	return filepath.Join(l.DraftsDir(), canonicalID)
}
func (l Layout) SceneBriefPath(ch string) string {
	return filepath.Join(l.ChapterDir(ch), "scene_brief.yaml")
}
func (l Layout) DraftPath(ch, version string) string {
	return filepath.Join(l.ChapterDir(ch), fmt.Sprintf("draft_%s.md", version))
}
func (l Layout) FinalPath(ch string) string   { return filepath.Join(l.ChapterDir(ch), "final.md") }
func (l Layout) HistoryDir(ch string) string  { return filepath.Join(l.ChapterDir(ch), "history") }
func (l Layout) ReviewPath(ch string) string  { return filepath.Join(l.ChapterDir(ch), "review.yaml") }
func (l Layout) ConflictsPath(ch string) string {
	return filepath.Join(l.ChapterDir(ch), "conflicts.yaml")
}

func (l Layout) SummariesDir() string { return filepath.Join(l.Root, "summaries") }
func (l Layout) SummaryPath(ch string) string {
	return filepath.Join(l.SummariesDir(), ch+"_summary.yaml")
}

func (l Layout) VolumesDir() string { return filepath.Join(l.Root, "volumes") }
func (l Layout) VolumePath(vid string) string {
	return filepath.Join(l.VolumesDir(), vid+".yaml")
}
func (l Layout) VolumeSummaryPath(vid string) string {
	return filepath.Join(l.VolumesDir(), vid+"_summary.yaml")
}

func (l Layout) IndexDir() string { return filepath.Join(l.Root, "index") }
func (l Layout) IndexPath(name string) string {
	return filepath.Join(l.IndexDir(), name+".jsonl")
}
func (l Layout) IndexMetaPath(name string) string {
	return filepath.Join(l.IndexDir(), name+".meta.json")
}
func (l Layout) BindingPath(ch string) string {
	return filepath.Join(l.IndexDir(), "chapters", ch, "bindings.yaml")
}

func (l Layout) MemoryPacksDir() string { return filepath.Join(l.Root, "memory_packs") }
func (l Layout) MemoryPackPath(ch string) string {
	return filepath.Join(l.MemoryPacksDir(), ch+".json")
}
func (l Layout) MemoryPackHistoryDir() string {
	return filepath.Join(l.MemoryPacksDir(), "history")
}
