package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dotcommander/wenshape/internal/domain"
)

var draftFilePattern = regexp.MustCompile(`^draft_v(\d+)\.md$`)

// IncrementVersion bumps "v1" to "v2" and so on. Anything unparseable
// restarts at v1.
func IncrementVersion(version string) string {
	if strings.HasPrefix(version, "v") {
		if n, err := strconv.Atoi(version[1:]); err == nil {
			return fmt.Sprintf("v%d", n+1)
		}
	}
	return "v1"
}

// SaveSceneBrief persists the brief under the canonical chapter directory.
func (s *ProjectStore) SaveSceneBrief(ctx context.Context, brief domain.SceneBrief) error {
	canon, err := canonicalChapter(brief.Chapter)
	if err != nil {
		return err
	}
	brief.Chapter = canon
	if _, err := s.chapterDir(canon, true); err != nil {
		return err
	}
	path := s.layout.SceneBriefPath(canon)
	return s.withLock(ctx, path, func() error {
		return writeYAML(path, brief)
	})
}

// GetSceneBrief loads a brief, adopting legacy chapter directories.
func (s *ProjectStore) GetSceneBrief(ch string) (domain.SceneBrief, error) {
	dir, err := s.chapterDir(ch, false)
	if err != nil {
		return domain.SceneBrief{}, err
	}
	var brief domain.SceneBrief
	if err := readYAML(filepath.Join(dir, "scene_brief.yaml"), &brief); err != nil {
		return domain.SceneBrief{}, err
	}
	if canon, cerr := canonicalChapter(ch); cerr == nil {
		brief.Chapter = canon
	}
	return brief, nil
}

// SaveDraft writes draft_<version>.md and its sibling meta file.
func (s *ProjectStore) SaveDraft(ctx context.Context, draft domain.Draft) error {
	canon, err := canonicalChapter(draft.Chapter)
	if err != nil {
		return err
	}
	draft.Chapter = canon
	if draft.Version == "" {
		draft.Version = "v1"
	}
	if draft.CreatedAt.IsZero() {
		draft.CreatedAt = time.Now().UTC()
	}
	if draft.WordCount == 0 {
		draft.WordCount = CountWords(draft.Content)
	}
	if _, err := s.chapterDir(canon, true); err != nil {
		return err
	}
	path := s.layout.DraftPath(canon, draft.Version)
	return s.withLock(ctx, path, func() error {
		if err := atomicWrite(path, []byte(draft.Content)); err != nil {
			return err
		}
		return writeYAML(path+".meta.yaml", draft)
	})
}

// GetDraft loads one draft version ("v1", … or "current" for final.md).
func (s *ProjectStore) GetDraft(ch, version string) (domain.Draft, error) {
	dir, err := s.chapterDir(ch, false)
	if err != nil {
		return domain.Draft{}, err
	}
	name := fmt.Sprintf("draft_%s.md", version)
	if version == "current" {
		name = "final.md"
	}
	path := filepath.Join(dir, name)
	content, err := readFile(path)
	if err != nil {
		return domain.Draft{}, err
	}
	draft := domain.Draft{Chapter: ch, Version: version, Content: string(content)}
	if canon, cerr := canonicalChapter(ch); cerr == nil {
		draft.Chapter = canon
	}
	var meta domain.Draft
	if err := readYAML(path+".meta.yaml", &meta); err == nil {
		draft.WordCount = meta.WordCount
		draft.PendingConfirmations = meta.PendingConfirmations
		draft.CreatedAt = meta.CreatedAt
	}
	if draft.WordCount == 0 {
		draft.WordCount = CountWords(draft.Content)
	}
	return draft, nil
}

// ListDraftVersions lists persisted draft versions in ascending order.
func (s *ProjectStore) ListDraftVersions(ch string) ([]string, error) {
	dir, err := s.chapterDir(ch, false)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: listing %s: %v", ErrStorage, dir, err)
	}
	var versions []int
	for _, e := range entries {
		if m := draftFilePattern.FindStringSubmatch(e.Name()); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				versions = append(versions, n)
			}
		}
	}
	sort.Ints(versions)
	out := make([]string, len(versions))
	for i, n := range versions {
		out[i] = fmt.Sprintf("v%d", n)
	}
	return out, nil
}

// LatestDraft returns final.md when present, else the newest draft version.
func (s *ProjectStore) LatestDraft(ch string) (domain.Draft, error) {
	dir, err := s.chapterDir(ch, false)
	if err != nil {
		return domain.Draft{}, err
	}
	if _, err := os.Stat(filepath.Join(dir, "final.md")); err == nil {
		return s.GetDraft(ch, "current")
	}
	versions, err := s.ListDraftVersions(ch)
	if err != nil {
		return domain.Draft{}, err
	}
	if len(versions) == 0 {
		return domain.Draft{}, fmt.Errorf("%w: no draft for %s", ErrNotFound, ch)
	}
	return s.GetDraft(ch, versions[len(versions)-1])
}

// LatestDraftPath resolves the file the binding service should read:
// final.md when present, else the newest draft_*.md. Empty when no draft
// exists.
func (s *ProjectStore) LatestDraftPath(ch string) (path, label string, err error) {
	dir, err := s.chapterDir(ch, false)
	if err != nil {
		return "", "", err
	}
	final := filepath.Join(dir, "final.md")
	if _, err := os.Stat(final); err == nil {
		return final, "final", nil
	}
	versions, err := s.ListDraftVersions(ch)
	if err != nil || len(versions) == 0 {
		return "", "", err
	}
	latest := versions[len(versions)-1]
	return filepath.Join(dir, fmt.Sprintf("draft_%s.md", latest)), latest, nil
}

// SaveCurrentDraft writes the authoritative final.md, rotating the prior
// final into history/ and pruning to the configured cap.
func (s *ProjectStore) SaveCurrentDraft(ctx context.Context, ch, content string) (domain.Draft, error) {
	canon, err := canonicalChapter(ch)
	if err != nil {
		return domain.Draft{}, err
	}
	if _, err := s.chapterDir(canon, true); err != nil {
		return domain.Draft{}, err
	}
	path := s.layout.FinalPath(canon)
	draft := domain.Draft{
		Chapter:   canon,
		Version:   "current",
		Content:   content,
		WordCount: CountWords(content),
		CreatedAt: time.Now().UTC(),
	}
	err = s.withLock(ctx, path, func() error {
		if err := rotateIntoHistory(path, s.layout.HistoryDir(canon), s.historyKeep); err != nil {
			return err
		}
		if err := atomicWrite(path, []byte(content)); err != nil {
			return err
		}
		return writeYAML(path+".meta.yaml", draft)
	})
	return draft, err
}

// DeleteDraft removes a single draft version and its meta file.
func (s *ProjectStore) DeleteDraft(ctx context.Context, ch, version string) error {
	dir, err := s.chapterDir(ch, false)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, fmt.Sprintf("draft_%s.md", version))
	return s.withLock(ctx, path, func() error {
		if err := os.Remove(path); err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("%w: draft %s %s", ErrNotFound, ch, version)
			}
			return fmt.Errorf("%w: deleting %s: %v", ErrStorage, path, err)
		}
		os.Remove(path + ".meta.yaml")
		return nil
	})
}

// SaveConflictReport persists conflicts.yaml for a chapter.
func (s *ProjectStore) SaveConflictReport(ctx context.Context, report domain.ConflictReport) error {
	canon, err := canonicalChapter(report.Chapter)
	if err != nil {
		return err
	}
	report.Chapter = canon
	if report.CreatedAt.IsZero() {
		report.CreatedAt = time.Now().UTC()
	}
	if _, err := s.chapterDir(canon, true); err != nil {
		return err
	}
	path := s.layout.ConflictsPath(canon)
	return s.withLock(ctx, path, func() error {
		return writeYAML(path, report)
	})
}

// GetConflictReport loads conflicts.yaml for a chapter.
func (s *ProjectStore) GetConflictReport(ch string) (domain.ConflictReport, error) {
	dir, err := s.chapterDir(ch, false)
	if err != nil {
		return domain.ConflictReport{}, err
	}
	var report domain.ConflictReport
	if err := readYAML(filepath.Join(dir, "conflicts.yaml"), &report); err != nil {
		return domain.ConflictReport{}, err
	}
	return report, nil
}

// CountWords counts CJK runes individually and ASCII words by whitespace
// split, which matches how chapter length targets are expressed.
func CountWords(text string) int {
	count := 0
	inWord := false
	for _, r := range text {
		switch {
		case r >= 0x4E00 && r <= 0x9FFF:
			count++
			inWord = false
		case r == ' ' || r == '\n' || r == '\t' || r == '\r':
			inWord = false
		default:
			if !inWord {
				count++
				inWord = true
			}
		}
	}
	return count
}
