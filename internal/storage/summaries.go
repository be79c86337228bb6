package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dotcommander/wenshape/internal/chapter"
	"github.com/dotcommander/wenshape/internal/domain"
)

// SaveChapterSummary writes the summary under the canonical chapter id,
// removing any legacy-named copy so exactly one artifact remains.
func (s *ProjectStore) SaveChapterSummary(ctx context.Context, summary domain.ChapterSummary) error {
	canon, err := canonicalChapter(summary.Chapter)
	if err != nil {
		return err
	}
	summary.Chapter = canon
	if summary.VolumeID == "" {
		summary.VolumeID = chapter.ExtractVolume(canon)
	}
	path := s.layout.SummaryPath(canon)
	return s.withLock(ctx, path, func() error {
		if err := writeYAML(path, summary); err != nil {
			return err
		}
		s.removeLegacySummaries(canon)
		return nil
	})
}

// removeLegacySummaries deletes summary files whose stem parses to the same
// chapter but is not the canonical spelling.
func (s *ProjectStore) removeLegacySummaries(canon string) {
	entries, err := os.ReadDir(s.layout.SummariesDir())
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, "_summary.yaml") {
			continue
		}
		stem := strings.TrimSuffix(name, "_summary.yaml")
		if stem != canon && chapter.Equal(stem, canon) {
			os.Remove(filepath.Join(s.layout.SummariesDir(), name))
			s.logger.Info("removed legacy summary file", "file", name, "canonical", canon)
		}
	}
}

// GetChapterSummary loads one summary, coercing legacy file names.
func (s *ProjectStore) GetChapterSummary(ch string) (domain.ChapterSummary, error) {
	canon, err := canonicalChapter(ch)
	if err != nil {
		return domain.ChapterSummary{}, err
	}
	var summary domain.ChapterSummary
	err = readYAML(s.layout.SummaryPath(canon), &summary)
	if err == nil {
		summary.Chapter = canon
		return summary, nil
	}
	if !isNotFound(err) {
		return domain.ChapterSummary{}, err
	}
	entries, derr := os.ReadDir(s.layout.SummariesDir())
	if derr != nil {
		return domain.ChapterSummary{}, err
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, "_summary.yaml") {
			continue
		}
		stem := strings.TrimSuffix(name, "_summary.yaml")
		if stem != canon && chapter.Equal(stem, canon) {
			if rerr := readYAML(filepath.Join(s.layout.SummariesDir(), name), &summary); rerr == nil {
				summary.Chapter = canon
				return summary, nil
			}
		}
	}
	return domain.ChapterSummary{}, err
}

// ListChapterSummaries loads every chapter summary, ordered by chapter id.
func (s *ProjectStore) ListChapterSummaries() ([]domain.ChapterSummary, error) {
	entries, err := os.ReadDir(s.layout.SummariesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: listing summaries: %v", ErrStorage, err)
	}
	byChapter := make(map[string]domain.ChapterSummary)
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, "_summary.yaml") {
			continue
		}
		stem := strings.TrimSuffix(name, "_summary.yaml")
		canon, cerr := chapter.Canonical(stem)
		if cerr != nil {
			continue
		}
		var summary domain.ChapterSummary
		if rerr := readYAML(filepath.Join(s.layout.SummariesDir(), name), &summary); rerr != nil {
			s.logger.Warn("skipping unreadable summary", "file", name, "error", rerr)
			continue
		}
		summary.Chapter = canon
		if _, dup := byChapter[canon]; !dup {
			ids = append(ids, canon)
		}
		byChapter[canon] = summary
	}
	ids = chapter.Sort(ids)
	out := make([]domain.ChapterSummary, 0, len(ids))
	for _, id := range ids {
		out = append(out, byChapter[id])
	}
	// Explicit order_index overrides chapter-id order within the list.
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].OrderIndex, out[j].OrderIndex
		if a != nil && b != nil {
			return *a < *b
		}
		return false
	})
	return out, nil
}

// ListVolumes loads all volumes ordered by Order. V1 is auto-created on
// first access.
func (s *ProjectStore) ListVolumes(ctx context.Context) ([]domain.Volume, error) {
	if err := s.ensureDefaultVolume(ctx); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.layout.VolumesDir())
	if err != nil {
		return nil, fmt.Errorf("%w: listing volumes: %v", ErrStorage, err)
	}
	var volumes []domain.Volume
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, "_summary.yaml") {
			continue
		}
		var v domain.Volume
		if rerr := readYAML(filepath.Join(s.layout.VolumesDir(), name), &v); rerr != nil {
			continue
		}
		volumes = append(volumes, v)
	}
	sort.SliceStable(volumes, func(i, j int) bool {
		if volumes[i].Order != volumes[j].Order {
			return volumes[i].Order < volumes[j].Order
		}
		return volumeNumber(volumes[i].ID) < volumeNumber(volumes[j].ID)
	})
	return volumes, nil
}

func volumeNumber(vid string) int {
	n, _ := strconv.Atoi(strings.TrimPrefix(strings.ToUpper(vid), "V"))
	return n
}

func (s *ProjectStore) ensureDefaultVolume(ctx context.Context) error {
	path := s.layout.VolumePath("V1")
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return s.withLock(ctx, path, func() error {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		return writeYAML(path, domain.Volume{ID: "V1", Title: "第一卷", Order: 1})
	})
}

// GetVolume loads one volume.
func (s *ProjectStore) GetVolume(vid string) (domain.Volume, error) {
	token, err := SanitizeID(vid)
	if err != nil {
		return domain.Volume{}, err
	}
	var v domain.Volume
	if err := readYAML(s.layout.VolumePath(strings.ToUpper(token)), &v); err != nil {
		return domain.Volume{}, err
	}
	return v, nil
}

// SaveVolume writes one volume.
func (s *ProjectStore) SaveVolume(ctx context.Context, v domain.Volume) error {
	token, err := SanitizeID(v.ID)
	if err != nil {
		return err
	}
	v.ID = strings.ToUpper(token)
	path := s.layout.VolumePath(v.ID)
	return s.withLock(ctx, path, func() error {
		return writeYAML(path, v)
	})
}

// DeleteVolume removes a volume and its summary. V1 cannot be deleted.
func (s *ProjectStore) DeleteVolume(ctx context.Context, vid string) error {
	token, err := SanitizeID(vid)
	if err != nil {
		return err
	}
	id := strings.ToUpper(token)
	if id == "V1" {
		return fmt.Errorf("%w: default volume V1 cannot be deleted", ErrValidation)
	}
	path := s.layout.VolumePath(id)
	return s.withLock(ctx, path, func() error {
		if err := os.Remove(path); err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("%w: volume %s", ErrNotFound, id)
			}
			return fmt.Errorf("%w: deleting %s: %v", ErrStorage, path, err)
		}
		os.Remove(s.layout.VolumeSummaryPath(id))
		return nil
	})
}

// GetVolumeSummary loads a volume summary.
func (s *ProjectStore) GetVolumeSummary(vid string) (domain.VolumeSummary, error) {
	token, err := SanitizeID(vid)
	if err != nil {
		return domain.VolumeSummary{}, err
	}
	var vs domain.VolumeSummary
	if err := readYAML(s.layout.VolumeSummaryPath(strings.ToUpper(token)), &vs); err != nil {
		return domain.VolumeSummary{}, err
	}
	return vs, nil
}

// SaveVolumeSummary writes a volume summary, stamping UpdatedAt.
func (s *ProjectStore) SaveVolumeSummary(ctx context.Context, vs domain.VolumeSummary) error {
	token, err := SanitizeID(vs.VolumeID)
	if err != nil {
		return err
	}
	vs.VolumeID = strings.ToUpper(token)
	now := time.Now().UTC()
	if vs.CreatedAt.IsZero() {
		vs.CreatedAt = now
	}
	vs.UpdatedAt = now
	path := s.layout.VolumeSummaryPath(vs.VolumeID)
	return s.withLock(ctx, path, func() error {
		return writeYAML(path, vs)
	})
}
