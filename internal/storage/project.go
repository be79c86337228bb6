package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dotcommander/wenshape/internal/chapter"
)

// ProjectStore is the typed, atomic storage surface for one project subtree.
// All writes serialize through the per-path lock manager; reads are lock-free
// and see only atomically committed files.
type ProjectStore struct {
	projectID   string
	layout      Layout
	locks       *LockManager
	logger      *slog.Logger
	historyKeep int
}

// NewProjectStore opens (creating if needed) the subtree for projectID under
// dataRoot. The project id is sanitized before any path is assembled.
func NewProjectStore(dataRoot, projectID string, locks *LockManager, logger *slog.Logger) (*ProjectStore, error) {
	token, err := SanitizeID(projectID)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	root, err := ensureUnder(dataRoot, filepath.Join(dataRoot, token))
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating project root: %v", ErrStorage, err)
	}
	if locks == nil {
		locks = NewLockManager(logger)
	}
	return &ProjectStore{
		projectID:   token,
		layout:      Layout{Root: root},
		locks:       locks,
		logger:      logger.With("component", "storage", "project", token),
		historyKeep: DefaultHistoryKeep,
	}, nil
}

// WithHistoryKeep overrides the rotation cap (default 3).
func (s *ProjectStore) WithHistoryKeep(n int) *ProjectStore {
	if n > 0 {
		s.historyKeep = n
	}
	return s
}

// ProjectID returns the sanitized project token.
func (s *ProjectStore) ProjectID() string { return s.projectID }

// Root returns the project root directory.
func (s *ProjectStore) Root() string { return s.layout.Root }

// Layout exposes the path layout for read-only consumers such as indexers.
func (s *ProjectStore) Layout() Layout { return s.layout }

// withLock runs fn while holding the lock for path.
func (s *ProjectStore) withLock(ctx context.Context, path string, fn func() error) error {
	release, err := s.locks.Acquire(ctx, path)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// canonicalChapter sanitizes and canonicalizes a chapter reference.
func canonicalChapter(raw string) (string, error) {
	token, err := SanitizeID(raw)
	if err != nil {
		return "", err
	}
	canon, err := chapter.Canonical(token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return canon, nil
}

// chapterDir resolves the drafts directory for ch. Legacy directory names
// that parse to the same chapter are adopted on read; when migrate is true
// they are renamed to the canonical form first.
func (s *ProjectStore) chapterDir(ch string, migrate bool) (string, error) {
	canon, err := canonicalChapter(ch)
	if err != nil {
		return "", err
	}
	canonical := s.layout.ChapterDir(canon)
	if _, err := os.Stat(canonical); err == nil {
		return canonical, nil
	}
	entries, err := os.ReadDir(s.layout.DraftsDir())
	if err != nil {
		return canonical, nil
	}
	for _, e := range entries {
		if !e.IsDir() || e.Name() == canon {
			continue
		}
		if chapter.Equal(e.Name(), canon) {
			legacy := filepath.Join(s.layout.DraftsDir(), e.Name())
			if migrate {
				if err := os.Rename(legacy, canonical); err != nil {
					return "", fmt.Errorf("%w: migrating %s: %v", ErrStorage, legacy, err)
				}
				s.logger.Info("migrated legacy chapter directory", "from", e.Name(), "to", canon)
				return canonical, nil
			}
			return legacy, nil
		}
	}
	return canonical, nil
}

// ListChapters returns the canonical ids of all chapters that have a drafts
// directory, sorted by chapter order.
func (s *ProjectStore) ListChapters() ([]string, error) {
	entries, err := os.ReadDir(s.layout.DraftsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: listing drafts: %v", ErrStorage, err)
	}
	var ids []string
	seen := make(map[string]bool)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		canon, err := chapter.Canonical(e.Name())
		if err != nil {
			continue
		}
		if !seen[canon] {
			seen[canon] = true
			ids = append(ids, canon)
		}
	}
	return chapter.Sort(ids), nil
}

// ListChaptersForVolume filters ListChapters down to one volume id ("V2").
func (s *ProjectStore) ListChaptersForVolume(volumeID string) ([]string, error) {
	all, err := s.ListChapters()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, id := range all {
		if strings.EqualFold(chapter.ExtractVolume(id), volumeID) {
			out = append(out, id)
		}
	}
	return out, nil
}
