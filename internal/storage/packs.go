package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dotcommander/wenshape/internal/domain"
)

// WriteMemoryPack persists the authoritative per-chapter pack, rotating the
// prior pack into history/ (keep last N).
func (s *ProjectStore) WriteMemoryPack(ctx context.Context, pack domain.MemoryPack) error {
	canon, err := canonicalChapter(pack.Chapter)
	if err != nil {
		return err
	}
	pack.Chapter = canon
	if pack.BuiltAt.IsZero() {
		pack.BuiltAt = time.Now().UTC()
	}
	path := s.layout.MemoryPackPath(canon)
	return s.withLock(ctx, path, func() error {
		if err := rotateIntoHistory(path, s.layout.MemoryPackHistoryDir(), s.historyKeep); err != nil {
			return err
		}
		return writeJSON(path, pack)
	})
}

// ReadMemoryPack loads the live pack for a chapter.
func (s *ProjectStore) ReadMemoryPack(ch string) (domain.MemoryPack, error) {
	canon, err := canonicalChapter(ch)
	if err != nil {
		return domain.MemoryPack{}, err
	}
	var pack domain.MemoryPack
	if err := readJSON(s.layout.MemoryPackPath(canon), &pack); err != nil {
		return domain.MemoryPack{}, err
	}
	return pack, nil
}

// SaveBinding persists bindings.yaml under index/chapters/<id>/.
func (s *ProjectStore) SaveBinding(ctx context.Context, binding domain.ChapterBinding) error {
	canon, err := canonicalChapter(binding.Chapter)
	if err != nil {
		return err
	}
	binding.Chapter = canon
	if binding.BuiltAt.IsZero() {
		binding.BuiltAt = time.Now().UTC()
	}
	path := s.layout.BindingPath(canon)
	return s.withLock(ctx, path, func() error {
		return writeYAML(path, binding)
	})
}

// GetBinding loads bindings.yaml for a chapter.
func (s *ProjectStore) GetBinding(ch string) (domain.ChapterBinding, error) {
	canon, err := canonicalChapter(ch)
	if err != nil {
		return domain.ChapterBinding{}, err
	}
	var binding domain.ChapterBinding
	if err := readYAML(s.layout.BindingPath(canon), &binding); err != nil {
		return domain.ChapterBinding{}, err
	}
	binding.Chapter = canon
	return binding, nil
}

// ReadIndexItems loads all evidence items of one index file.
func (s *ProjectStore) ReadIndexItems(name string) ([]domain.EvidenceItem, error) {
	rows, err := readJSONLines(s.layout.IndexPath(name))
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	items := make([]domain.EvidenceItem, 0, len(rows))
	for _, raw := range rows {
		var item domain.EvidenceItem
		if uerr := json.Unmarshal(raw, &item); uerr == nil && item.ID != "" {
			items = append(items, item)
		}
	}
	return items, nil
}

// WriteIndex rewrites an index file and its meta atomically (each file on
// its own; a concurrent search sees a committed snapshot of each).
func (s *ProjectStore) WriteIndex(ctx context.Context, name string, items []domain.EvidenceItem, meta domain.IndexMeta) error {
	path := s.layout.IndexPath(name)
	return s.withLock(ctx, path, func() error {
		rows := make([]any, len(items))
		for i := range items {
			rows[i] = items[i]
		}
		if err := writeJSONLines(path, rows); err != nil {
			return err
		}
		return writeJSON(s.layout.IndexMetaPath(name), meta)
	})
}

// AppendIndexItems appends to an append-only index (memory) and refreshes
// its meta counters.
func (s *ProjectStore) AppendIndexItems(ctx context.Context, name string, items []domain.EvidenceItem) error {
	path := s.layout.IndexPath(name)
	return s.withLock(ctx, path, func() error {
		for _, item := range items {
			if err := appendJSONLine(path, item); err != nil {
				return err
			}
		}
		meta, err := s.ReadIndexMeta(name)
		if err != nil {
			meta = domain.IndexMeta{IndexName: name}
		}
		meta.ItemCount += len(items)
		meta.BuiltAt = time.Now().UTC()
		return writeJSON(s.layout.IndexMetaPath(name), meta)
	})
}

// ReadIndexMeta loads the staleness record for an index.
func (s *ProjectStore) ReadIndexMeta(name string) (domain.IndexMeta, error) {
	var meta domain.IndexMeta
	if err := readJSON(s.layout.IndexMetaPath(name), &meta); err != nil {
		return domain.IndexMeta{}, err
	}
	return meta, nil
}

// SourceMtime returns the newest modification time across the given paths.
func (s *ProjectStore) SourceMtime(paths ...string) int64 {
	return newestMtime(paths...)
}
