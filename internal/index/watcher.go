package index

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/dotcommander/wenshape/internal/storage"
)

// Watcher marks indices dirty when their source files change on disk, so the
// next search rebuilds them without waiting for an mtime probe. External
// edits to the data directory are picked up the same way as writes through
// the store.
type Watcher struct {
	store  *storage.ProjectStore
	logger *slog.Logger

	mu    sync.Mutex
	dirty map[string]bool

	fw   *fsnotify.Watcher
	done chan struct{}
}

// NewWatcher creates a watcher over the project's data directories. Call
// Start to begin receiving events and Close to stop.
func NewWatcher(store *storage.ProjectStore, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		store:  store,
		logger: logger.With("component", "index_watcher", "project", store.ProjectID()),
		dirty:  make(map[string]bool),
		done:   make(chan struct{}),
	}
}

// Start registers the source directories and launches the event loop. The
// loop exits when ctx is cancelled or Close is called.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fw = fw

	layout := w.store.Layout()
	dirs := []string{
		layout.CanonDir(),
		layout.CharacterCardsDir(),
		layout.WorldCardsDir(),
		layout.SummariesDir(),
		layout.VolumesDir(),
		layout.DraftsDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			continue
		}
		if err := fw.Add(dir); err != nil {
			w.logger.Warn("cannot watch directory", "dir", dir, "error", err)
		}
	}
	// Chapter subdirectories under drafts/ hold the actual draft files.
	if chapters, err := w.store.ListChapters(); err == nil {
		for _, ch := range chapters {
			if dir := layout.ChapterDir(ch); dir != "" {
				_ = fw.Add(dir)
			}
		}
	}

	go w.loop(ctx)
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	layout := w.store.Layout()
	path := ev.Name

	// Ignore churn inside index/ itself and temp files from atomic writes.
	if strings.HasPrefix(path, layout.IndexDir()) || strings.Contains(filepath.Base(path), ".tmp") {
		return
	}

	var names []string
	switch {
	case strings.HasPrefix(path, layout.CanonDir()):
		names = []string{FactsIndexName}
	case strings.HasPrefix(path, layout.CharacterCardsDir()),
		strings.HasPrefix(path, layout.WorldCardsDir()),
		path == layout.StyleCardPath():
		names = []string{CardsIndexName}
	case strings.HasPrefix(path, layout.SummariesDir()), strings.HasPrefix(path, layout.VolumesDir()):
		names = []string{SummariesIndexName}
	case strings.HasPrefix(path, layout.DraftsDir()):
		names = []string{TextChunksIndexName}
		// New chapter directories need their own watch to see draft writes.
		if ev.Op&fsnotify.Create != 0 {
			if info, err := os.Stat(path); err == nil && info.IsDir() {
				_ = w.fw.Add(path)
			}
		}
	default:
		return
	}

	w.mu.Lock()
	for _, n := range names {
		w.dirty[n] = true
	}
	w.mu.Unlock()
	w.logger.Debug("source changed", "path", path, "indices", names)
}

// TakeDirty returns and clears the set of index names marked dirty since the
// last call.
func (w *Watcher) TakeDirty() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.dirty) == 0 {
		return nil
	}
	names := make([]string, 0, len(w.dirty))
	for n := range w.dirty {
		names = append(names, n)
	}
	w.dirty = make(map[string]bool)
	return names
}

// IsDirty reports whether the named index saw a source change.
func (w *Watcher) IsDirty(name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dirty[name]
}

// Close stops the event loop and releases the OS watches.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
	default:
		close(w.done)
	}
	if w.fw != nil {
		return w.fw.Close()
	}
	return nil
}
