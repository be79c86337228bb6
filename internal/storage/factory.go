package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Factory hands out ProjectStores sharing one lock manager per process. It
// is explicitly initialized at startup; nothing imports it at package scope.
type Factory struct {
	dataRoot string
	locks    *LockManager
	logger   *slog.Logger

	mu     sync.Mutex
	stores map[string]*ProjectStore
}

// NewFactory creates the storage factory rooted at dataRoot.
func NewFactory(dataRoot string, logger *slog.Logger) (*Factory, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(dataRoot)
	if err != nil {
		return nil, fmt.Errorf("%w: resolving data root: %v", ErrStorage, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating data root: %v", ErrStorage, err)
	}
	return &Factory{
		dataRoot: abs,
		locks:    NewLockManager(logger),
		logger:   logger.With("component", "storage_factory"),
		stores:   make(map[string]*ProjectStore),
	}, nil
}

// DataRoot returns the absolute data root directory.
func (f *Factory) DataRoot() string { return f.dataRoot }

// Locks exposes the shared lock manager.
func (f *Factory) Locks() *LockManager { return f.locks }

// Project returns (caching) the store for projectID, creating the subtree on
// first access.
func (f *Factory) Project(projectID string) (*ProjectStore, error) {
	token, err := SanitizeID(projectID)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if store, ok := f.stores[token]; ok {
		return store, nil
	}
	store, err := NewProjectStore(f.dataRoot, token, f.locks, f.logger)
	if err != nil {
		return nil, err
	}
	f.stores[token] = store
	return store, nil
}

// ListProjects lists project directories under the data root.
func (f *Factory) ListProjects() ([]string, error) {
	entries, err := os.ReadDir(f.dataRoot)
	if err != nil {
		return nil, fmt.Errorf("%w: listing projects: %v", ErrStorage, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// ProjectExists reports whether a project subtree exists on disk.
func (f *Factory) ProjectExists(projectID string) bool {
	token, err := SanitizeID(projectID)
	if err != nil {
		return false
	}
	info, err := os.Stat(filepath.Join(f.dataRoot, token))
	return err == nil && info.IsDir()
}

// DeleteProject removes a project subtree entirely.
func (f *Factory) DeleteProject(ctx context.Context, projectID string) error {
	token, err := SanitizeID(projectID)
	if err != nil {
		return err
	}
	path, err := ensureUnder(f.dataRoot, filepath.Join(f.dataRoot, token))
	if err != nil {
		return err
	}
	f.mu.Lock()
	delete(f.stores, token)
	f.mu.Unlock()
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("%w: deleting project %s: %v", ErrStorage, token, err)
	}
	f.logger.Info("project deleted", "project", token)
	return nil
}
