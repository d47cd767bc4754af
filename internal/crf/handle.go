package crf

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Snapshot is one fully loaded model version. Snapshots are never mutated after publication.
type Snapshot struct {
	Version int64
	Model   *Model
	ModTime time.Time
}

// Handle owns the on-disk model blob and the currently loaded snapshot.
// Readers call Current or ReloadIfChanged and always observe a complete snapshot.
type Handle struct {
	path   string
	logger *zap.Logger

	current atomic.Pointer[Snapshot]
	version atomic.Int64
	mu      sync.Mutex // serialises loads and publishes
	warned  atomic.Bool
}

// NewHandle creates a handle for the model stored at path; nothing is loaded yet
func NewHandle(path string, logger *zap.Logger) *Handle {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handle{path: path, logger: logger}
}

// Path returns the model blob location
func (h *Handle) Path() string {
	return h.path
}

// Current returns the loaded snapshot, or nil when no model is available
func (h *Handle) Current() *Snapshot {
	return h.current.Load()
}

// ReloadIfChanged compares the blob's modification time with the loaded snapshot and loads
// the blob only when it differs. A missing or unreadable blob leaves the current snapshot in
// place and is logged once.
func (h *Handle) ReloadIfChanged() *Snapshot {
	cur := h.current.Load()
	info, err := os.Stat(h.path)
	if err != nil {
		h.unavailable(err)
		return cur
	}
	if cur != nil && info.ModTime().Equal(cur.ModTime) {
		return cur
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	cur = h.current.Load()
	info, err = os.Stat(h.path)
	if err != nil {
		h.unavailable(err)
		return cur
	}
	if cur != nil && info.ModTime().Equal(cur.ModTime) {
		return cur
	}
	m, err := loadModel(h.path)
	if err != nil {
		h.unavailable(err)
		return cur
	}
	snap := &Snapshot{Version: h.version.Add(1), Model: m, ModTime: info.ModTime()}
	h.current.Store(snap)
	h.warned.Store(false)
	h.logger.Info("model loaded", zap.Int64("version", snap.Version), zap.Strings("fields", m.Fields()))
	return snap
}

func (h *Handle) unavailable(err error) {
	if h.warned.CompareAndSwap(false, true) {
		h.logger.Warn("sequence model unavailable", zap.String("path", h.path), zap.Error(err))
	}
}

func loadModel(path string) (*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

// Publish writes the model to a temporary file, renames it over the blob and swaps the
// in-memory snapshot. Concurrent readers see either the previous or the new model.
func (h *Handle) Publish(m *Model) (*Snapshot, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	dir := filepath.Dir(h.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create model dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tagger-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create temp model: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if err := m.Encode(tmp); err != nil {
		tmp.Close()
		cleanup()
		return nil, fmt.Errorf("encode model: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return nil, fmt.Errorf("sync model: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return nil, fmt.Errorf("close model: %w", err)
	}
	if err := os.Rename(tmpName, h.path); err != nil {
		cleanup()
		return nil, fmt.Errorf("rename model: %w", err)
	}

	info, err := os.Stat(h.path)
	if err != nil {
		return nil, fmt.Errorf("stat model: %w", err)
	}
	snap := &Snapshot{Version: h.version.Add(1), Model: m, ModTime: info.ModTime()}
	h.current.Store(snap)
	h.warned.Store(false)
	h.logger.Info("model published", zap.Int64("version", snap.Version), zap.String("run_id", m.RunID))
	return snap, nil
}

// Watch reloads the model whenever the blob is replaced on disk, until ctx is done
func (h *Handle) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(h.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create model dir: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	base := filepath.Base(h.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				h.ReloadIfChanged()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			h.logger.Warn("model watcher error", zap.Error(err))
		}
	}
}
