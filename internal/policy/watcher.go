package policy

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher monitors a policy directory and hot-reloads the catalog when
// files change. Reloads go through Catalog.ReplaceAll, so a directory that
// fails to parse or validate leaves the active catalog untouched.
type Watcher struct {
	watcher  *fsnotify.Watcher
	dir      string
	loader   *Loader
	catalog  *Catalog
	logger   *zap.Logger
	debounce time.Duration

	mu       sync.Mutex
	timer    *time.Timer
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewWatcher creates a watcher for a policy directory.
func NewWatcher(dir string, catalog *Catalog, loader *Loader, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Watcher{
		watcher:  fsw,
		dir:      dir,
		loader:   loader,
		catalog:  catalog,
		logger:   logger,
		debounce: 500 * time.Millisecond,
		stopChan: make(chan struct{}),
	}, nil
}

// Watch starts watching until the context is cancelled or Stop is called.
func (w *Watcher) Watch(ctx context.Context) error {
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}

	w.logger.Info("Starting policy file watcher",
		zap.String("path", w.dir),
		zap.Duration("debounce", w.debounce),
	)

	go w.loop(ctx)
	return nil
}

// Stop terminates the watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
		w.watcher.Close()
	})
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.logger.Info("Policy file watcher stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if w.relevant(event) {
				w.scheduleReload()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	ext := filepath.Ext(event.Name)
	if ext != ".yaml" && ext != ".yml" && ext != ".json" {
		return false
	}
	return event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0
}

// scheduleReload coalesces bursts of file events into one reload.
func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	docs, err := w.loader.LoadDirectory(w.dir)
	if err != nil {
		w.logger.Error("Policy reload failed, keeping previous catalog", zap.Error(err))
		return
	}

	if err := w.catalog.ReplaceAll(docs); err != nil {
		w.logger.Error("Policy reload rejected, keeping previous catalog", zap.Error(err))
		return
	}

	w.logger.Info("Policies reloaded", zap.Int("documents", len(docs)))
}
