package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const watchDebounce = 500 * time.Millisecond

// Watcher watches one config file and invokes the callback after
// changes settle. The callback typically reloads settings and resets
// the backend router.
type Watcher struct {
	path     string
	onChange func()
	logger   *zap.Logger
	watcher  *fsnotify.Watcher

	debounceMu    sync.Mutex
	debounceTimer *time.Timer

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewWatcher 创建配置文件监视器
func NewWatcher(path string, onChange func(), logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Watch the directory, not the file: editors replace files on save
	// and a file-level watch dies with the old inode.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch config dir: %w", err)
	}

	return &Watcher{
		path:     path,
		onChange: onChange,
		logger:   logger.With(zap.String("component", "config-watcher")),
		watcher:  fw,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start begins watching until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	w.logger.Info("Config watcher started", zap.String("path", w.path))
	go w.watchLoop(ctx)
}

func (w *Watcher) watchLoop(ctx context.Context) {
	defer close(w.doneCh)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("File watcher error", zap.Error(err))
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != filepath.Clean(w.path) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}
	w.debounce(func() {
		w.logger.Info("Config file changed, reloading",
			zap.String("path", w.path),
			zap.String("operation", event.Op.String()))
		w.onChange()
	})
}

// debounce delays the callback until rapid-fire saves settle.
func (w *Watcher) debounce(callback func()) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(watchDebounce, callback)
}

// Stop 停止监视。幂等。
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopCh)
		err = w.watcher.Close()
		select {
		case <-w.doneCh:
		case <-time.After(5 * time.Second):
			w.logger.Warn("Config watcher stop timed out")
		}
	})
	return err
}
