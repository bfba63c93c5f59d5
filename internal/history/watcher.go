package history

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultWatchDebounce coalesces bursts of log writes into one refresh.
const DefaultWatchDebounce = 500 * time.Millisecond

// Watcher invalidates an Index when project logs change.
type Watcher struct {
	index    *Index
	root     string
	debounce time.Duration
	logger   *slog.Logger
	onChange func()

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	paths   map[string]struct{}
	wg      sync.WaitGroup
}

// NewWatcher creates a watcher for index. onChange, if non-nil, runs after
// each debounced invalidation.
func NewWatcher(index *Index, debounce time.Duration, onChange func(), logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}
	return &Watcher{
		index:    index,
		root:     index.loader.root,
		debounce: debounce,
		logger:   logger.With("component", "history-watch"),
		onChange: onChange,
		paths:    make(map[string]struct{}),
	}
}

// Start begins watching the log root and its project directories. A missing
// root is not an error; nothing is watched.
func (w *Watcher) Start(ctx context.Context) error {
	info, err := os.Stat(w.root)
	if errors.Is(err, fs.ErrNotExist) {
		w.logger.Debug("history root does not exist; not watching", "root", w.root)
		return nil
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return nil
	}

	w.mu.Lock()
	if w.watcher != nil {
		w.mu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	w.watcher = watcher
	watchCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.mu.Unlock()

	w.addPath(w.root)
	entries, err := os.ReadDir(w.root)
	if err != nil {
		w.logger.Warn("failed to list history root", "root", w.root, "error", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			w.addPath(filepath.Join(w.root, entry.Name()))
		}
	}

	w.wg.Add(1)
	go w.loop(watchCtx, watcher)
	return nil
}

// Close stops watching.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	watcher := w.watcher
	w.watcher = nil
	w.mu.Unlock()

	if watcher != nil {
		_ = watcher.Close()
	}
	w.wg.Wait()
	return nil
}

func (w *Watcher) addPath(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher == nil {
		return
	}
	if _, ok := w.paths[path]; ok {
		return
	}
	if err := w.watcher.Add(path); err != nil {
		w.logger.Debug("failed to watch history path", "path", path, "error", err)
		return
	}
	w.paths[path] = struct{}{}
}

func (w *Watcher) loop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer w.wg.Done()

	var mu sync.Mutex
	var timer *time.Timer
	scheduleRefresh := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.debounce, func() {
			w.index.Invalidate()
			if w.onChange != nil {
				w.onChange()
			}
		})
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					w.addPath(event.Name)
					scheduleRefresh()
					continue
				}
			}
			if strings.HasSuffix(event.Name, ".jsonl") || event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				scheduleRefresh()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("history watch error", "error", err)
		}
	}
}
