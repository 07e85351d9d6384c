package router

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/example/navi/internal/logging"
)

const defaultReloadDebounce = 500 * time.Millisecond

// Watcher reloads a route table file into a Router when it changes. A table
// that fails to load or validate is logged and the active one is kept.
type Watcher struct {
	path     string
	router   *Router
	logger   *zap.Logger
	debounce time.Duration

	mu       sync.Mutex
	timer    *time.Timer
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func NewWatcher(path string, r *Router, logger *zap.Logger, debounce time.Duration) (*Watcher, error) {
	if r == nil {
		return nil, errors.New("router required")
	}
	if path == "" {
		return nil, errors.New("route table path required")
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	if debounce <= 0 {
		debounce = defaultReloadDebounce
	}
	return &Watcher{
		path:     filepath.Clean(path),
		router:   r,
		logger:   logging.OrNop(logger),
		debounce: debounce,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start watches the file's directory so that editors which replace the file
// by rename are also picked up. It returns once the watch is registered.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		_ = fw.Close()
		return err
	}
	go w.loop(ctx, fw)
	return nil
}

func (w *Watcher) loop(ctx context.Context, fw *fsnotify.Watcher) {
	defer close(w.done)
	defer fw.Close()
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.stopCh:
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("route table watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.stopCh:
			return
		default:
		}
		_ = w.Reload()
	})
}

// Reload reads the file now and swaps it in if valid.
func (w *Watcher) Reload() error {
	t, err := LoadTable(w.path)
	if err != nil {
		w.logger.Warn("route table reload rejected, keeping previous table", zap.String("path", w.path), zap.Error(err))
		return err
	}
	w.router.SetTable(t)
	w.logger.Info("route table reloaded", zap.String("path", w.path), zap.Strings("routes", t.RouteNames()))
	return nil
}

// Stop ends the watch. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
	})
}

// Done is closed once the watch loop has exited.
func (w *Watcher) Done() <-chan struct{} { return w.done }
