// Package watch notices record files modified on disk and reports them
// after a quiet period.
//
// Record files are replaced by rename, so the watcher follows the data
// directory rather than the files themselves.
package watch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ErrWatcherFailed indicates the filesystem watcher failed to initialize.
var ErrWatcherFailed = errors.New("failed to initialize filesystem watcher")

const defaultDebounce = 250 * time.Millisecond

// Config configures a Watcher.
type Config struct {
	// Dir is the directory holding the files.
	Dir string
	// Files are the base names to report. Other entries are ignored.
	Files []string
	// Debounce is the quiet period before a change is reported.
	Debounce time.Duration
	// OnChange receives the path of a changed file.
	OnChange func(ctx context.Context, path string)
	Logger   *zap.Logger
}

// Watcher reports changes to a fixed set of files in one directory.
type Watcher struct {
	dir      string
	files    map[string]struct{}
	debounce time.Duration
	onChange func(ctx context.Context, path string)
	logger   *zap.Logger
	fsw      *fsnotify.Watcher

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
	stop    chan struct{}
	done    chan struct{}
}

// New creates a watcher on cfg.Dir. Call Start to begin reporting.
func New(cfg Config) (*Watcher, error) {
	if cfg.Dir == "" {
		return nil, errors.New("watch: dir is required")
	}
	if cfg.OnChange == nil {
		return nil, errors.New("watch: OnChange is required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaultDebounce
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	if err := fsw.Add(cfg.Dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watching %s: %w", cfg.Dir, err)
	}

	files := make(map[string]struct{}, len(cfg.Files))
	for _, f := range cfg.Files {
		files[filepath.Base(f)] = struct{}{}
	}
	return &Watcher{
		dir:      cfg.Dir,
		files:    files,
		debounce: cfg.Debounce,
		onChange: cfg.OnChange,
		logger:   cfg.Logger,
		fsw:      fsw,
		timers:   make(map[string]*time.Timer),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start processes events until ctx is done or Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	go w.loop(ctx)
	w.logger.Info("watch: watching record files", zap.String("dir", w.dir))
}

// Stop ends event processing and cancels pending reports.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	for _, t := range w.timers {
		t.Stop()
	}
	close(w.stop)
	w.mu.Unlock()

	return w.fsw.Close()
}

// Done is closed when the event loop has exited.
func (w *Watcher) Done() <-chan struct{} { return w.done }

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			_ = w.Stop()
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ctx, ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			watchErrors.Inc()
			w.logger.Warn("watch: watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
		return
	}
	base := filepath.Base(ev.Name)
	if _, ok := w.files[base]; !ok {
		return
	}
	path := filepath.Join(w.dir, base)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if t, ok := w.timers[path]; ok {
		t.Reset(w.debounce)
		return
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		stopped := w.stopped
		w.mu.Unlock()
		if stopped {
			return
		}
		changesTotal.WithLabelValues(base).Inc()
		w.logger.Debug("watch: file changed", zap.String("path", path))
		w.onChange(ctx, path)
	})
}
