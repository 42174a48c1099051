package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce is the settle time of a [Watcher] when none is given.
const DefaultDebounce = 200 * time.Millisecond

// Watcher reports changes to tracked source files. Directories are watched
// rather than the files themselves, so replace-by-rename saves are seen.
// Bursts of events on one file are reported once after they settle.
type Watcher struct {
	w        *fsnotify.Watcher
	log      *zap.Logger
	debounce time.Duration
	onChange func(path string)

	mu      sync.Mutex
	files   map[string]struct{}
	dirs    map[string]int
	pending map[string]time.Time

	running bool
	closed  bool
	stop    chan struct{}
	done    chan struct{}
}

// NewWatcher returns a watcher calling onChange for every settled change.
// onChange runs on the watcher goroutine.
func NewWatcher(onChange func(path string), debounce time.Duration, logger *zap.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	return &Watcher{
		w:        w,
		log:      logger.Named("watcher"),
		debounce: debounce,
		onChange: onChange,
		files:    make(map[string]struct{}),
		dirs:     make(map[string]int),
		pending:  make(map[string]time.Time),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Track starts reporting changes of path.
func (w *Watcher) Track(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("track %s: %w", path, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.files[abs]; ok {
		return nil
	}

	dir := filepath.Dir(abs)
	if w.dirs[dir] == 0 {
		err = w.w.Add(dir)
		if err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	w.dirs[dir]++
	w.files[abs] = struct{}{}

	return nil
}

// Untrack stops reporting changes of path.
func (w *Watcher) Untrack(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.files[abs]; !ok {
		return
	}

	delete(w.files, abs)
	delete(w.pending, abs)

	dir := filepath.Dir(abs)

	w.dirs[dir]--
	if w.dirs[dir] == 0 {
		delete(w.dirs, dir)
		_ = w.w.Remove(dir)
	}
}

// Start processes events on a new goroutine until ctx is done or Close is
// called. Starting a running watcher does nothing.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running || w.closed {
		return
	}

	w.running = true

	go w.run(ctx)
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	tick := time.NewTicker(max(w.debounce/4, 5*time.Millisecond))
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case ev, ok := <-w.w.Events:
			if !ok {
				return
			}

			w.handle(ev)
		case err, ok := <-w.w.Errors:
			if !ok {
				return
			}

			w.log.Warn("watch error", zap.Error(err))
		case <-tick.C:
			w.flush()
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return
	}

	name := filepath.Clean(ev.Name)

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.files[name]; !ok {
		return
	}

	w.pending[name] = time.Now()
}

func (w *Watcher) flush() {
	now := time.Now()

	var settled []string

	w.mu.Lock()
	for path, at := range w.pending {
		if now.Sub(at) >= w.debounce {
			settled = append(settled, path)
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()

	for _, path := range settled {
		w.log.Debug("source changed", zap.String("path", path))
		w.onChange(path)
	}
}

// Close stops the event loop and releases the underlying watcher. It is
// idempotent.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()

		return nil
	}

	w.closed = true
	running := w.running
	w.mu.Unlock()

	close(w.stop)

	if running {
		<-w.done
	}

	return w.w.Close()
}
