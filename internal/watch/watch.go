package watch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const relevantOps = fsnotify.Create | fsnotify.Write | fsnotify.Rename | fsnotify.Remove

type Options struct {
	// Path is the file to watch. Its directory must exist.
	Path     string
	Debounce time.Duration
	Logger   *slog.Logger
}

// Watcher reports changes to a single file. The parent directory is watched
// so that replacing the file (build tools usually write a new file and
// rename it into place) is seen as well.
type Watcher struct {
	fsw      *fsnotify.Watcher
	path     string
	debounce time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	timer *time.Timer
}

func New(opts Options) (*Watcher, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	path, err := filepath.Abs(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", opts.Path, err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	return &Watcher{
		fsw:      fsw,
		path:     path,
		debounce: opts.Debounce,
		logger:   opts.Logger,
	}, nil
}

// Run blocks until ctx ends or the watcher is closed, calling onChange at
// most once per debounce window after the file changes.
func (w *Watcher) Run(ctx context.Context, onChange func()) error {
	w.logger.Info("Executable watcher started",
		slog.String("path", w.path),
		slog.Duration("debounce", w.debounce))
	defer w.stopTimer()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Executable watcher stopped")
			return nil

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path || event.Op&relevantOps == 0 {
				continue
			}

			w.logger.Debug("Executable changed",
				slog.String("path", event.Name),
				slog.String("op", event.Op.String()))
			w.trigger(onChange)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("Executable watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) Close() error {
	return w.fsw.Close()
}

func (w *Watcher) trigger(fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, fn)
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
}
