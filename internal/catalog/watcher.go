package catalog

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ErrWatcherFailed indicates the filesystem watcher failed to initialize.
var ErrWatcherFailed = errors.New("failed to initialize catalog watcher")

const defaultDebounce = 250 * time.Millisecond

// ReloadEvent reports one reload attempt.
type ReloadEvent struct {
	// RegistryVersion is the published version, 0 when the reload failed.
	RegistryVersion uint64
	Err             error
	Timestamp       time.Time
}

// Watcher reloads a catalog file when it changes. A catalog that fails to
// load or validate is ignored and the previous version stays published.
type Watcher struct {
	path     string
	applier  *Applier
	logger   *zap.Logger
	watcher  *fsnotify.Watcher
	events   chan ReloadEvent
	stop     chan struct{}
	debounce time.Duration
}

// NewWatcher creates a watcher for the catalog at path.
func NewWatcher(path string, applier *Applier, logger *zap.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving catalog path: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		path:     abs,
		applier:  applier,
		logger:   logger,
		watcher:  w,
		events:   make(chan ReloadEvent, 10),
		stop:     make(chan struct{}),
		debounce: defaultDebounce,
	}, nil
}

// Start watches the catalog's directory. Editors often replace files by
// rename, so the directory is watched rather than the file.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watching catalog directory: %w", err)
	}
	go w.run(ctx)
	return nil
}

// Stop stops the watcher. It is safe to call more than once.
func (w *Watcher) Stop() {
	select {
	case <-w.stop:
		return
	default:
		close(w.stop)
		_ = w.watcher.Close()
	}
}

// Events returns reload results. Events are dropped when nobody reads them.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) run(ctx context.Context) {
	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(w.debounce)
		case <-timer.C:
			w.reload(ctx)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("catalog watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	ev := ReloadEvent{Timestamp: time.Now()}
	c, err := Load(w.path)
	if err == nil {
		snap, applyErr := w.applier.Apply(ctx, c)
		if snap != nil {
			ev.RegistryVersion = snap.Version()
		}
		err = applyErr
	}
	if err != nil {
		ev.Err = err
		w.logger.Warn("catalog reload failed", zap.String("path", w.path), zap.Error(err))
	}

	select {
	case w.events <- ev:
	default:
	}
}
