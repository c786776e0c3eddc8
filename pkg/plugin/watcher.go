package plugin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// StoreWatcher re-syncs custom plugins when the custom store file changes on
// disk. The parent directory is watched since editors often replace files
// instead of writing them in place.
type StoreWatcher struct {
	watcher            *fsnotify.Watcher
	manager            *Manager
	path               string
	stabilityThreshold time.Duration
	logger             zerolog.Logger

	done     chan struct{}
	timer    *time.Timer
	timerMu  sync.Mutex
	stopOnce sync.Once
}

// NewStoreWatcher creates a watcher for the manager's custom store.
func NewStoreWatcher(logger zerolog.Logger, manager *Manager, stabilityThreshold time.Duration) (*StoreWatcher, error) {
	if manager.opts.Custom == nil {
		return nil, fmt.Errorf("custom plugins are not configured")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	if stabilityThreshold == 0 {
		stabilityThreshold = 100 * time.Millisecond
	}

	return &StoreWatcher{
		watcher:            watcher,
		manager:            manager,
		path:               filepath.Clean(manager.opts.Custom.Path()),
		stabilityThreshold: stabilityThreshold,
		logger:             logger.With().Str("component", "plugin-watcher").Logger(),
		done:               make(chan struct{}),
	}, nil
}

// Start begins watching. The store directory is created if needed.
func (w *StoreWatcher) Start(ctx context.Context) error {
	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create plugin directory: %w", err)
	}
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	go w.eventLoop(ctx)

	w.logger.Info().Str("path", w.path).Msg("Custom plugin watcher started")
	return nil
}

// Stop stops the watcher
func (w *StoreWatcher) Stop() error {
	w.stopOnce.Do(func() {
		close(w.done)
	})

	w.timerMu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.timerMu.Unlock()

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (w *StoreWatcher) eventLoop(ctx context.Context) {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.debounce(ctx)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")

		case <-ctx.Done():
			return

		case <-w.done:
			return
		}
	}
}

// debounce collapses bursts of events into one sync
func (w *StoreWatcher) debounce(ctx context.Context) {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.stabilityThreshold, func() {
		select {
		case <-w.done:
			return
		default:
		}
		if err := w.manager.SyncCustom(ctx); err != nil {
			w.logger.Error().Err(err).Msg("Failed to sync custom plugins")
			return
		}
		w.logger.Info().Msg("Custom plugins reloaded")
	})
}
