package patterns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrWatcherFailed indicates the filesystem watcher could not be initialised.
var ErrWatcherFailed = errors.New("failed to initialize pattern watcher")

const reloadDebounce = 250 * time.Millisecond

// Watch reloads the custom pattern set whenever its file changes, until ctx is done.
// The parent directory is watched so atomic rename-over writes are observed.
// onReload, when non-nil, is called after every reload attempt.
func (s *Store) Watch(ctx context.Context, onReload func(loaded int, err error)) error {
	if s.paths.Custom == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	dir := filepath.Dir(s.paths.Custom)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("create %s: %w", dir, err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	go s.processEvents(ctx, watcher, onReload)
	return nil
}

func (s *Store) processEvents(ctx context.Context, watcher *fsnotify.Watcher, onReload func(int, error)) {
	defer watcher.Close()

	target := filepath.Clean(s.paths.Custom)
	timer := time.NewTimer(reloadDebounce)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			timer.Reset(reloadDebounce)
		case <-timer.C:
			loaded, err := s.Reload()
			if err != nil {
				s.logger.Warn("pattern reload failed", slog.Any("error", err))
			} else {
				s.logger.Info("custom patterns reloaded", slog.Int("custom", loaded))
			}
			if onReload != nil {
				onReload(loaded, err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("pattern watcher error", slog.Any("error", err))
		}
	}
}
