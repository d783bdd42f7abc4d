package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounce window for editor save patterns that emit several events per write.
const watchDebounce = 500 * time.Millisecond

// Watch reloads the store whenever the local configuration file changes on
// disk. It blocks until ctx is cancelled. The parent directory is watched
// rather than the file itself so atomic rename-into-place saves are seen.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create file watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(s.paths.ConfigFile)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("config: watch %q: %w", dir, err)
	}
	s.logger.Info("config: watching for file changes", slog.String("file", s.paths.ConfigFile))

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.paths.ConfigFile) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(watchDebounce)
			}

		case <-timerC:
			timerC = nil
			timer = nil
			changes, err := s.Reload(ctx)
			if err != nil {
				s.logger.Error("config: reload after file change failed", slog.Any("error", err))
				continue
			}
			s.logger.Info("config: reloaded after file change", slog.Int("changes", len(changes)))

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("config: watcher error", slog.Any("error", err))
		}
	}
}
