package credstore

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchFile reloads s whenever the storage file at path changes on disk,
// so a login or logout performed by another process reaches this one's
// subscribers. The parent directory is watched because atomic writes
// replace the file rather than modify it. SQLite write-ahead logs
// (path + "-wal") count as changes to path. The watcher stops when ctx is
// done.
func WatchFile(ctx context.Context, s *Store, path string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("credstore: creating watcher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("credstore: watching %s: %w", dir, err)
	}

	base := filepath.Base(path)
	relevant := map[string]bool{base: true, base + "-wal": true}

	logger.Debug("watching credential storage", slog.String("path", path))

	go func() {
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}

				if !relevant[filepath.Base(ev.Name)] || ev.Op == fsnotify.Chmod {
					continue
				}

				s.Reload(ctx)
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}

				logger.Warn("credential storage watcher error", slog.String("error", werr.Error()))
			}
		}
	}()

	return nil
}
