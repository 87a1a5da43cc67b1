package scanner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"media-indexer/internal/logging"
	"media-indexer/internal/metrics"
)

// watchDebounce coalesces bursts of filesystem events (a copy of a large
// album fires thousands) into a single rescan.
const watchDebounce = 2 * time.Second

// Watch monitors the media directory and triggers a rescan after changes
// settle. Blocks until the context is cancelled or the scanner stops; run
// it on its own goroutine.
func (s *Scanner) Watch(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logging.Error("Failed to create file watcher: %v", err)
		return
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			logging.Error("failed to close file watcher: %v", err)
		}
	}()

	watchCount := s.addDirectories(watcher)
	logging.Debug("Watcher started, watching %d directories", watchCount)

	var debounce *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if strings.Contains(event.Name, "/.") {
				continue
			}
			metrics.ScannerWatcherEvents.Inc()

			// New directories must be added to the watch set before
			// their contents show up.
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if addErr := watcher.Add(event.Name); addErr != nil {
						logging.Warn("failed to watch new directory %s: %v", event.Name, addErr)
					}
				}
			}

			if debounce == nil {
				debounce = time.NewTimer(watchDebounce)
				fire = debounce.C
			} else {
				debounce.Reset(watchDebounce)
			}

		case <-fire:
			debounce = nil
			fire = nil
			if _, err := s.Scan(ctx); err != nil {
				logging.Error("Watcher-triggered scan failed: %v", err)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logging.Error("Watcher error: %v", err)

		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scanner) addDirectories(watcher *fsnotify.Watcher) int {
	count := 0
	err := filepath.Walk(s.cfg.MediaDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() && !strings.HasPrefix(info.Name(), ".") {
			if addErr := watcher.Add(path); addErr != nil {
				logging.Warn("failed to add path to watcher %s: %v", path, addErr)
			} else {
				count++
			}
		}
		return nil
	})
	if err != nil {
		logging.Error("failed to walk media directory for watcher: %v", err)
	}
	return count
}
