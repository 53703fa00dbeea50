package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"keyreg/internal/metrics"
)

// reloadDebounce coalesces the burst of events editors emit on save.
const reloadDebounce = 100 * time.Millisecond

// WatchFile watches the key group table at path and reloads manager on change.
// Assignments already made by a registry are not revisited; only services
// resolved after the reload see the new table. The watcher goroutine exits
// when ctx is done.
func WatchFile(ctx context.Context, manager *Manager, path string, logf func(string, ...interface{})) error {
	if manager == nil {
		return fmt.Errorf("manager is required")
	}
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("watch config: resolve path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch config: %w", err)
	}

	// Watch the directory so atomic rename-over-file saves are observed.
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch config: add dir: %w", err)
	}

	fileName := filepath.Base(absPath)

	go func() {
		defer watcher.Close()

		debounce := time.NewTimer(0)
		if !debounce.Stop() {
			<-debounce.C
		}

		for {
			select {
			case <-ctx.Done():
				debounce.Stop()
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != fileName {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Chmod) == 0 {
					continue
				}
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(reloadDebounce)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logf("key table watcher error: %v", err)
			case <-debounce.C:
				if err := manager.LoadFromFile(absPath); err != nil {
					metrics.ObserveConfigReload(false)
					logf("key table reload failed, keeping previous: %v", err)
					continue
				}
				metrics.ObserveConfigReload(true)
				logf("key table reloaded from %s", absPath)
			}
		}
	}()

	return nil
}
