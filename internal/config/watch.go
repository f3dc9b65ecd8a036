package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadDebounce coalesces the burst of events most editors emit per save.
const ReloadDebounce = 100 * time.Millisecond

// Watch reloads the effective config for root whenever the global or the
// project config file is written, and hands the result to fn. Directories
// that do not exist yet are not watched. Watch blocks until ctx is done.
func Watch(ctx context.Context, root string, fn func(Config, error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	defer watcher.Close()

	targets := make(map[string]bool)
	if path, err := GlobalConfigPath(); err == nil {
		targets[filepath.Clean(path)] = true
	}
	if root != "" {
		targets[filepath.Clean(ProjectConfigPath(root))] = true
	}
	for path := range targets {
		dir := filepath.Dir(path)
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("config: watch %s: %w", dir, err)
		}
	}

	timer := time.NewTimer(ReloadDebounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !targets[filepath.Clean(event.Name)] {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			timer.Reset(ReloadDebounce)
		case <-timer.C:
			fn(Load(root))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("config: watcher error: %w", err)
		}
	}
}
