package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 500 * time.Millisecond

// Watcher reloads tunable settings when the config file changes on disk.
// Only engagement thresholds, personas, and moderation terms are swapped;
// listeners, backends, and secrets keep their boot-time values.
type Watcher struct {
	cfg     *Config
	path    string
	watcher *fsnotify.Watcher
	lastSum string
}

// NewWatcher creates a watcher for the given config file. The parent
// directory is watched rather than the file itself so editors that
// replace-on-save (write temp, rename over) are still observed.
func NewWatcher(cfg *Config, path string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{
		cfg:     cfg,
		path:    path,
		watcher: fw,
		lastSum: cfg.Hash(),
	}, nil
}

// Run blocks until ctx is cancelled, reloading on file changes.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Debounce rapid saves.
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
				fire = timer.C
			} else {
				timer.Reset(reloadDebounce)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("config watch error", "error", err)

		case <-fire:
			timer = nil
			fire = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	next, err := Load(w.path)
	if err != nil {
		slog.Warn("config reload failed, keeping current settings", "path", w.path, "error", err)
		return
	}
	sum := next.Hash()
	if sum == w.lastSum {
		return
	}
	w.cfg.replaceTunables(next)
	w.lastSum = sum
	slog.Info("config reloaded", "path", w.path, "hash", sum)
}
