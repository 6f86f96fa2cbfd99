package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher re-applies a participant file to a Tree whenever it changes.
// Invalid edits are logged and leave the tree untouched.
type Watcher struct {
	path     string
	tree     *Tree
	logger   *slog.Logger
	debounce time.Duration
	fs       *fsnotify.Watcher

	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	reloads int
	lastErr error
}

// Watch starts watching path. The directory is watched rather than the file
// so that editors replacing the file by rename are seen.
func Watch(ctx context.Context, path string, tree *Tree, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}
	w := &Watcher{
		path:     abs,
		tree:     tree,
		logger:   logger,
		debounce: 50 * time.Millisecond,
		fs:       fw,
		done:     make(chan struct{}),
	}
	go w.loop(ctx)
	return w, nil
}

// Reloads returns how many times the file was applied, and the last error.
func (w *Watcher) Reloads() (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads, w.lastErr
}

// Close stops watching and waits for the loop to exit.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		err = w.fs.Close()
		<-w.done
	})
	return err
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = w.fs.Close()
			return

		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			w.reload()

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher", "path", w.path, "error", err)
		}
	}
}

func (w *Watcher) reload() {
	values, err := LoadFile(w.path)
	w.mu.Lock()
	w.lastErr = err
	if err == nil {
		w.reloads++
	}
	w.mu.Unlock()

	if err != nil {
		w.logger.Warn("config reload rejected", "path", w.path, "error", err)
		return
	}
	w.tree.Merge(values)
	w.logger.Info("config reloaded", "path", w.path, "keys", len(values))
}
