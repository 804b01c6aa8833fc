package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Holder provides thread-safe access to a mutable *Config. Long-running
// consumers read through a shared Holder so a file reload updates config
// in exactly one place.
type Holder struct {
	mu   sync.RWMutex
	cfg  *Config
	path string // immutable after construction
}

// NewHolder creates a Holder with the initial config and its file path.
func NewHolder(cfg *Config, path string) *Holder {
	return &Holder{cfg: cfg, path: path}
}

// Config returns the current config snapshot.
func (h *Holder) Config() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.cfg
}

// Path returns the config file path.
func (h *Holder) Path() string {
	return h.path
}

// Update replaces the config.
func (h *Holder) Update(cfg *Config) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.cfg = cfg
}

// Watch reloads the config whenever the file changes on disk, until ctx is
// canceled. Invalid edits are logged and skipped; the previous config stays
// active. The watch covers the parent directory because editors typically
// replace the file by rename.
func (h *Holder) Watch(ctx context.Context, logger *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	if err := watcher.Add(filepath.Dir(h.path)); err != nil {
		watcher.Close()
		return err
	}

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

				if ev.Name != h.path || !ev.Op.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
					continue
				}

				cfg, loadErr := Load(h.path)
				if loadErr != nil {
					logger.Warn("config reload failed, keeping previous config",
						slog.String("path", h.path),
						slog.String("error", loadErr.Error()),
					)

					continue
				}

				h.Update(cfg)
				logger.Info("config reloaded", slog.String("path", h.path))

			case watchErr, ok := <-watcher.Errors:
				if !ok {
					return
				}

				logger.Warn("config watch error", slog.String("error", watchErr.Error()))
			}
		}
	}()

	return nil
}
