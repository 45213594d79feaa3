package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch monitors the holder's config file and reloads it on change,
// pushing each successfully validated config through the holder and the
// onChange callback. An invalid edit is logged and the previous config
// stays active. Watching the directory rather than the file survives the
// rename-and-replace write pattern editors use.
//
// Watch blocks until the context is cancelled. A missing config file is
// not an error; the watch picks the file up when it appears.
func Watch(ctx context.Context, holder *Holder, onChange func(*Config), logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	dir := filepath.Dir(holder.Path())
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		logger.Info("config directory absent, hot reload disabled", "dir", dir)
		<-ctx.Done()

		return ctx.Err()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch config dir %s: %w", dir, err)
	}

	logger.Info("watching config file for changes", "path", holder.Path())

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if event.Name != holder.Path() {
				continue
			}

			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			reload(holder, onChange, logger)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			logger.Error("config watcher error", "error", err)
		}
	}
}

// reload re-reads the config file and applies it if valid.
func reload(holder *Holder, onChange func(*Config), logger *slog.Logger) {
	cfg, err := Load(holder.Path())
	if err != nil {
		logger.Error("config reload failed, keeping previous config",
			"path", holder.Path(), "error", err)

		return
	}

	holder.Update(cfg)

	if onChange != nil {
		onChange(cfg)
	}

	logger.Info("config reloaded", "path", holder.Path())
}
