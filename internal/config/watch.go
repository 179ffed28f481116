package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch reloads the configuration whenever the file is written, created or
// renamed into place, and passes the new value to onChange. A reload that
// fails to parse is logged and the previous configuration is kept. Watch
// blocks until ctx is done.
func (m *Manager) Watch(ctx context.Context, logger *zap.SugaredLogger, onChange func(Config)) error {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer w.Close()

	// watch the directory; editors often replace the file instead of writing it
	if err := w.Add(m.configDir); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	target := filepath.Clean(m.configPath)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if _, err := os.Stat(target); err != nil {
				// renamed away; the replacement arrives as a create
				continue
			}
			if err := m.Load(); err != nil {
				logger.Warnw("config reload failed", "path", target, "error", err)
				continue
			}
			logger.Infow("config reloaded", "path", target)
			if onChange != nil {
				onChange(m.Get())
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warnw("config watcher error", "error", err)
		}
	}
}
