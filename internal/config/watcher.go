package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Manager watches a configuration file and swaps in validated
// snapshots. Readers get the current snapshot lock-free.
type Manager struct {
	path    string
	current atomic.Pointer[File]
	logger  *slog.Logger

	// onReload observes every successful swap.
	onReload func(*File)
}

// NewManager loads the initial snapshot.
func NewManager(path string, onReload func(*File), logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path, logger: logger, onReload: onReload}
	m.current.Store(cfg)
	return m, nil
}

// Current returns the live snapshot.
func (m *Manager) Current() *File {
	return m.current.Load()
}

// Watch reloads on file changes until ctx is done. Editors often
// replace the file (rename + create), so the watch covers the parent
// directory.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		return err
	}

	target := filepath.Clean(m.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			m.reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn("config watcher error", "error", err)
		}
	}
}

// reload swaps in a new snapshot; a load or validation failure keeps
// the current one.
func (m *Manager) reload() {
	cfg, err := Load(m.path)
	if err != nil {
		m.logger.Warn("config reload rejected, keeping current snapshot",
			"path", m.path, "error", err)
		return
	}
	m.current.Store(cfg)
	m.logger.Info("config reloaded", "path", m.path, "models", len(cfg.Models))
	if m.onReload != nil {
		m.onReload(cfg)
	}
}
