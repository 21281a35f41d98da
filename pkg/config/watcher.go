package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher reloads a configuration file into a Holder when it changes. A
// file that fails to load leaves the current configuration in place.
type Watcher struct {
	path     string
	loader   *Loader
	holder   *Holder
	logger   zerolog.Logger
	onChange func(cfg *Config, targetChanged bool)
}

// NewWatcher creates a watcher of path. onChange, if set, is called after
// every successful reload with whether the target id changed.
func NewWatcher(path string, holder *Holder, logger zerolog.Logger, onChange func(cfg *Config, targetChanged bool)) *Watcher {
	return &Watcher{
		path:     path,
		loader:   NewLoader(),
		holder:   holder,
		logger:   logger.With().Str("component", "config-watcher").Str("path", path).Logger(),
		onChange: onChange,
	}
}

// Run watches until ctx is done. The directory is watched rather than the
// file so that editors replacing the file are noticed.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}
	target := filepath.Clean(w.path)

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
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			w.reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("Config watcher error")
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := w.loader.Load(w.path)
	if err != nil {
		w.logger.Error().Err(err).Msg("Failed to reload config, keeping the current one")
		return
	}
	changed := w.holder.Set(cfg)
	w.logger.Info().
		Bool("target_changed", changed).
		Str("target_id", w.holder.TargetID()).
		Msg("Config reloaded")
	if w.onChange != nil {
		w.onChange(cfg, changed)
	}
}
