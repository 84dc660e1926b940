package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const debounceDelay = 100 * time.Millisecond

// Watch reloads filename whenever it changes and delivers the result.
// Configurations that fail to load or validate are logged and skipped. Only
// the latest configuration is kept if the receiver falls behind. The channel
// is closed when ctx is done.
func Watch(ctx context.Context, filename string, log zerolog.Logger) (<-chan Config, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// editors replace files on save, so the directory is watched
	target := filepath.Clean(filename)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		watcher.Close()
		return nil, err
	}

	configs := make(chan Config, 1)
	reload := make(chan struct{}, 1)

	go func() {
		defer watcher.Close()
		defer close(configs)

		var debounceTimer *time.Timer
		for {
			select {
			case <-ctx.Done():
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounceDelay, func() {
					select {
					case reload <- struct{}{}:
					default:
					}
				})

			case <-reload:
				config, err := Load(filename)
				if err == nil {
					err = config.Validate()
				}
				if err != nil {
					log.Error().Err(err).Str("file", filename).Msg("Ignoring invalid configuration")
					continue
				}
				log.Info().Str("file", filename).Str("version", config.Version).Msg("Configuration changed")
				// replace a configuration nobody picked up yet
				select {
				case <-configs:
				default:
				}
				configs <- config

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("Config watcher error")
			}
		}
	}()

	return configs, nil
}
