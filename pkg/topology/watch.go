package topology

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watch reloads the topology at path whenever the file changes and hands the
// result to onChange. Invalid documents are reported through onChange with a
// nil topology. Watching stops when ctx is cancelled.
func Watch(ctx context.Context, path string, logger zerolog.Logger, onChange func(*Topology, error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	// Watch the directory so atomic replacements of the file are seen.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	logger = logger.With().Str("component", "topology-watch").Str("path", path).Logger()
	target := filepath.Clean(path)

	go func() {
		defer watcher.Close()

		var reloadTimer *time.Timer
		reloadDelay := 500 * time.Millisecond

		for {
			select {
			case <-ctx.Done():
				if reloadTimer != nil {
					reloadTimer.Stop()
				}
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}

				logger.Debug().Str("op", event.Op.String()).Msg("Topology file changed")

				if reloadTimer != nil {
					reloadTimer.Stop()
				}
				reloadTimer = time.AfterFunc(reloadDelay, func() {
					t, err := Load(path)
					if err != nil {
						logger.Warn().Err(err).Msg("Reloaded topology is invalid")
					} else {
						logger.Info().Msg("Topology reloaded")
					}
					onChange(t, err)
				})

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Error().Err(err).Msg("Watcher error")
			}
		}
	}()

	logger.Info().Msg("Started watching topology")
	return nil
}
