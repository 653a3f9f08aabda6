package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
	zlog "github.com/rs/zerolog/log"
)

const reloadSettle = 200 * time.Millisecond

// Watch reloads the file at path whenever it changes and hands every valid
// configuration to onChange. Invalid files are logged and skipped. The parent
// directory is watched so editors that replace the file are followed. Watch blocks
// until ctx ends.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return errors.Wrap(err, "failed to resolve config path")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to create config watcher")
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return errors.Wrapf(err, "failed to watch %s", filepath.Dir(abs))
	}
	zlog.Info().Msgf("config: watching for changes: path=%s", abs)

	// Writes arrive in bursts; reload once they settle.
	settle := time.NewTimer(reloadSettle)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				settle.Reset(reloadSettle)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			zlog.Warn().Err(err).Msg("config: watcher error")

		case <-settle.C:
			cfg, err := Load(abs)
			if err != nil {
				zlog.Error().Err(err).Msgf("config: reload failed, keeping current configuration: path=%s", abs)
				continue
			}
			zlog.Info().Msgf("config: reloaded: path=%s nodes=%d", abs, len(cfg.Nodes))
			onChange(cfg)
		}
	}
}
