package server

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/easzlab/godirectord/pkg/monitor"
)

// watchMaintenanceDir kicks an immediate re-check of the matching real
// whenever a maintenance file appears or disappears, so operators do not wait
// a full check interval for the table to follow.
func watchMaintenanceDir(ctx context.Context, dir string, mon *monitor.Monitor, logger *zap.Logger) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Error("failed to create maintenance watcher", zap.Error(err))
		return
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		logger.Error("failed to watch maintenance directory",
			zap.String("dir", dir),
			zap.Error(err),
		)
		return
	}
	logger.Info("watching maintenance directory", zap.String("dir", dir))

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			address := filepath.Base(event.Name)
			logger.Info("maintenance file changed",
				zap.String("file", event.Name),
				zap.String("op", event.Op.String()),
			)
			mon.Kick(address)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Error("maintenance watcher error", zap.Error(err))
		}
	}
}
