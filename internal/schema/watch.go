package schema

import (
	"context"
	"errors"
	"fmt"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch publishes schema files added to dir until ctx is done.
//
// Only new refs are picked up. Edits to an already published schema are
// refused (schemas are immutable) and logged as a warning. The onPublish
// callback, if non-nil, is invoked with each newly published ref.
func (r *Registry) Watch(ctx context.Context, dir string, logger *zap.Logger, onPublish func(ref string)) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("watcher events channel closed")
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			ref, ok := RefFromPath(event.Name)
			if !ok {
				continue
			}

			_, known := r.Lookup(ref)
			err := r.LoadFile(event.Name)
			switch {
			case errors.Is(err, ErrImmutable):
				logger.Warn("published schema changed on disk, ignoring",
					zap.String("schema_ref", ref), zap.String("path", event.Name))
			case err != nil:
				// editors often write in several steps; the next write event retries
				logger.Debug("schema not loaded", zap.String("schema_ref", ref), zap.Error(err))
			case !known:
				logger.Info("schema published", zap.String("schema_ref", ref))
				if onPublish != nil {
					onPublish(ref)
				}
			}

		case wErr, ok := <-watcher.Errors:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("watcher errors channel closed")
			}
			logger.Error("fsnotify error", zap.Error(wErr))
		}
	}
}
