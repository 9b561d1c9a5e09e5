package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch hot-deploys artifacts written to the deploy directory until ctx is
// done. Each path is handled once it has been quiet for the debounce delay.
// Deploys run on the watcher goroutine; the returned channel is closed once
// it has exited, so no deploy is in flight after that.
func (r *Repository) Watch(ctx context.Context) (<-chan struct{}, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(r.layout.DeployDir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", r.layout.DeployDir, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.processEvents(ctx, watcher)
	}()

	r.logger.Info().
		Str("dir", r.layout.DeployDir).
		Dur("debounce", r.debounce).
		Msg("Started watching deploy directory")
	return done, nil
}

func (r *Repository) processEvents(ctx context.Context, watcher *fsnotify.Watcher) {
	timers := make(map[string]*time.Timer)
	quiet := make(chan string)
	defer func() {
		for _, t := range timers {
			t.Stop()
		}
		_ = watcher.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 || !r.accepts(event.Name) {
				continue
			}
			r.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Deploy artifact changed")

			path := event.Name
			if t, ok := timers[path]; ok {
				t.Stop()
			}
			timers[path] = time.AfterFunc(r.debounce, func() {
				select {
				case quiet <- path:
				case <-ctx.Done():
				}
			})

		case path := <-quiet:
			delete(timers, path)
			if ctx.Err() != nil {
				return
			}
			err := r.Deploy(ctx, path)
			switch {
			case errors.Is(err, os.ErrNotExist):
				r.logger.Debug().Str("deploy_path", path).Msg("Deploy artifact already consumed")
			case err != nil:
				r.logger.Error().Err(err).Str("deploy_path", path).Msg("Hot deploy failed")
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			r.logger.Error().Err(err).Msg("Deploy watcher error")
		}
	}
}
