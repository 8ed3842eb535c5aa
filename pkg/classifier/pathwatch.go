package classifier

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchPath refreshes the PATH cache when a PATH directory changes, so
// freshly installed tools classify as Known without a daemon restart.
// Events are debounced; the watcher stops when ctx is cancelled.
func (c *Classifier) WatchPath(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	for _, dir := range filepath.SplitList(os.Getenv("PATH")) {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			c.log.Debug().Err(err).Str("dir", dir).Msg("Cannot watch PATH directory")
		}
	}

	go func() {
		defer watcher.Close()
		var debounce *time.Timer
		refresh := make(chan struct{}, 1)
		for {
			select {
			case <-ctx.Done():
				if debounce != nil {
					debounce.Stop()
				}
				return
			case _, ok := <-watcher.Events:
				if !ok {
					return
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(2*time.Second, func() {
					select {
					case refresh <- struct{}{}:
					default:
					}
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				c.log.Debug().Err(err).Msg("PATH watcher error")
			case <-refresh:
				c.RefreshPathCache()
			}
		}
	}()
	return nil
}
