package main

// configWatcher watches for writes to the configuration file so daemon mode
// can pick up changes without a restart.

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/derekwayne/facebook-to-db/config"
)

// defaultFlushDuration sets the time given to wait for multiple editor writes
const defaultFlushDuration time.Duration = 25 * time.Millisecond

// configWatcher signals writes to a single watched file. The file's parent
// directory is watched rather than the file itself, because editors often
// replace the file on save, which would drop a direct watch.
type configWatcher struct {
	path          string
	watcher       *fsnotify.Watcher
	update        chan bool
	flushDuration time.Duration
}

// newConfigWatcher registers a watcher for the given file path.
func newConfigWatcher(path string) (*configWatcher, error) {

	cw := &configWatcher{
		path:          filepath.Clean(path),
		update:        make(chan bool),
		flushDuration: defaultFlushDuration,
	}
	if _, err := os.Stat(cw.path); err != nil {
		return nil, fmt.Errorf("watch target %q not found: %w", cw.path, err)
	}

	var err error
	cw.watcher, err = fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify new watcher error: %w", err)
	}
	if err := cw.watcher.Add(filepath.Dir(cw.path)); err != nil {
		return nil, fmt.Errorf("fsnotify add error for %q: %w", cw.path, err)
	}
	return cw, nil
}

// Watch watches the filesystem for writes to the registered file, buffering
// the double writes editors make on save. Watch blocks, so needs to be run
// in a goroutine; consumers iterate over [configWatcher.Update].
func (cw *configWatcher) Watch(ctx context.Context) error {

	// eventChan is an internal chan used for buffering editor writes.
	eventChan := make(chan bool)

	g, ctx := errgroup.WithContext(ctx)

	// This goroutine watches for *fsnotify.Watcher events.
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case err, ok := <-cw.watcher.Errors:
				if !ok {
					return errors.New("unexpected close from watcher.Errors")
				}
				return fmt.Errorf("unexpected notify error: %w", err)

			// An event has been received.
			case e, ok := <-cw.watcher.Events:
				if !ok {
					return errors.New("unexpected close from watcher.Events")
				}
				if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
					continue
				}
				if filepath.Clean(e.Name) != cw.path {
					continue
				}
				// the receiver may already have exited on cancellation
				select {
				case <-ctx.Done():
					return ctx.Err()
				case eventChan <- true:
				}
			}
		}
	})

	// Collapse write bursts within the same flushDuration into a single
	// update, giving time for the writes to complete.
	g.Go(func() error {
		flush := false
		timer := time.NewTicker(cw.flushDuration)
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case _, ok := <-eventChan:
				if !ok {
					return nil
				}
				flush = true
				timer.Reset(cw.flushDuration)
			case <-timer.C:
				if flush {
					select {
					case <-ctx.Done():
						return ctx.Err()
					case cw.update <- true:
					}
					flush = false
				}
			}
		}
	})

	err := g.Wait()
	close(eventChan)
	close(cw.update)
	_ = cw.watcher.Close()
	return err
}

// Update returns a channel signalling a file refresh event.
func (cw *configWatcher) Update() <-chan bool {
	return cw.update
}

// Daemon runs sync passes on the configured cadence until the context is
// cancelled, triggering an immediate pass when the configuration file
// changes. Each pass reloads the configuration, so changes apply without a
// restart.
func (a *app) Daemon(ctx context.Context, cfgPath string) error {

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	logger := newLogger(cfg)

	interval := cfg.Sync.Interval
	if interval == 0 {
		interval = 24 * time.Hour
	}

	watcher, err := newConfigWatcher(cfgPath)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return watcher.Watch(ctx)
	})
	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			// a failed pass does not stop the daemon; the next
			// cadence tick retries it afresh
			if err := a.Sync(ctx, cfgPath, SyncOverrides{}); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				logger.Error("sync pass failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			case _, ok := <-watcher.Update():
				if !ok {
					return nil
				}
				logger.Info("configuration change detected, resyncing")
				next, err := config.Load(cfgPath)
				if err != nil {
					logger.Error("could not reload configuration", "error", err)
					continue
				}
				if next.Sync.Interval > 0 {
					interval = next.Sync.Interval
					ticker.Reset(interval)
				}
			}
		}
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
