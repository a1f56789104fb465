package main

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/launchdarkly/go-sdk-common/v3/ldlog"

	"lds.li/netpipe/config"
)

// reloadDelay lets editors that write in several steps finish before the
// file is read.
const reloadDelay = 200 * time.Millisecond

// watchConfig calls apply with the freshly loaded configuration whenever the
// file at path changes, until ctx is done. The directory is watched rather
// than the file so that atomic renames are seen. Invalid configurations are
// logged and skipped.
func watchConfig(ctx context.Context, path string, loggers ldlog.Loggers, apply func(config.Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return err
	}

	var timer <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			loggers.Debugf("Got file watcher event: %s", event)
			timer = time.After(reloadDelay)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			loggers.Warnf("Error watching %s: %v", path, err)

		case <-timer:
			timer = nil
			cfg, err := loadConfig(path)
			if err != nil {
				loggers.Warnf("Not reloading %s: %v", path, err)
				continue
			}
			apply(cfg)
		}
	}
}
