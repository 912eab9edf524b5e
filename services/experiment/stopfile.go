// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package experiment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// ErrStopRequested is the cancellation cause when the STOP sentinel appears.
var ErrStopRequested = errors.New("stop sentinel found")

// StopWatcher cancels a context when a STOP file is created in a directory.
//
// Thread Safety: Safe for concurrent use.
type StopWatcher struct {
	path     string
	watcher  *fsnotify.Watcher
	cancel   context.CancelCauseFunc
	logger   *slog.Logger
	done     chan struct{}
	stopOnce sync.Once
}

// WatchStop derives a context that is cancelled with ErrStopRequested once
// stopPath exists. A sentinel already present cancels immediately.
//
// Inputs:
//
//	ctx - Parent context.
//	stopPath - Sentinel path. Its directory must exist.
//	logger - Optional logger.
//
// Outputs:
//
//	context.Context - Derived context.
//	*StopWatcher - Call Stop to release the watcher.
//	error - Non-nil if the directory cannot be watched.
func WatchStop(ctx context.Context, stopPath string, logger *slog.Logger) (context.Context, *StopWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(stopPath)); err != nil {
		watcher.Close()
		return nil, nil, fmt.Errorf("watch %s: %w", filepath.Dir(stopPath), err)
	}

	derived, cancel := context.WithCancelCause(ctx)
	w := &StopWatcher{
		path:    filepath.Clean(stopPath),
		watcher: watcher,
		cancel:  cancel,
		logger:  logger,
		done:    make(chan struct{}),
	}

	if _, err := os.Stat(stopPath); err == nil {
		w.trigger()
	}
	go w.loop(derived)
	return derived, w, nil
}

func (w *StopWatcher) trigger() {
	w.logger.Warn("stop sentinel detected", "path", w.path)
	w.cancel(ErrStopRequested)
}

func (w *StopWatcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				w.trigger()
				return
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("stop watcher error", "error", err)
		}
	}
}

// Stop releases the watcher. The derived context is cancelled as well.
func (w *StopWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.watcher.Close()
		w.cancel(context.Canceled)
	})
}
