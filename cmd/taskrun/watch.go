package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"taskrun/pkg/orchestrator"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const debounceDuration = 100 * time.Millisecond

// watchTask runs the task, then runs it again every time the task file
// changes, aborting a run still in flight first. It returns the last
// outcome once ctx is cancelled.
func watchTask(
	ctx context.Context,
	taskPath string,
	o *orchestrator.Orchestrator,
	runOnce func(context.Context) orchestrator.Outcome,
	logger *zap.Logger,
) (orchestrator.Outcome, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return orchestrator.Outcome{}, fmt.Errorf("create file watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	// Watch the directory: editors often replace the file rather than write it.
	target := filepath.Clean(taskPath)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return orchestrator.Outcome{}, fmt.Errorf("watch %s: %w", taskPath, err)
	}

	changes := make(chan struct{}, 1)
	go debounceChanges(ctx, watcher, target, changes, logger)

	var last orchestrator.Outcome
	for {
		done := make(chan orchestrator.Outcome, 1)
		go func() { done <- runOnce(ctx) }()

		select {
		case last = <-done:
			logger.Info("waiting for task file changes", zap.String("path", taskPath))
			select {
			case <-changes:
			case <-ctx.Done():
				return last, nil
			}
		case <-changes:
			logger.Info("task file changed, restarting run", zap.String("path", taskPath))
			o.Abort()
			last = <-done
		case <-ctx.Done():
			return <-done, nil
		}
	}
}

// debounceChanges coalesces bursts of events on target into one signal on
// changes.
func debounceChanges(ctx context.Context, w *fsnotify.Watcher, target string, changes chan<- struct{}, logger *zap.Logger) {
	timer := newDebounceTimer()
	defer timer.Stop()

	for {
		select {
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				resetDebounceTimer(timer)
			}
		case <-timer.C:
			select {
			case changes <- struct{}{}:
			default:
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			logger.Warn("file watcher error", zap.Error(err))
		case <-ctx.Done():
			return
		}
	}
}

func newDebounceTimer() *time.Timer {
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	return timer
}

func resetDebounceTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(debounceDuration)
}
