// Package fswatch calls back when a single file changes on disk. Editors
// often replace files through rename or several partial writes, so the
// parent directory is watched and events are debounced.
package fswatch

import (
	"context"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "feedrelay/pkg/logx"
)

const (
	DefaultDebounce    = 250 * time.Millisecond
	restartBackoffBase = 250 * time.Millisecond
	restartBackoffMax  = 5 * time.Second
)

// Watch blocks until ctx ends, calling onChange after path settles. A
// broken watcher is recreated with jittered backoff.
func Watch(ctx context.Context, path string, debounce time.Duration, log logx.Logger, onChange func()) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	dir := filepath.Dir(path)
	file := filepath.Base(path)
	log = log.With(logx.String("path", path))

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	schedule := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounce, func() {
			if ctx.Err() == nil {
				onChange()
			}
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	backoff := restartBackoffBase
	for ctx.Err() == nil {
		if err := watchOnce(ctx, dir, file, log, schedule, func() { backoff = restartBackoffBase }); err != nil {
			log.Warn("file watch failed", logx.Err(err))
		}
		if ctx.Err() != nil {
			return
		}
		wait := backoff + time.Duration(rand.Int64N(int64(backoff/2)+1))
		log.Debug("file watcher restarting", logx.Duration("backoff", wait))
		backoff = min(backoff*2, restartBackoffMax)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// watchOnce runs one watcher until it breaks or ctx ends.
func watchOnce(ctx context.Context, dir, file string, log logx.Logger, schedule, started func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return err
	}
	started()
	log.Debug("file watcher started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !strings.EqualFold(filepath.Base(ev.Name), file) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				schedule()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			if err == nil {
				continue
			}
			// Overflow means events were missed: reload once and keep going.
			if strings.Contains(strings.ToLower(err.Error()), "overflow") {
				log.Warn("file watch overflow; forcing reload", logx.Err(err))
				schedule()
				continue
			}
			return err
		}
	}
}
