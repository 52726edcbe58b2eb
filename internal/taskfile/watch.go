package taskfile

import (
	"context"
	"hash/fnv"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	watchDebounce      = 250 * time.Millisecond
	restartBackoffBase = 250 * time.Millisecond
	restartBackoffMax  = 5 * time.Second
)

// reloadRetryDelay spaces retries of a reload that failed.
var reloadRetryDelay = 5 * time.Second

// Watch calls onChange after the task file's contents change, debounced so an
// editor's write-rename sequence triggers one reload. A failed onChange is
// retried until it succeeds or the file changes again. It watches the parent
// directory so replacing the file is noticed, and recreates the watcher with
// backoff when fsnotify fails. Watch blocks until ctx is done.
func (f *File) Watch(ctx context.Context, onChange func() error) error {
	dir := filepath.Dir(f.path)
	name := filepath.Base(f.path)

	backoff := restartBackoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	nextWait := func() time.Duration {
		wait := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		backoff = min(backoff*2, restartBackoffMax)
		return wait
	}

	var (
		timerMu  sync.Mutex
		timer    *time.Timer
		lastHash = f.contentHash()
	)
	var arm func(delay time.Duration)
	arm = func(delay time.Duration) {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(delay, func() {
			if ctx.Err() != nil {
				return
			}
			h := f.contentHash()
			timerMu.Lock()
			unchanged := h == lastHash
			timerMu.Unlock()
			if unchanged {
				f.logger.Debug("task file unchanged; skipping reload", "path", f.path)
				return
			}
			f.logger.Info("task file changed", "path", f.path)
			if err := onChange(); err != nil {
				f.logger.Warn("task file reload failed; retrying", "path", f.path, "in", reloadRetryDelay, "err", err)
				arm(reloadRetryDelay)
				return
			}
			timerMu.Lock()
			lastHash = h
			timerMu.Unlock()
		})
	}
	debounce := func() { arm(watchDebounce) }
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		w, err := fsnotify.NewWatcher()
		if err == nil {
			if err = w.Add(dir); err != nil {
				_ = w.Close()
			}
		}
		if err != nil {
			f.logger.Warn("task file watch failed", "dir", dir, "err", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(nextWait()):
				continue
			}
		}

		backoff = restartBackoffBase
		f.logger.Debug("task file watcher started", "dir", dir, "file", name)

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = w.Close()
				return nil
			case ev, ok := <-w.Events:
				if !ok {
					broken = true
					break
				}
				if filepath.Base(ev.Name) == name && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
					debounce()
				}
			case err, ok := <-w.Errors:
				if !ok {
					broken = true
					break
				}
				if err == fsnotify.ErrEventOverflow {
					f.logger.Warn("task file watch overflow; forcing reload", "dir", dir)
					debounce()
					continue
				}
				f.logger.Warn("task file watch error", "dir", dir, "err", err)
			}
		}
		_ = w.Close()
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(nextWait()):
		}
	}
}

// contentHash is zero for a missing or unreadable file.
func (f *File) contentHash() uint64 {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(data)
	return h.Sum64()
}
