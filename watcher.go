package hotlib

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// watcher observes one file through a watch on its directory. Watching the
// directory survives editors and linkers that replace the file by unlink+create,
// and lets the host start before the first build produced the file.
type watcher struct {
	path     string
	dir      string
	debounce time.Duration
	rewatch  time.Duration
	signal   func() bool
	logger   *zap.Logger

	fsw  *fsnotify.Watcher
	done chan struct{}
	//last time the change-signal step ran, owned by the loop goroutine
	lastSignal time.Time
}

func startWatcher(ctx context.Context, path string, debounce, rewatch time.Duration, signal func() bool, logger *zap.Logger) (*watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &watcher{
		path:     filepath.Clean(path),
		dir:      filepath.Dir(filepath.Clean(path)),
		debounce: debounce,
		rewatch:  rewatch,
		signal:   signal,
		logger:   logger,
		fsw:      fsw,
		done:     make(chan struct{}),
	}
	if err = fsw.Add(w.dir); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	logger.Info("start watching library file", zap.String("file", w.path))
	go w.loop(ctx)
	return w, nil
}

// stop closes the OS watch and waits for the loop to exit. ctx must be cancelled by the caller.
func (w *watcher) stop() {
	_ = w.fsw.Close()
	<-w.done
}

func (w *watcher) loop(ctx context.Context) {
	defer close(w.done)
	var settle *time.Timer
	var fire <-chan time.Time
	defer func() {
		if settle != nil {
			settle.Stop()
		}
	}()
	schedule := func() {
		if w.debounce <= 0 {
			w.fire()
			return
		}
		if settle == nil {
			settle = time.NewTimer(w.debounce)
		} else {
			settle.Stop()
			settle.Reset(w.debounce)
		}
		fire = settle.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-fire:
			fire = nil
			w.fire()
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.handle(ctx, ev, schedule) {
				return
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error, watching again", zap.String("file", w.path), zap.Error(err))
			if !w.watchAgain(ctx) {
				return
			}
			if w.exists() {
				schedule()
			}
		}
	}
}

// handle processes one event, it returns false when the loop must stop.
func (w *watcher) handle(ctx context.Context, ev fsnotify.Event, schedule func()) bool {
	name := filepath.Clean(ev.Name)
	switch {
	case name == w.dir && ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		w.logger.Debug("library directory removed, trying to watch it again", zap.String("dir", w.dir))
		if !w.watchAgain(ctx) {
			return false
		}
		if w.exists() {
			schedule()
		}
	case name != w.path:
		//artifacts and unrelated files share the directory
	case ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Chmod) != 0:
		schedule()
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		if !w.exists() {
			w.logger.Debug("library file removed, trying to watch it again", zap.String("file", w.path))
		}
		if !w.watchAgain(ctx) {
			return false
		}
		if w.exists() {
			schedule()
		}
	default:
		w.logger.Debug("file change event", zap.Stringer("event", ev))
	}
	return true
}

// watchAgain re-establishes the directory watch, retrying until it succeeds or ctx is done.
func (w *watcher) watchAgain(ctx context.Context) bool {
	for {
		err := w.fsw.Add(w.dir)
		if err == nil {
			w.logger.Debug("watching library again", zap.String("file", w.path))
			return true
		}
		w.logger.Debug("watch library failed, retrying", zap.String("dir", w.dir), zap.Duration("after", w.rewatch), zap.Error(err))
		t := time.NewTimer(w.rewatch)
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-t.C:
		}
	}
}

func (w *watcher) fire() {
	now := time.Now()
	if !w.lastSignal.IsZero() {
		w.logger.Debug("library file settled", zap.String("file", w.path), zap.Duration("since_last", now.Sub(w.lastSignal)))
	}
	w.lastSignal = now
	w.signal()
}

func (w *watcher) exists() bool {
	_, err := os.Stat(w.path)
	return err == nil
}
