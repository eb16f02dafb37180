package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce absorbs the burst of events editors emit for one save.
const reloadDebounce = 100 * time.Millisecond

// Watcher reloads a config file whenever it changes on disk.
type Watcher struct {
	watcher  *fsnotify.Watcher
	path     string
	onChange func(*Config)
	onError  func(error)
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// Watch starts watching path. onChange receives every successfully loaded
// and validated config; onError (may be nil) receives load failures, in
// which case the previous config stays in effect.
func Watch(path string, onChange func(*Config), onError func(error)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Watch the directory: editors often replace the file rather than write it.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}

	w := &Watcher{
		watcher:  fw,
		path:     filepath.Clean(path),
		onChange: onChange,
		onError:  onError,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	go w.watchLoop()
	return w, nil
}

// Stop stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		_ = w.watcher.Close()
	})
	<-w.done
}

func (w *Watcher) watchLoop() {
	defer close(w.done)

	debounceTimer := time.NewTimer(0)
	<-debounceTimer.C // drain initial timer

	for {
		select {
		case <-w.stopCh:
			debounceTimer.Stop()
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounceTimer.Reset(reloadDebounce)

		case <-debounceTimer.C:
			cfg, err := LoadFile(w.path)
			if err != nil {
				w.reportError(fmt.Errorf("reload %s: %w", w.path, err))
				continue
			}
			if w.onChange != nil {
				w.onChange(cfg)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.reportError(err)
		}
	}
}

func (w *Watcher) reportError(err error) {
	if w.onError != nil {
		w.onError(err)
	}
}
