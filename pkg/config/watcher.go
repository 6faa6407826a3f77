package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hostpulse/hostpulse/pkg/infra/logger"
)

// debounce collapses the burst of events editors emit on save.
const watchDebounce = 250 * time.Millisecond

// Watcher invokes a callback when the config file changes on disk.
type Watcher struct {
	watcher  *fsnotify.Watcher
	path     string
	onChange func()

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewWatcher watches path and calls onChange after each write. The parent
// directory is watched so atomic rename-into-place saves are seen too.
func NewWatcher(path string, onChange func()) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fs watcher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	w := &Watcher{
		watcher:  fw,
		path:     filepath.Clean(path),
		onChange: onChange,
		done:     make(chan struct{}),
	}

	w.wg.Add(1)
	go w.loop()

	return w, nil
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	var timer *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(watchDebounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case <-fire:
			logger.Info("config file changed, reloading", "path", w.path)
			w.onChange()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("config watcher error", "error", err)
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() {
	w.closeOnce.Do(func() {
		close(w.done)
		w.watcher.Close()
		w.wg.Wait()
	})
}
