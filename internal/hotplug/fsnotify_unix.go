//go:build !windows

package hotplug

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDir is where usbfs exposes one node per connected device.
const DefaultDir = "/dev/bus/usb"

type fsSource struct {
	watcher *fsnotify.Watcher
	done    chan struct{}
}

func (w *Watcher) openSource() (source, error) {
	dir := w.dir
	if dir == "" {
		dir = DefaultDir
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	s := &fsSource{watcher: watcher, done: make(chan struct{})}
	if err := s.addWatchRecursive(dir); err != nil {
		watcher.Close()
		return nil, err
	}
	go s.run(w)
	return s, nil
}

// addWatchRecursive watches dir and the per-bus directories below it.
func (s *fsSource) addWatchRecursive(dir string) error {
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return s.watcher.Add(path)
		}
		return nil
	})
}

func (s *fsSource) run(w *Watcher) {
	defer close(s.done)
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			switch {
			case event.Op&fsnotify.Create != 0:
				// A new bus directory shows up when a controller is added.
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = s.watcher.Add(event.Name)
				}
				w.notify(Event{Action: Arrival, Path: event.Name, At: time.Now()})
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				w.notify(Event{Action: Removal, Path: event.Name, At: time.Now()})
			}

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("hotplug watcher error", "error", err)
		}
	}
}

func (s *fsSource) Close() error {
	err := s.watcher.Close()
	<-s.done
	if errors.Is(err, fsnotify.ErrClosed) {
		return nil
	}
	return err
}
