package config

import (
	"github.com/fsnotify/fsnotify"

	"github.com/rdpgo/vchannel/internal/logger"
)

// AddinWatcher re-announces dynamic addin enumeration when a configured
// search directory changes. The directory scan itself remains
// pkg/addin.DiscoveryScanner's interface contract (spec.md §1's
// addin-file-discovery non-goal); this only wires the "something
// changed" trigger, per SPEC_FULL.md §6.
type AddinWatcher struct {
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// WatchAddinDirectory watches every directory in dirs and invokes
// onChange(dir) whenever a file is created, removed, renamed, or written
// within it. The caller is responsible for re-running its
// DiscoveryScanner in onChange.
func WatchAddinDirectory(dirs []string, onChange func(dir string)) (*AddinWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, dir := range dirs {
		if err := w.Add(dir); err != nil {
			_ = w.Close()
			return nil, err
		}
	}

	aw := &AddinWatcher{watcher: w, done: make(chan struct{})}
	go aw.run(onChange)
	return aw, nil
}

func (aw *AddinWatcher) run(onChange func(dir string)) {
	defer close(aw.done)
	for {
		select {
		case ev, ok := <-aw.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename|fsnotify.Write) == 0 {
				continue
			}
			logger.Debug("config: addin directory changed", "path", ev.Name, "op", ev.Op.String())
			if onChange != nil {
				onChange(dirOf(ev.Name))
			}
		case err, ok := <-aw.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("config: addin directory watch error", "error", err)
		}
	}
}

// Close stops the watcher and waits for its goroutine to exit.
func (aw *AddinWatcher) Close() error {
	err := aw.watcher.Close()
	<-aw.done
	return err
}

func dirOf(path string) string {
	i := len(path) - 1
	for i >= 0 && path[i] != '/' {
		i--
	}
	if i < 0 {
		return path
	}
	return path[:i]
}
