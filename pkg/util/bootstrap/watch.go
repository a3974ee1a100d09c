// Package bootstrap optionally watches a local file and invokes a
// callback when it changes; the file's contents are left to the caller.
// It never watches the proxy configuration itself, which is only ever
// driven by published snapshots.
package bootstrap

import (
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher reloads a callback whenever an optional local bootstrap-config
// override file changes on disk.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	logger    *logrus.Entry
}

// Watch starts watching path, invoking onChange after every write event.
// If path is empty, Watch is a no-op and returns a Watcher whose Close is
// safe to call.
func Watch(path string, onChange func()) (*Watcher, error) {
	logger := logrus.WithField("component", "util.bootstrap")
	if path == "" {
		return &Watcher{logger: logger}, nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{fsWatcher: fw, logger: logger}

	go func() {
		for {
			select {
			case event, ok := <-fw.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					w.logger.WithField("path", path).Info("bootstrap config file changed, reloading")
					onChange()
				}
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				w.logger.WithError(err).Warn("bootstrap config watch error")
			}
		}
	}()

	return w, nil
}

// Close stops watching, if a file was being watched.
func (w *Watcher) Close() error {
	if w.fsWatcher == nil {
		return nil
	}
	return w.fsWatcher.Close()
}
