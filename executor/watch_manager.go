package executor

import (
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ZacxDev/buildloop/target"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

// WatchManager is the raw filesystem-event source: it registers every watch
// path of every target and surfaces change events. The build loop owns the
// translation from paths to targets.
type WatchManager interface {
	Watch(g target.Graph) error
	// AddPath registers a path created after setup. fsnotify watches are
	// not recursive, so new directories under a watched tree must be added
	// as they appear.
	AddPath(path string) error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
	Close() error
}

type watchManager struct {
	watcher *fsnotify.Watcher
}

func NewWatchManager() (WatchManager, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create filesystem watcher")
	}
	return &watchManager{watcher: watcher}, nil
}

func (wm *watchManager) Watch(g target.Graph) error {
	for _, name := range g.Names() {
		for _, path := range g[name].WatchPaths {
			if err := wm.addRecursive(path); err != nil {
				return errors.Wrapf(err, "failed to watch %s for target %s", path, name)
			}
		}
	}
	return nil
}

func (wm *watchManager) AddPath(path string) error {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return nil
	}
	return wm.addRecursive(path)
}

func (wm *watchManager) addRecursive(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return wm.watcher.Add(path)
	}
	return filepath.WalkDir(path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return wm.watcher.Add(path)
		}
		return nil
	})
}

func (wm *watchManager) Events() <-chan fsnotify.Event {
	return wm.watcher.Events
}

func (wm *watchManager) Errors() <-chan error {
	return wm.watcher.Errors
}

func (wm *watchManager) Close() error {
	return wm.watcher.Close()
}
