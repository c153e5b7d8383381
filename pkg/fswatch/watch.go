package fswatch

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/sidkik/psync/pkg/errors"
	"github.com/sidkik/psync/pkg/finder"
)

// Watcher reports changes to the directories containing the backed up files.
type Watcher struct {
	// Changes receives a value whenever something in a watched directory
	// changes. Bursts of changes are combined into a single value.
	Changes chan struct{}

	watcher *fsnotify.Watcher
}

// Watch watches the directories that hold the paths selected by `f` below
// `root`. fsnotify doesn't watch recursively, so directories created after
// Watch returns aren't watched.
func Watch(f *finder.Finder, root string) (*Watcher, error) {
	pathsToWatch, err := DirsToWatch(f, root)
	if err != nil {
		return nil, errors.WithContext(err, "get paths")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.WithContext(err, "create watcher")
	}

	for _, path := range pathsToWatch {
		if err := watcher.Add(path); err != nil {
			// Close the watcher so that we release the file handlers for the
			// previously added paths.
			if err := watcher.Close(); err != nil {
				log.WithError(err).Warn("Failed to close file watcher")
			}

			return nil, errors.WithContext(err, fmt.Sprintf("watch %q", path))
		}
	}

	go logErrors(watcher.Errors)
	log.WithField("directories", len(pathsToWatch)).Debug("Watching for changes")
	return &Watcher{
		Changes: combineUpdates(watcher.Events),
		watcher: watcher,
	}, nil
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

func combineUpdates(updates <-chan fsnotify.Event) chan struct{} {
	combined := make(chan struct{}, 1)
	go func() {
		for range updates {
			select {
			case combined <- struct{}{}:
			default:
			}
		}
	}()
	return combined
}

func logErrors(errs <-chan error) {
	for err := range errs {
		log.WithError(err).Warn("File watcher error")
	}
}

// DirsToWatch returns the root, every directory selected by `f`, and the
// directory of every selected file, sorted.
func DirsToWatch(f *finder.Finder, root string) ([]string, error) {
	dirs := map[string]struct{}{root: {}}

	err := f.Walk(root,
		func(rel string, _ os.FileInfo) error {
			dirs[filepath.Dir(filepath.Join(root, filepath.FromSlash(rel)))] = struct{}{}
			return nil
		},
		func(rel string, _ os.FileInfo) error {
			dirs[filepath.Join(root, filepath.FromSlash(rel))] = struct{}{}
			return nil
		})
	if err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(dirs))
	for dir := range dirs {
		paths = append(paths, dir)
	}
	sort.Strings(paths)
	return paths, nil
}
