package fswatch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/psync/pkg/errors"
	"github.com/sidkik/psync/pkg/finder"
)

func TestDirsToWatch(t *testing.T) {
	root := t.TempDir()
	for _, dir := range []string{"src/app/controllers", "src/node_modules/express", "docs"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, dir), 0755))
	}
	for _, file := range []string{"src/app/controllers/index.js",
		"src/node_modules/express/index.js", "docs/README"} {
		require.NoError(t, os.WriteFile(filepath.Join(root, file), []byte("testfile"), 0644))
	}

	tests := []struct {
		name     string
		rules    []finder.Rule
		expPaths []string
	}{
		{
			name:     "Simple case -- one directory",
			rules:    []finder.Rule{{Include: true, Pattern: "/src/app"}},
			expPaths: []string{"", "src", "src/app", "src/app/controllers"},
		},
		{
			name: "Don't watch excluded paths",
			rules: []finder.Rule{
				{Include: true, Pattern: "/src"},
				{Include: false, Pattern: "/src/node_modules"},
			},
			expPaths: []string{"", "src", "src/app", "src/app/controllers"},
		},
		{
			name:     "Watch a file's directory",
			rules:    []finder.Rule{{Include: true, Pattern: "/docs/README"}},
			expPaths: []string{"", "docs"},
		},
	}

	for _, test := range tests {
		f, err := finder.FromRules(test.rules)
		require.NoError(t, err)

		paths, err := DirsToWatch(f, root)
		assert.NoError(t, err)

		var expPaths []string
		for _, rel := range test.expPaths {
			expPaths = append(expPaths, filepath.Join(root, rel))
		}
		assert.Equal(t, expPaths, paths, test.name)
	}
}

func TestDirsToWatchMissingRoot(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing")

	_, err := DirsToWatch(finder.New(), missing)
	assert.Equal(t, errors.FileNotFound{Path: missing}, errors.RootCause(err))
}

func TestWatchReportsChanges(t *testing.T) {
	root := t.TempDir()
	f, err := finder.FromRules([]finder.Rule{{Include: true, Pattern: "/"}})
	require.NoError(t, err)

	watcher, err := Watch(f, root)
	if err != nil {
		t.Skipf("file watching unavailable: %s", err)
	}
	defer watcher.Close()

	require.NoError(t, os.WriteFile(filepath.Join(root, "new"), nil, 0644))
	select {
	case <-watcher.Changes:
	case <-time.After(10 * time.Second):
		t.Fatal("no change reported")
	}
}

func TestCombineUpdates(t *testing.T) {
	t.Parallel()

	updates := make(chan fsnotify.Event, 1024)
	addEvents := func(num int) {
		for i := 0; i < num; i++ {
			updates <- fsnotify.Event{}
		}
	}

	// Seed with events.
	numUpdates := 100
	addEvents(numUpdates)
	combined := combineUpdates(updates)

	// Assert that the events are being combined.
	numCombined := countEvents(combined)
	assert.True(t, numCombined < numUpdates,
		"expected less combined events (%d) than %d", numCombined, numUpdates)

	// Add more events.
	addEvents(100)
	<-combined
}

func countEvents(c chan struct{}) (n int) {
	// Block until the first event.
	<-c
	n++

	// Count the number of events until there hasn't been any new events in 500
	// milliseconds.
	for {
		select {
		case <-c:
			n++
		case <-time.After(500 * time.Millisecond):
			return n
		}
	}
}
