package agent

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/psync/pkg/errors"
	"github.com/sidkik/psync/pkg/filedb"
	"github.com/sidkik/psync/pkg/proto"
)

func TestRun(t *testing.T) {
	root := filepath.Join(t.TempDir(), "backup")
	dbPath := filepath.Join(t.TempDir(), "backup.db")

	var in, out bytes.Buffer
	require.NoError(t, proto.WriteCommand(&in, proto.Mkdir{Path: "etc", Stat: proto.Stat{Mtime: 10}}))
	require.NoError(t, proto.WriteCommand(&in, proto.GetDB{}))

	opts := options{compactThreshold: filedb.DefaultCompactThreshold}
	require.NoError(t, run(root, dbPath, opts, &in, &out))

	info, err := os.Stat(filepath.Join(root, "etc"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.NotEmpty(t, out.Bytes())

	db, err := filedb.Open(dbPath)
	require.NoError(t, err)
	defer db.Close()
	_, ok := db.Find("etc")
	assert.True(t, ok)

	// The lock is released once the agent exits.
	lock := flock.New(dbPath + ".lock")
	locked, err := lock.TryLock()
	require.NoError(t, err)
	assert.True(t, locked)
	require.NoError(t, lock.Unlock())
}

func TestRunLocked(t *testing.T) {
	root := t.TempDir()
	dbPath := filepath.Join(t.TempDir(), "backup.db")

	lock := flock.New(dbPath + ".lock")
	locked, err := lock.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer lock.Unlock()

	var out bytes.Buffer
	opts := options{compactThreshold: filedb.DefaultCompactThreshold}
	err = run(root, dbPath, opts, &bytes.Buffer{}, &out)
	assert.Equal(t, errors.NewFriendlyError(
		"Another agent is already using the database at %q.\n"+
			"Wait for the other backup to finish, and try again.", dbPath), err)
	assert.Empty(t, out.Bytes())
}

func TestRunBadCompactThreshold(t *testing.T) {
	err := run(t.TempDir(), filepath.Join(t.TempDir(), "backup.db"),
		options{compactThreshold: 0}, &bytes.Buffer{}, &bytes.Buffer{})
	assert.Equal(t, errors.NewFriendlyError(
		"The compact threshold must be at least 1, but got %d.", 0), err)
}

func TestRunCompactsOnOpen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "backup.db")

	db, err := filedb.Open(dbPath)
	require.NoError(t, err)
	file, err := db.Append(filedb.NewFile(filedb.RootID, "file", 0, 0))
	require.NoError(t, err)
	for size := uint64(1); size <= 3; size++ {
		file.Size = size
		file, err = db.Append(file)
		require.NoError(t, err)
	}
	require.Equal(t, 3, db.Unneeded())
	require.NoError(t, db.Close())

	opts := options{compactThreshold: 3}
	require.NoError(t, run(t.TempDir(), dbPath, opts, &bytes.Buffer{}, &bytes.Buffer{}))

	db, err = filedb.Open(dbPath)
	require.NoError(t, err)
	defer db.Close()
	assert.Equal(t, 0, db.Unneeded())
	entry, err := db.Get("file")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), entry.Size)
}

func TestAllowDeleteUsage(t *testing.T) {
	flag := New().Flags().Lookup("allow-delete")
	require.NotNil(t, flag)
	assert.Equal(t, "Allow replacing an object of a different type, whether it's on disk or only\n"+
		"recorded in the database.", flag.Usage)
}
