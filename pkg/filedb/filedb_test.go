package filedb

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/psync/pkg/errors"
)

const dbPath = "/state/backup.db"

func openTestDB(t *testing.T) *DB {
	db, err := Open(dbPath)
	require.NoError(t, err)
	return db
}

func hashOf(s string) []byte {
	sum := sha256.Sum256([]byte(s))
	return sum[:]
}

// liveEntries returns every live entry except the root, keyed by path.
func liveEntries(t *testing.T, db *DB) map[string]Entry {
	entries := map[string]Entry{}
	var walk func(id uint64)
	walk = func(id uint64) {
		for _, child := range db.Children(id) {
			path, ok := db.Path(child.ID)
			require.True(t, ok)
			entries[path] = child
			if child.IsDir() {
				walk(child.ID)
			}
		}
	}
	walk(RootID)
	return entries
}

func TestOpenMissing(t *testing.T) {
	fs = afero.NewMemMapFs()

	db := openTestDB(t)
	assert.Equal(t, 1, db.Count())
	assert.Equal(t, uint64(1), db.NextID())
	assert.True(t, db.Root().IsDir())

	root, ok := db.Find("")
	assert.True(t, ok)
	assert.Equal(t, RootID, root.ID)
}

func TestAppendAndReload(t *testing.T) {
	fs = afero.NewMemMapFs()
	db := openTestDB(t)

	dir, err := db.Append(NewDir(RootID, "etc", 100))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), dir.ID)

	file := NewFile(dir.ID, "hosts", 12, 200)
	file, err = db.Append(file)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), file.ID)

	file.SHA256 = hashOf("127.0.0.1 lo")
	_, err = db.Append(file)
	require.NoError(t, err)

	link, err := db.Append(NewSymlink(dir.ID, "localtime", "/usr/share/zoneinfo/UTC", -5))
	require.NoError(t, err)

	require.NoError(t, db.Close())

	reloaded := openTestDB(t)
	assert.Equal(t, liveEntries(t, db), liveEntries(t, reloaded))
	assert.Equal(t, 4, reloaded.Count())
	assert.Equal(t, 1, reloaded.Unneeded())

	got, err := reloaded.Get("etc/hosts")
	require.NoError(t, err)
	assert.Equal(t, hashOf("127.0.0.1 lo"), got.SHA256)
	assert.Equal(t, uint64(12), got.Size)

	got, err = reloaded.Get("etc/localtime")
	require.NoError(t, err)
	assert.Equal(t, link, got)
	assert.Equal(t, int64(-5), got.MTime)

	_, err = reloaded.Get("etc/passwd")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSiblingReusesID(t *testing.T) {
	fs = afero.NewMemMapFs()
	db := openTestDB(t)

	file, err := db.Append(NewFile(RootID, "data", 1, 1))
	require.NoError(t, err)

	// Replacing the file with a directory of the same name keeps the id.
	dir, err := db.Append(NewDir(RootID, "data", 2))
	require.NoError(t, err)
	assert.Equal(t, file.ID, dir.ID)
	assert.True(t, dir.IsDir())
	assert.Equal(t, 1, db.Unneeded())

	_, err = db.Append(NewFile(dir.ID, "child", 3, 3))
	require.NoError(t, err)

	require.NoError(t, db.Close())
	reloaded := openTestDB(t)
	assert.Equal(t, liveEntries(t, db), liveEntries(t, reloaded))
}

func TestRemove(t *testing.T) {
	fs = afero.NewMemMapFs()
	db := openTestDB(t)

	dir, err := db.Append(NewDir(RootID, "dir", 0))
	require.NoError(t, err)
	file, err := db.Append(NewFile(dir.ID, "file", 5, 0))
	require.NoError(t, err)

	_, err = db.Append(dir.Tombstone())
	assert.True(t, errors.IsContractViolation(err))
	_, ok := db.Find("dir/file")
	assert.True(t, ok, "failed removal shouldn't modify the tree")

	_, err = db.Append(NewFile(dir.ID, "file", 0, 0).Tombstone())
	assert.True(t, errors.IsContractViolation(err), "removal needs an id")

	_, err = db.Append(file.Tombstone())
	require.NoError(t, err)
	_, err = db.Append(dir.Tombstone())
	require.NoError(t, err)
	assert.Equal(t, 1, db.Count())
	assert.Equal(t, 4, db.Unneeded())

	require.NoError(t, db.Close())
	reloaded := openTestDB(t)
	assert.Equal(t, 1, reloaded.Count())
	assert.Empty(t, liveEntries(t, reloaded))
}

func TestContractViolations(t *testing.T) {
	fs = afero.NewMemMapFs()
	db := openTestDB(t)

	dir, err := db.Append(NewDir(RootID, "dir", 0))
	require.NoError(t, err)
	file, err := db.Append(NewFile(dir.ID, "file", 0, 0))
	require.NoError(t, err)
	other, err := db.Append(NewDir(RootID, "other", 0))
	require.NoError(t, err)

	tests := []struct {
		name  string
		entry Entry
	}{
		{"MissingParent", NewFile(99, "x", 0, 0)},
		{"FileParent", NewFile(file.ID, "x", 0, 0)},
		{"EmptyName", NewFile(RootID, "", 0, 0)},
		{"SeparatorInName", NewFile(RootID, "a/b", 0, 0)},
		{"UnknownID", Entry{ID: 42, Parent: RootID, Name: "x", Kind: KindFile}},
		{"Move", Entry{ID: file.ID, Parent: other.ID, Name: "file", Kind: KindFile}},
		{"NonEmptyDirToFile", NewFile(RootID, "dir", 0, 0)},
		{"DirWithSize", Entry{Parent: RootID, Name: "x", Kind: KindDir, Size: 3}},
		{"SymlinkWithoutTarget", NewSymlink(RootID, "x", "", 0)},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			before := liveEntries(t, db)
			nextID := db.NextID()

			_, err := db.Append(test.entry)
			assert.True(t, errors.IsContractViolation(err), "got %v", err)
			assert.Equal(t, before, liveEntries(t, db))
			assert.Equal(t, nextID, db.NextID())
		})
	}
}

func TestCompaction(t *testing.T) {
	fs = afero.NewMemMapFs()
	db := openTestDB(t)
	db.CompactThreshold = 10

	dir, err := db.Append(NewDir(RootID, "dir", 0))
	require.NoError(t, err)
	file, err := db.Append(NewFile(dir.ID, "file", 0, 0))
	require.NoError(t, err)

	for i := 1; i < 10; i++ {
		file.Size = uint64(i)
		file, err = db.Append(file)
		require.NoError(t, err)
	}
	assert.Equal(t, 9, db.Unneeded())

	before, err := afero.ReadFile(fs, dbPath)
	require.NoError(t, err)

	file.Size = 10
	_, err = db.Append(file)
	require.NoError(t, err)
	assert.Equal(t, 0, db.Unneeded())

	after, err := afero.ReadFile(fs, dbPath)
	require.NoError(t, err)
	assert.True(t, len(after) < len(before))

	exists, err := afero.Exists(fs, dbPath+".tmp")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, db.Close())
	reloaded := openTestDB(t)
	assert.Equal(t, liveEntries(t, db), liveEntries(t, reloaded))
	assert.Equal(t, 0, reloaded.Unneeded())

	// Appends after a rewrite land in the new log.
	_, err = db.Append(NewFile(RootID, "new", 1, 1))
	require.NoError(t, err)
	require.NoError(t, db.Close())
	reloaded = openTestDB(t)
	assert.Equal(t, liveEntries(t, db), liveEntries(t, reloaded))
}

func TestOpenCompactThreshold(t *testing.T) {
	fs = afero.NewMemMapFs()

	var log []byte
	for size := uint64(0); size < 6; size++ {
		log = appendRecord(log, NewFile(RootID, "file", size, 0).withID(1))
	}
	require.NoError(t, afero.WriteFile(fs, dbPath, log, 0644))

	db, err := Open(dbPath)
	require.NoError(t, err)
	assert.Equal(t, 5, db.Unneeded())
	require.NoError(t, db.Close())

	db, err = Open(dbPath, WithCompactThreshold(5))
	require.NoError(t, err)
	assert.Equal(t, 5, db.CompactThreshold)
	assert.Equal(t, 0, db.Unneeded())
	require.NoError(t, db.Close())

	compacted, err := afero.ReadFile(fs, dbPath)
	require.NoError(t, err)
	assert.Equal(t, appendRecord(nil, NewFile(RootID, "file", 5, 0).withID(1)), compacted)
}

func TestRewriteIsEquivalent(t *testing.T) {
	fs = afero.NewMemMapFs()
	db := openTestDB(t)

	a, err := db.Append(NewDir(RootID, "a", 0))
	require.NoError(t, err)
	b, err := db.Append(NewDir(a.ID, "b", 0))
	require.NoError(t, err)
	c, err := db.Append(NewFile(b.ID, "c", 3, 4))
	require.NoError(t, err)
	_, err = db.Append(NewFile(RootID, "d", 1, 1))
	require.NoError(t, err)
	_, err = db.Append(c.Tombstone())
	require.NoError(t, err)
	_, err = db.Append(NewSymlink(b.ID, "e", "../d", 0))
	require.NoError(t, err)

	exp := liveEntries(t, db)
	require.NoError(t, db.Rewrite())
	require.NoError(t, db.Close())

	reloaded := openTestDB(t)
	assert.Equal(t, exp, liveEntries(t, reloaded))
	assert.Equal(t, db.NextID(), reloaded.NextID())
}

func TestTruncatedLog(t *testing.T) {
	fs = afero.NewMemMapFs()
	db := openTestDB(t)

	_, err := db.Append(NewFile(RootID, "kept", 1, 1))
	require.NoError(t, err)
	_, err = db.Append(NewFile(RootID, "lost", 2, 2))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	contents, err := afero.ReadFile(fs, dbPath)
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, dbPath, contents[:len(contents)-2], 0644))

	reloaded := openTestDB(t)
	_, ok := reloaded.Find("kept")
	assert.True(t, ok)
	_, ok = reloaded.Find("lost")
	assert.False(t, ok)

	// The damaged record was dropped from the log, so new records are
	// readable.
	_, err = reloaded.Append(NewFile(RootID, "after", 3, 3))
	require.NoError(t, err)
	require.NoError(t, reloaded.Close())

	again := openTestDB(t)
	assert.Equal(t, liveEntries(t, reloaded), liveEntries(t, again))
}

func TestCorruptRecord(t *testing.T) {
	fs = afero.NewMemMapFs()

	var log []byte
	log = appendRecord(log, NewDir(RootID, "dir", 0).withID(1))
	log = appendRecord(log, NewFile(1, "file", 0, 0).withID(2))
	// Unknown metadata tag.
	log = append(log, 3, 0, 1, 'x', 0, 9, 0)
	log = appendRecord(log, NewFile(RootID, "unreachable", 0, 0).withID(4))
	require.NoError(t, afero.WriteFile(fs, dbPath, log, 0644))

	db := openTestDB(t)
	assert.Equal(t, 3, db.Count())
	_, ok := db.Find("unreachable")
	assert.False(t, ok)
}

func TestMovedEntryIsCorrupt(t *testing.T) {
	fs = afero.NewMemMapFs()
	hook := logtest.NewGlobal()
	defer hook.Reset()

	var valid []byte
	valid = appendRecord(valid, NewDir(RootID, "d", 0).withID(1))
	valid = appendRecord(valid, NewFile(1, "f", 0, 0).withID(2))

	// Entry 2 reappears under the root, which a consistent log never does.
	damaged := appendRecord(append([]byte{}, valid...), NewFile(RootID, "f", 0, 0).withID(2))
	damaged = appendRecord(damaged, NewFile(RootID, "later", 0, 0).withID(3))
	require.NoError(t, afero.WriteFile(fs, dbPath, damaged, 0644))

	db := openTestDB(t)
	assert.Equal(t, 3, db.Count())
	_, ok := db.Find("d/f")
	assert.True(t, ok)
	_, ok = db.Find("f")
	assert.False(t, ok)
	_, ok = db.Find("later")
	assert.False(t, ok)

	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	assert.True(t, errors.Is(hook.LastEntry().Data[logrus.ErrorKey].(error), ErrCorrupt))

	// The log only holds the records before the damage.
	contents, err := afero.ReadFile(fs, dbPath)
	require.NoError(t, err)
	assert.Equal(t, valid, contents)
}

func TestTailIDRecycled(t *testing.T) {
	fs = afero.NewMemMapFs()
	db := openTestDB(t)

	keep, err := db.Append(NewFile(RootID, "keep", 0, 0))
	require.NoError(t, err)
	tail, err := db.Append(NewFile(RootID, "tail", 0, 0))
	require.NoError(t, err)

	_, err = db.Append(tail.Tombstone())
	require.NoError(t, err)
	assert.Equal(t, tail.ID, db.NextID())

	reused, err := db.Append(NewDir(RootID, "reused", 0))
	require.NoError(t, err)
	assert.Equal(t, tail.ID, reused.ID)

	// Freeing an id that isn't the most recent one doesn't recycle it.
	_, err = db.Append(keep.Tombstone())
	require.NoError(t, err)
	assert.Equal(t, reused.ID+1, db.NextID())

	require.NoError(t, db.Close())
	reloaded := openTestDB(t)
	assert.Equal(t, liveEntries(t, db), liveEntries(t, reloaded))
	assert.Equal(t, db.NextID(), reloaded.NextID())
}

func TestSnapshot(t *testing.T) {
	fs = afero.NewMemMapFs()
	db := openTestDB(t)

	dir, err := db.Append(NewDir(RootID, "dir", 0))
	require.NoError(t, err)
	_, err = db.Append(NewFile(dir.ID, "file", 7, 8))
	require.NoError(t, err)
	_, err = db.Append(NewSymlink(RootID, "link", "dir/file", 0))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, db.WriteSnapshot(&buf))

	snapshot, err := ReadSnapshot(bufio.NewReader(&buf), db.Count())
	require.NoError(t, err)
	assert.Equal(t, liveEntries(t, db), liveEntries(t, snapshot))

	// Snapshots aren't backed by a file.
	_, err = snapshot.Append(NewFile(RootID, "extra", 0, 0))
	require.NoError(t, err)
	exists, err := afero.Exists(fs, "extra")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = ReadSnapshot(bufio.NewReader(bytes.NewReader(nil)), 2)
	assert.Error(t, err)

	empty, err := ReadSnapshot(bufio.NewReader(bytes.NewReader(nil)), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, empty.Count())
}

func (e Entry) withID(id uint64) Entry {
	e.ID = id
	return e
}
