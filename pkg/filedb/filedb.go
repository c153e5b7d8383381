// Package filedb implements the backup tree database: an in-memory tree of
// files, directories and symlinks that is persisted as an append-only log of
// binary records.
//
// Every mutation goes through Append, which updates the tree and writes one
// record to the end of the log. Records that have been superseded by later
// ones are counted, and once enough have accumulated, the log is compacted by
// rewriting the live tree into a temporary file and renaming it over the
// original. The original log is never modified in place, so a crash during
// compaction leaves the previous log intact.
//
// A DB isn't safe for concurrent use.
package filedb

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/psync/pkg/errors"
)

// DefaultCompactThreshold is the number of superseded records that triggers a
// rewrite of the log.
const DefaultCompactThreshold = 1000

// Mocked out for unit testing.
var fs = afero.NewOsFs()

// ErrNotFound is returned when a path doesn't resolve to a live entry.
var ErrNotFound = errors.New("entry not found")

type node struct {
	Entry

	// children maps names to ids. It's only set for directories.
	children map[string]uint64
}

// DB is the backup tree database.
type DB struct {
	// CompactThreshold is the number of superseded records after which the
	// log is rewritten.
	CompactThreshold int

	path     string
	nodes    map[uint64]*node
	nextID   uint64
	unneeded int

	appendHandle afero.File
}

func newDB(path string) *DB {
	root := &node{
		Entry:    Entry{ID: RootID, Kind: KindDir},
		children: map[string]uint64{},
	}
	return &DB{
		CompactThreshold: DefaultCompactThreshold,
		path:             path,
		nodes:            map[uint64]*node{RootID: root},
		nextID:           RootID + 1,
	}
}

// NewSnapshot returns an empty database that isn't backed by a file. Appends
// only modify the in-memory tree.
func NewSnapshot() *DB {
	return newDB("")
}

// Option configures a DB before Open loads its log.
type Option func(*DB)

// WithCompactThreshold sets CompactThreshold. It also applies to the
// compaction check that follows loading.
func WithCompactThreshold(threshold int) Option {
	return func(db *DB) {
		db.CompactThreshold = threshold
	}
}

// Open loads the database stored at `path`. A missing file is an empty
// database. If the log contains a corrupt or truncated record, everything
// before it is kept, the problem is logged, and the log is rewritten so that
// future appends aren't hidden behind the bad record.
func Open(path string, opts ...Option) (*DB, error) {
	db := newDB(path)
	for _, opt := range opts {
		opt(db)
	}
	if err := db.load(); err != nil {
		return nil, err
	}
	return db, nil
}

func (db *DB) load() error {
	f, err := fs.Open(db.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.WithContext(err, "open log")
	}
	defer f.Close()

	n, err := db.replay(bufio.NewReader(f), -1)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"path":    db.path,
			"records": n,
		}).Warn("Backup database log is damaged. Keeping the records " +
			"before the damage, and rewriting the log.")
		return errors.WithContext(db.Rewrite(), "rewrite damaged log")
	}

	return db.maybeCompact()
}

// replay applies records from `r` until the stream ends, or until `limit`
// records have been applied if `limit` is non-negative. It returns the number
// of records applied.
func (db *DB) replay(r *bufio.Reader, limit int) (int, error) {
	var n int
	for limit < 0 || n < limit {
		e, err := readRecord(r)
		if err != nil {
			if err == io.EOF && limit < 0 {
				return n, nil
			}
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return n, err
		}

		if err := db.applyRecord(e); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (db *DB) applyRecord(e Entry) error {
	if e.ID == RootID {
		return fmt.Errorf("%w: record for the root entry", ErrCorrupt)
	}

	existing, ok := db.nodes[e.ID]
	if ok && existing.Parent != e.Parent {
		return fmt.Errorf("%w: entry %d moved from parent %d to %d",
			ErrCorrupt, e.ID, existing.Parent, e.Parent)
	}

	parent, ok := db.nodes[e.Parent]
	if !ok || !parent.IsDir() {
		return fmt.Errorf("%w: entry %d has no directory parent %d", ErrCorrupt, e.ID, e.Parent)
	}

	if e.Removed {
		if existing == nil {
			return nil
		}
		if len(existing.children) != 0 {
			return fmt.Errorf("%w: removed directory %d has children", ErrCorrupt, e.ID)
		}
		db.unlink(parent, existing.Entry)
		db.unneeded += 2
		return nil
	}

	if existing != nil {
		if !e.IsDir() && len(existing.children) != 0 {
			return fmt.Errorf("%w: non-empty directory %d replaced by a %s",
				ErrCorrupt, e.ID, e.Kind)
		}
		db.unneeded++
	}

	db.link(parent, existing, e)
	if e.ID >= db.nextID {
		db.nextID = e.ID + 1
	}
	return nil
}

// link attaches `e` to `parent`, replacing `existing` if it's set.
func (db *DB) link(parent, existing *node, e Entry) {
	n := existing
	if n == nil {
		n = &node{}
		db.nodes[e.ID] = n
	}

	if prevID, ok := parent.children[e.Name]; ok && prevID != e.ID {
		// Another entry owned the name. It's superseded by `e`.
		delete(db.nodes, prevID)
	}

	n.Entry = e
	switch {
	case !e.IsDir():
		n.children = nil
	case n.children == nil:
		n.children = map[string]uint64{}
	}
	parent.children[e.Name] = e.ID
}

func (db *DB) unlink(parent *node, e Entry) {
	if parent.children[e.Name] == e.ID {
		delete(parent.children, e.Name)
	}
	delete(db.nodes, e.ID)

	// Ids are only recycled when the most recently issued one is freed.
	if e.ID == db.nextID-1 {
		db.nextID--
	}
}

// Root returns the root directory entry.
func (db *DB) Root() Entry {
	return db.nodes[RootID].Entry
}

// Children returns the children of the directory `id`, sorted by name.
func (db *DB) Children(id uint64) []Entry {
	n, ok := db.nodes[id]
	if !ok {
		return nil
	}

	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)

	children := make([]Entry, 0, len(names))
	for _, name := range names {
		children = append(children, db.nodes[n.children[name]].Entry)
	}
	return children
}

// Child returns the live child of directory `parent` called `name`.
func (db *DB) Child(parent uint64, name string) (Entry, bool) {
	n, ok := db.nodes[parent]
	if !ok {
		return Entry{}, false
	}
	id, ok := n.children[name]
	if !ok {
		return Entry{}, false
	}
	return db.nodes[id].Entry, true
}

// Find resolves a slash-separated path relative to the root. The empty string
// resolves to the root.
func (db *DB) Find(path string) (Entry, bool) {
	n := db.nodes[RootID]
	for _, name := range strings.Split(path, "/") {
		if name == "" {
			continue
		}
		id, ok := n.children[name]
		if !ok {
			return Entry{}, false
		}
		n = db.nodes[id]
	}
	return n.Entry, true
}

// Get is like Find, but returns an error wrapping ErrNotFound if the path
// doesn't exist.
func (db *DB) Get(path string) (Entry, error) {
	e, ok := db.Find(path)
	if !ok {
		return Entry{}, fmt.Errorf("%w: %q", ErrNotFound, path)
	}
	return e, nil
}

// Path returns the slash-separated path of the live entry `id`.
func (db *DB) Path(id uint64) (string, bool) {
	var names []string
	for id != RootID {
		n, ok := db.nodes[id]
		if !ok {
			return "", false
		}
		names = append(names, n.Name)
		id = n.Parent
	}

	for i, j := 0, len(names)-1; i < j; i, j = i+1, j-1 {
		names[i], names[j] = names[j], names[i]
	}
	return strings.Join(names, "/"), true
}

// Count returns the number of live entries, including the root.
func (db *DB) Count() int {
	return len(db.nodes)
}

// Unneeded returns the number of records in the log that have been
// superseded since the last rewrite.
func (db *DB) Unneeded() int {
	return db.unneeded
}

// NextID returns the id that will be assigned to the next new entry.
func (db *DB) NextID() uint64 {
	return db.nextID
}

// Append applies `e` to the tree and records it in the log. It returns the
// entry as stored, with its id assigned.
//
// An entry with an ID of zero is new. If a live sibling with the same name
// already exists, the new entry takes over its id, so a name keeps its id
// when the object behind it is replaced. Appending an entry with Removed set
// unlinks it.
func (db *DB) Append(e Entry) (Entry, error) {
	if err := e.validate(); err != nil {
		return Entry{}, errors.ContractViolation{Reason: err.Error()}
	}

	parent, ok := db.nodes[e.Parent]
	if !ok {
		return Entry{}, errors.ContractViolation{
			Reason: fmt.Sprintf("parent %d of %q doesn't exist", e.Parent, e.Name)}
	}
	if !parent.IsDir() {
		return Entry{}, errors.ContractViolation{
			Reason: fmt.Sprintf("parent %d of %q isn't a directory", e.Parent, e.Name)}
	}

	var existing *node
	if e.ID == RootID {
		if e.Removed {
			return Entry{}, errors.ContractViolation{
				Reason: fmt.Sprintf("removing %q, which was never added", e.Name)}
		}

		if siblingID, ok := parent.children[e.Name]; ok {
			existing = db.nodes[siblingID]
			e.ID = siblingID
		}
	} else {
		existing, ok = db.nodes[e.ID]
		if !ok {
			return Entry{}, errors.ContractViolation{
				Reason: fmt.Sprintf("entry %d (%q) doesn't exist", e.ID, e.Name)}
		}
		if existing.Parent != e.Parent || existing.Name != e.Name {
			return Entry{}, errors.ContractViolation{
				Reason: fmt.Sprintf("entry %d can't be moved", e.ID)}
		}
	}

	if existing != nil && len(existing.children) != 0 && (e.Removed || !e.IsDir()) {
		return Entry{}, errors.ContractViolation{
			Reason: fmt.Sprintf("directory %q isn't empty", e.Name)}
	}

	switch {
	case e.Removed:
		db.unlink(parent, existing.Entry)
		db.unneeded += 2
	case existing != nil:
		db.link(parent, existing, e)
		db.unneeded++
	default:
		e.ID = db.nextID
		db.nextID++
		db.link(parent, nil, e)
	}

	if err := db.writeRecord(e); err != nil {
		return Entry{}, errors.WithContext(err, "write log")
	}
	return e, db.maybeCompact()
}

func (db *DB) writeRecord(e Entry) error {
	if db.path == "" {
		return nil
	}

	if db.appendHandle == nil {
		if _, err := fs.Stat(db.path); os.IsNotExist(err) {
			return db.Rewrite()
		}

		f, err := fs.OpenFile(db.path, os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return errors.WithContext(err, "open")
		}
		db.appendHandle = f
	}

	_, err := db.appendHandle.Write(appendRecord(nil, e))
	return err
}

func (db *DB) maybeCompact() error {
	if db.path == "" || db.CompactThreshold <= 0 || db.unneeded < db.CompactThreshold {
		return nil
	}

	log.WithFields(log.Fields{
		"path":       db.path,
		"superseded": db.unneeded,
	}).Debug("Compacting backup database log")
	return db.Rewrite()
}

// sortedIDs returns the ids of all live entries except the root, in
// ascending order. A child's id is always larger than its parent's, so
// parents come first.
func (db *DB) sortedIDs() []uint64 {
	ids := make([]uint64, 0, len(db.nodes))
	for id := range db.nodes {
		if id != RootID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// WriteSnapshot writes every live entry except the root to `w`.
func (db *DB) WriteSnapshot(w io.Writer) error {
	bw := bufio.NewWriter(w)
	var buf []byte
	for _, id := range db.sortedIDs() {
		buf = appendRecord(buf[:0], db.nodes[id].Entry)
		if _, err := bw.Write(buf); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ReadSnapshot builds an in-memory database from a stream written by
// WriteSnapshot. `count` is the number of live entries including the root, so
// `count-1` records are read.
func ReadSnapshot(r *bufio.Reader, count int) (*DB, error) {
	db := NewSnapshot()
	if count <= 1 {
		return db, nil
	}

	if _, err := db.replay(r, count-1); err != nil {
		return nil, errors.WithContext(err, "read snapshot")
	}
	db.unneeded = 0
	return db, nil
}

// Rewrite compacts the log so that it only contains the live entries.
func (db *DB) Rewrite() error {
	if db.path == "" {
		db.unneeded = 0
		return nil
	}

	if err := db.Close(); err != nil {
		return errors.WithContext(err, "close")
	}

	tmpPath := db.path + ".tmp"
	f, err := fs.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return errors.WithContext(err, "create")
	}

	if err := db.WriteSnapshot(f); err != nil {
		f.Close()
		return errors.WithContext(err, "write")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.WithContext(err, "sync")
	}
	if err := f.Close(); err != nil {
		return errors.WithContext(err, "close")
	}

	if err := fs.Rename(tmpPath, db.path); err != nil {
		return errors.WithContext(err, "rename")
	}
	db.unneeded = 0
	return nil
}

// Close closes the log handle. The database can still be used afterwards; the
// handle is reopened on the next append.
func (db *DB) Close() error {
	if db.appendHandle == nil {
		return nil
	}
	err := db.appendHandle.Close()
	db.appendHandle = nil
	return err
}
