package filedb

import (
	"bytes"
	"fmt"
	"strings"
)

// RootID is the id of the root directory. The root is never serialized, so an
// Entry passed to Append with an ID of RootID is a new entry that hasn't been
// assigned an id yet.
const RootID uint64 = 0

// Kind is the type of filesystem object an Entry represents.
type Kind uint8

const (
	// KindFile is a regular file. It has a size, and a SHA-256 once the
	// contents have been hashed.
	KindFile Kind = iota
	// KindDir is a directory.
	KindDir
	// KindSymlink is a symbolic link. Its target is stored in Symlink.
	KindSymlink
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDir:
		return "dir"
	case KindSymlink:
		return "symlink"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Entry is one path component in the backup tree.
type Entry struct {
	ID     uint64
	Parent uint64
	Name   string
	Kind   Kind

	// Removed marks the entry as a tombstone. Appending a removed entry
	// unlinks it from the tree.
	Removed bool

	Size  uint64
	MTime int64 // Nanoseconds since the epoch.

	// SHA256 is nil until the file contents have been hashed.
	SHA256 []byte

	// Symlink is the link target.
	Symlink string
}

// NewFile returns a new regular file entry under `parent`.
func NewFile(parent uint64, name string, size uint64, mtime int64) Entry {
	return Entry{Parent: parent, Name: name, Kind: KindFile, Size: size, MTime: mtime}
}

// NewDir returns a new directory entry under `parent`.
func NewDir(parent uint64, name string, mtime int64) Entry {
	return Entry{Parent: parent, Name: name, Kind: KindDir, MTime: mtime}
}

// NewSymlink returns a new symlink entry under `parent`.
func NewSymlink(parent uint64, name, target string, mtime int64) Entry {
	return Entry{Parent: parent, Name: name, Kind: KindSymlink, Symlink: target, MTime: mtime}
}

// IsDir returns whether the entry is a directory.
func (e Entry) IsDir() bool {
	return e.Kind == KindDir
}

// Tombstone returns a copy of the entry with its metadata cleared and the
// removed flag set.
func (e Entry) Tombstone() Entry {
	return Entry{
		ID:      e.ID,
		Parent:  e.Parent,
		Name:    e.Name,
		Kind:    e.Kind,
		Removed: true,
	}
}

// Equal returns whether two entries describe the same object with the same
// metadata.
func (e Entry) Equal(other Entry) bool {
	return e.ID == other.ID &&
		e.Parent == other.Parent &&
		e.Name == other.Name &&
		e.Kind == other.Kind &&
		e.Removed == other.Removed &&
		e.Size == other.Size &&
		e.MTime == other.MTime &&
		bytes.Equal(e.SHA256, other.SHA256) &&
		e.Symlink == other.Symlink
}

// validate checks that exactly one content-kind field group is populated.
func (e Entry) validate() error {
	if e.Name == "" {
		return fmt.Errorf("entry %d has an empty name", e.ID)
	}
	if strings.ContainsRune(e.Name, '/') {
		return fmt.Errorf("entry name %q contains a separator", e.Name)
	}

	switch e.Kind {
	case KindFile:
		if e.Symlink != "" {
			return fmt.Errorf("file %q has a symlink target", e.Name)
		}
	case KindDir:
		if e.Symlink != "" || e.SHA256 != nil || e.Size != 0 {
			return fmt.Errorf("directory %q has file or symlink metadata", e.Name)
		}
	case KindSymlink:
		if e.SHA256 != nil || e.Size != 0 {
			return fmt.Errorf("symlink %q has file metadata", e.Name)
		}
		if e.Symlink == "" && !e.Removed {
			return fmt.Errorf("symlink %q has no target", e.Name)
		}
	default:
		return fmt.Errorf("entry %q has unknown kind %d", e.Name, e.Kind)
	}
	return nil
}
