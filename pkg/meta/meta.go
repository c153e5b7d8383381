// Package meta reads and stores the metadata of backed up objects. The agent
// doesn't chown or chmod what it writes; the source metadata is stored in
// extended attributes instead, so restoring doesn't require root on the
// backup host.
package meta

import (
	"os"

	"github.com/sidkik/psync/pkg/proto"
)

const (
	// StatAttr holds the JSON encoded proto.Stat of the source object.
	StatAttr = "user.psy.stat"

	// XattrPrefix namespaces the source object's own extended attributes.
	XattrPrefix = "user.psy.x."
)

// File type bits of st_mode.
const (
	modeTypeMask = 0170000
	modeSymlink  = 0120000
	modeRegular  = 0100000
	modeDir      = 0040000
	modeSetuid   = 0004000
	modeSetgid   = 0002000
	modeSticky   = 0001000
)

// FromFileInfo converts `info` into the stat payload sent to the agent. When
// `info` came from the OS, the raw stat values are used. Otherwise they're
// derived from the portable fields, and ownership is left as zero.
func FromFileInfo(info os.FileInfo) proto.Stat {
	if stat, ok := sysStat(info); ok {
		return stat
	}

	return proto.Stat{
		Mode:  unixMode(info.Mode()),
		Atime: info.ModTime().UnixNano(),
		Mtime: info.ModTime().UnixNano(),
	}
}

func unixMode(mode os.FileMode) uint32 {
	m := uint32(mode.Perm())
	switch {
	case mode&os.ModeSymlink != 0:
		m |= modeSymlink
	case mode.IsDir():
		m |= modeDir
	case mode.IsRegular():
		m |= modeRegular
	}

	if mode&os.ModeSetuid != 0 {
		m |= modeSetuid
	}
	if mode&os.ModeSetgid != 0 {
		m |= modeSetgid
	}
	if mode&os.ModeSticky != 0 {
		m |= modeSticky
	}
	return m
}

// IsDir returns whether the stat payload describes a directory.
func IsDir(stat proto.Stat) bool {
	return stat.Mode&modeTypeMask == modeDir
}
