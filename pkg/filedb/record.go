package filedb

import (
	"fmt"
	"io"

	"github.com/sidkik/psync/pkg/codec"
	"github.com/sidkik/psync/pkg/errors"
)

// Record layout:
//
//	varint id | varint parent | bytes name | flags | (tag payload)* | 0
//
// Each metadata field is a one byte tag followed by its payload. Unknown tags
// make the record undecodable.
const (
	flagDir     = 1 << 0
	flagRemoved = 1 << 1
)

const (
	tagEnd     = 0
	tagSHA256  = 1
	tagSize    = 2
	tagMTime   = 3
	tagSymlink = 4
)

// ErrCorrupt is returned when a record can't be decoded, or doesn't fit into
// the tree being rebuilt.
var ErrCorrupt = errors.New("corrupt record")

func appendRecord(buf []byte, e Entry) []byte {
	buf = codec.AppendUvarint(buf, e.ID)
	buf = codec.AppendUvarint(buf, e.Parent)
	buf = codec.AppendBytes(buf, []byte(e.Name))

	var flags byte
	if e.Kind == KindDir {
		flags |= flagDir
	}
	if e.Removed {
		flags |= flagRemoved
	}
	buf = append(buf, flags)

	if e.SHA256 != nil {
		buf = append(buf, tagSHA256)
		buf = codec.AppendBytes(buf, e.SHA256)
	}
	if e.Kind == KindFile {
		buf = append(buf, tagSize)
		buf = codec.AppendUvarint(buf, e.Size)
	}
	if e.MTime != 0 {
		buf = append(buf, tagMTime)
		buf = codec.AppendUvarint(buf, uint64(e.MTime))
	}
	if e.Kind == KindSymlink && e.Symlink != "" {
		buf = append(buf, tagSymlink)
		buf = codec.AppendBytes(buf, []byte(e.Symlink))
	}
	return append(buf, tagEnd)
}

// readRecord decodes one record. It returns io.EOF only if the stream ended
// cleanly before the record started.
func readRecord(r codec.Reader) (Entry, error) {
	id, err := codec.ReadUvarint(r)
	if err != nil {
		return Entry{}, err
	}

	e, err := readRecordBody(r, id)
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return e, err
}

func readRecordBody(r codec.Reader, id uint64) (e Entry, err error) {
	e.ID = id
	if e.Parent, err = codec.ReadUvarint(r); err != nil {
		return Entry{}, err
	}

	name, err := codec.ReadBytes(r)
	if err != nil {
		return Entry{}, err
	}
	e.Name = string(name)

	flags, err := r.ReadByte()
	if err != nil {
		return Entry{}, err
	}
	if flags&^(flagDir|flagRemoved) != 0 {
		return Entry{}, fmt.Errorf("%w: unknown flags %#x", ErrCorrupt, flags)
	}
	e.Removed = flags&flagRemoved != 0

	var hasFileMeta, hasSymlink bool
	for {
		tag, err := r.ReadByte()
		if err != nil {
			return Entry{}, err
		}

		switch tag {
		case tagEnd:
			return finishRecord(e, flags&flagDir != 0, hasFileMeta, hasSymlink)
		case tagSHA256:
			if e.SHA256, err = codec.ReadBytes(r); err != nil {
				return Entry{}, err
			}
			hasFileMeta = true
		case tagSize:
			if e.Size, err = codec.ReadUvarint(r); err != nil {
				return Entry{}, err
			}
			hasFileMeta = true
		case tagMTime:
			mtime, err := codec.ReadUvarint(r)
			if err != nil {
				return Entry{}, err
			}
			e.MTime = int64(mtime)
		case tagSymlink:
			target, err := codec.ReadBytes(r)
			if err != nil {
				return Entry{}, err
			}
			e.Symlink = string(target)
			hasSymlink = true
		default:
			return Entry{}, fmt.Errorf("%w: unknown metadata tag %d", ErrCorrupt, tag)
		}
	}
}

func finishRecord(e Entry, isDir, hasFileMeta, hasSymlink bool) (Entry, error) {
	switch {
	case isDir && (hasFileMeta || hasSymlink):
		return Entry{}, fmt.Errorf("%w: directory %q has file metadata", ErrCorrupt, e.Name)
	case hasSymlink && hasFileMeta:
		return Entry{}, fmt.Errorf("%w: symlink %q has file metadata", ErrCorrupt, e.Name)
	case isDir:
		e.Kind = KindDir
	case hasSymlink:
		e.Kind = KindSymlink
	default:
		e.Kind = KindFile
	}
	return e, nil
}
