// Package proto defines the commands the backup client sends to the agent.
//
// Each command is a single line of JSON, followed by a binary body. The body
// holds the command's extended attributes, encoded as JSON and `xattr_size`
// bytes long, and for uploads, exactly `size` bytes of file contents. The
// agent never acknowledges commands, so the stream must be consumed exactly
// as framed for it to stay in sync.
package proto

import (
	"bufio"
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"

	"github.com/sidkik/psync/pkg/codec"
	"github.com/sidkik/psync/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrUnknownOp is returned when a command's operation isn't recognized. The
// size of its body can't be known, so the stream can't be resynchronized.
var ErrUnknownOp = errors.New("unknown operation")

// Op names a command.
type Op string

const (
	OpMkdir   Op = "mkdir"
	OpUpload  Op = "upload"
	OpSymlink Op = "symlink"
	OpDelete  Op = "delete"
	OpGetDB   Op = "getdb"
)

// Stat is the metadata of the source object, as returned by lstat. Times are
// nanoseconds since the epoch.
type Stat struct {
	Mode  uint32 `json:"mode"`
	UID   uint32 `json:"uid"`
	GID   uint32 `json:"gid"`
	Atime int64  `json:"atime"`
	Mtime int64  `json:"mtime"`
}

// Xattr is an extended attribute of the source object.
type Xattr struct {
	Name  string `json:"name"`
	Value []byte `json:"value"`
}

// Command is one of Mkdir, Upload, Symlink, Delete or GetDB.
type Command interface {
	Op() Op
	header() header
}

// Mkdir creates a directory.
type Mkdir struct {
	Path   string
	Stat   Stat
	Xattrs []Xattr
}

// Upload creates or replaces a regular file. The command is followed by Size
// bytes of contents.
type Upload struct {
	Path   string
	Stat   Stat
	Xattrs []Xattr
	Size   uint64
}

// Symlink creates a symlink at Path pointing to To.
type Symlink struct {
	Path   string
	Stat   Stat
	Xattrs []Xattr
	To     string
}

// Delete removes the object at Path.
type Delete struct {
	Path string
}

// GetDB requests the agent's database. The agent responds with a CountHeader
// followed by the database snapshot.
type GetDB struct{}

func (Mkdir) Op() Op   { return OpMkdir }
func (Upload) Op() Op  { return OpUpload }
func (Symlink) Op() Op { return OpSymlink }
func (Delete) Op() Op  { return OpDelete }
func (GetDB) Op() Op   { return OpGetDB }

// header is the JSON line that starts every command.
type header struct {
	Op        Op     `json:"op"`
	Path      string `json:"path,omitempty"`
	Stat      *Stat  `json:"stat,omitempty"`
	Size      uint64 `json:"size,omitempty"`
	XattrSize int    `json:"xattr_size,omitempty"`
	To        string `json:"to,omitempty"`

	xattrs []Xattr
}

func (c Mkdir) header() header {
	return header{Op: OpMkdir, Path: c.Path, Stat: &c.Stat, xattrs: c.Xattrs}
}

func (c Upload) header() header {
	return header{Op: OpUpload, Path: c.Path, Stat: &c.Stat, Size: c.Size, xattrs: c.Xattrs}
}

func (c Symlink) header() header {
	return header{Op: OpSymlink, Path: c.Path, Stat: &c.Stat, To: c.To, xattrs: c.Xattrs}
}

func (c Delete) header() header {
	return header{Op: OpDelete, Path: c.Path}
}

func (GetDB) header() header {
	return header{Op: OpGetDB}
}

// WriteCommand writes the command's header line and extended attributes.
// Upload contents must be written by the caller afterwards.
func WriteCommand(w io.Writer, cmd Command) error {
	h := cmd.header()

	var blob []byte
	if len(h.xattrs) != 0 {
		var err error
		blob, err = json.Marshal(h.xattrs)
		if err != nil {
			return errors.WithContext(err, "marshal xattrs")
		}
		h.XattrSize = len(blob)
	}

	line, err := json.Marshal(h)
	if err != nil {
		return errors.WithContext(err, "marshal header")
	}

	buf := make([]byte, 0, len(line)+1+len(blob))
	buf = append(buf, line...)
	buf = append(buf, '\n')
	buf = append(buf, blob...)
	_, err = w.Write(buf)
	return err
}

// ReadCommand reads the next command's header line and extended attributes.
// For uploads, the contents follow in `r`. It returns io.EOF if the stream
// ended cleanly between commands.
func ReadCommand(r *bufio.Reader) (Command, error) {
	line, err := readLine(r)
	if err != nil {
		return nil, err
	}

	var h header
	if err := json.Unmarshal(line, &h); err != nil {
		return nil, errors.WithContext(err, "decode header")
	}

	var xattrs []Xattr
	if h.XattrSize < 0 || h.XattrSize > codec.MaxBytesLen {
		return nil, fmt.Errorf("bad xattr size %d", h.XattrSize)
	}
	if h.XattrSize > 0 {
		blob := make([]byte, h.XattrSize)
		if _, err := io.ReadFull(r, blob); err != nil {
			return nil, unexpectedEOF(err)
		}
		if err := json.Unmarshal(blob, &xattrs); err != nil {
			return nil, errors.WithContext(err, "decode xattrs")
		}
	}

	var stat Stat
	if h.Stat != nil {
		stat = *h.Stat
	}

	if h.Op != OpGetDB && h.Path == "" {
		return nil, fmt.Errorf("%s command has no path", h.Op)
	}

	switch h.Op {
	case OpMkdir:
		return Mkdir{Path: h.Path, Stat: stat, Xattrs: xattrs}, nil
	case OpUpload:
		return Upload{Path: h.Path, Stat: stat, Xattrs: xattrs, Size: h.Size}, nil
	case OpSymlink:
		if h.To == "" {
			return nil, fmt.Errorf("symlink %q has no target", h.Path)
		}
		return Symlink{Path: h.Path, Stat: stat, Xattrs: xattrs, To: h.To}, nil
	case OpDelete:
		return Delete{Path: h.Path}, nil
	case OpGetDB:
		return GetDB{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOp, h.Op)
	}
}

// CountHeader starts the response to GetDB. Count is the number of entries
// in the database including the root, which isn't sent, so Count-1 records
// follow.
type CountHeader struct {
	Count int `json:"count"`
}

// WriteCount writes the GetDB response header.
func WriteCount(w io.Writer, count int) error {
	line, err := json.Marshal(CountHeader{Count: count})
	if err != nil {
		return err
	}
	_, err = w.Write(append(line, '\n'))
	return err
}

// ReadCount reads the GetDB response header.
func ReadCount(r *bufio.Reader) (int, error) {
	line, err := readLine(r)
	if err != nil {
		return 0, unexpectedEOF(err)
	}

	var h CountHeader
	if err := json.Unmarshal(line, &h); err != nil {
		return 0, errors.WithContext(err, "decode count")
	}
	if h.Count < 1 {
		return 0, fmt.Errorf("bad entry count %d", h.Count)
	}
	return h.Count, nil
}

// readLine returns the next line without its newline. It returns io.EOF only
// if the stream ended before the line started.
func readLine(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadBytes('\n')
	switch {
	case err == io.EOF && len(line) == 0:
		return nil, io.EOF
	case err == io.EOF:
		return nil, io.ErrUnexpectedEOF
	case err != nil:
		return nil, err
	}
	return line[:len(line)-1], nil
}

func unexpectedEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
