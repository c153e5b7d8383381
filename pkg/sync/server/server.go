package server

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/psync/pkg/codec"
	"github.com/sidkik/psync/pkg/errors"
	"github.com/sidkik/psync/pkg/filedb"
	"github.com/sidkik/psync/pkg/meta"
	"github.com/sidkik/psync/pkg/proto"
)

// Variables mocked for unit testing.
var (
	fs        = afero.NewOsFs()
	applyMeta = meta.Apply
)

// Server applies the commands sent by a backup client to the backup root and
// to the agent's database.
//
// Failures that only affect a single path, such as a permission error, are
// logged and the command is skipped. Failures that leave the stream or the
// database in an unknown state end the session.
type Server struct {
	in  *bufio.Reader
	out *bufio.Writer

	root        string
	rootFs      *afero.BasePathFs
	db          *filedb.DB
	allowDelete bool
}

// itemError is a failure that only affects the path being processed.
type itemError struct {
	path string
	err  error
}

func (err itemError) Error() string {
	return fmt.Sprintf("%s: %s", err.path, err.err)
}

func (err itemError) Unwrap() error {
	return err.err
}

// New returns a Server that reads commands from `in` and writes responses to
// `out`. Objects are created below `root`, and recorded in `db`. If
// `allowDelete` is set, existing objects of a different type are replaced
// rather than skipped.
func New(in io.Reader, out io.Writer, root string, db *filedb.DB, allowDelete bool) *Server {
	return &Server{
		in:          bufio.NewReader(in),
		out:         bufio.NewWriter(out),
		root:        root,
		rootFs:      afero.NewBasePathFs(fs, root).(*afero.BasePathFs),
		db:          db,
		allowDelete: allowDelete,
	}
}

// Serve handles commands until the client closes the stream.
func (s *Server) Serve() error {
	for {
		cmd, err := proto.ReadCommand(s.in)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.WithContext(err, "read command")
		}

		if err := s.handle(cmd); err != nil {
			var ie itemError
			if !errors.As(err, &ie) {
				return errors.WithContext(err, string(cmd.Op()))
			}

			log.WithError(ie.err).WithFields(log.Fields{
				"op":   cmd.Op(),
				"path": ie.path,
			}).Warn("Skipping backup command")
		}
	}
}

func (s *Server) handle(cmd proto.Command) error {
	switch cmd := cmd.(type) {
	case proto.Mkdir:
		return s.mkdir(cmd)
	case proto.Upload:
		return s.upload(cmd)
	case proto.Symlink:
		return s.symlink(cmd)
	case proto.Delete:
		return s.delete(cmd)
	case proto.GetDB:
		return s.getDB()
	default:
		return fmt.Errorf("%w: %T", proto.ErrUnknownOp, cmd)
	}
}

// target is a path named by a command, resolved against the backup root and
// the database.
type target struct {
	rel    string
	name   string
	real   string
	parent filedb.Entry
}

func (s *Server) resolve(p string) (target, error) {
	for _, name := range strings.Split(p, "/") {
		if name == ".." {
			return target{}, itemError{p, errors.New("path escapes the backup root")}
		}
	}

	rel := strings.TrimPrefix(path.Clean("/"+p), "/")
	if rel == "" {
		return target{}, itemError{p, errors.New("can't modify the backup root")}
	}

	real, err := s.rootFs.RealPath(filepath.FromSlash(rel))
	if err != nil {
		return target{}, itemError{p, err}
	}

	parentPath := path.Dir(rel)
	if parentPath == "." {
		parentPath = ""
	}
	parent, ok := s.db.Find(parentPath)
	if !ok {
		return target{}, itemError{p, errors.New("parent directory was never created")}
	}
	if !parent.IsDir() {
		return target{}, itemError{p, errors.New("parent is not a directory")}
	}

	return target{rel: rel, name: path.Base(rel), real: real, parent: parent}, nil
}

// clear makes room for a new object at `t`. Objects for which `keep` returns
// true are left in place. Other objects are only removed if deletes are
// allowed.
func (s *Server) clear(t target, keep func(os.FileInfo) bool) error {
	info, _, err := s.rootFs.LstatIfPossible(t.rel)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return itemError{t.rel, errors.WithContext(err, "lstat")}
	}

	if keep(info) {
		return nil
	}
	if !s.allowDelete {
		return itemError{t.rel, fmt.Errorf("a %s is in the way, and deletes aren't allowed",
			describe(info))}
	}

	log.WithField("path", t.rel).Debugf("Replacing %s", describe(info))
	if err := s.rootFs.Remove(t.rel); err != nil {
		return itemError{t.rel, errors.WithContext(err, "remove")}
	}
	return nil
}

func (s *Server) applyMeta(t target, stat proto.Stat, xattrs []proto.Xattr) {
	if err := applyMeta(t.real, stat, xattrs); err != nil {
		log.WithError(err).WithField("path", t.rel).Warn("Failed to store metadata")
	}
}

func (s *Server) mkdir(cmd proto.Mkdir) error {
	t, err := s.resolve(cmd.Path)
	if err != nil {
		return err
	}

	// The database may record an object that's no longer on disk, so the
	// filesystem check alone doesn't catch every replacement.
	if existing, ok := s.db.Child(t.parent.ID, t.name); ok && !existing.IsDir() && !s.allowDelete {
		return itemError{t.rel, errors.New(
			"the database records a %s here, and deletes aren't allowed", existing.Kind)}
	}

	isDir := func(info os.FileInfo) bool { return info.IsDir() }
	if err := s.clear(t, isDir); err != nil {
		return err
	}

	if err := s.rootFs.Mkdir(t.rel, 0755); err != nil && !os.IsExist(err) {
		return itemError{t.rel, errors.WithContext(err, "mkdir")}
	}
	s.applyMeta(t, cmd.Stat, cmd.Xattrs)

	_, err = s.db.Append(filedb.NewDir(t.parent.ID, t.name, cmd.Stat.Mtime))
	return err
}

func (s *Server) upload(cmd proto.Upload) error {
	t, err := s.resolve(cmd.Path)
	if err == nil {
		isFile := func(info os.FileInfo) bool { return info.Mode().IsRegular() }
		err = s.clear(t, isFile)
	}
	if err != nil {
		return s.skipContents(cmd, err)
	}

	f, err := s.rootFs.OpenFile(t.rel, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return s.skipContents(cmd, itemError{t.rel, errors.WithContext(err, "open")})
	}

	copyErr := codec.CopyExactly(f, s.in, int64(cmd.Size))
	closeErr := f.Close()

	var writeErr codec.WriteError
	switch {
	case errors.As(copyErr, &writeErr):
		return itemError{t.rel, copyErr}
	case copyErr != nil:
		return errors.WithContext(copyErr, "read contents")
	case closeErr != nil:
		return itemError{t.rel, errors.WithContext(closeErr, "close")}
	}
	s.applyMeta(t, cmd.Stat, cmd.Xattrs)

	// Record the file before hashing it, so that a crash while hashing
	// leaves an entry that the next backup will re-check.
	e, err := s.db.Append(filedb.NewFile(t.parent.ID, t.name, cmd.Size, cmd.Stat.Mtime))
	if err != nil {
		return err
	}

	hash, err := codec.HashFile(s.rootFs, t.rel)
	if err != nil {
		return itemError{t.rel, errors.WithContext(err, "hash")}
	}
	e.SHA256 = hash
	_, err = s.db.Append(e)
	return err
}

// skipContents consumes the contents of an upload that won't be written, so
// that the next command can be read.
func (s *Server) skipContents(cmd proto.Upload, err error) error {
	if drainErr := codec.Drain(s.in, int64(cmd.Size)); drainErr != nil {
		return errors.WithContext(drainErr, "skip contents")
	}
	return err
}

func (s *Server) symlink(cmd proto.Symlink) error {
	t, err := s.resolve(cmd.Path)
	if err != nil {
		return err
	}

	linker, ok := fs.(afero.Linker)
	if !ok {
		return itemError{t.rel, errors.New("symlinks aren't supported by the backup filesystem")}
	}

	never := func(os.FileInfo) bool { return false }
	if err := s.clear(t, never); err != nil {
		return err
	}

	// Absolute targets point into the backed up tree, so they're kept
	// inside the backup root.
	to := cmd.To
	if path.IsAbs(to) {
		to = filepath.Join(s.root, filepath.FromSlash(to))
	}

	if err := linker.SymlinkIfPossible(to, t.real); err != nil {
		return itemError{t.rel, errors.WithContext(err, "symlink")}
	}

	_, err = s.db.Append(filedb.NewSymlink(t.parent.ID, t.name, cmd.To, cmd.Stat.Mtime))
	return err
}

func (s *Server) delete(cmd proto.Delete) error {
	t, err := s.resolve(cmd.Path)
	if err != nil {
		return err
	}

	if err := s.rootFs.Remove(t.rel); err != nil && !os.IsNotExist(err) {
		return itemError{t.rel, errors.WithContext(err, "remove")}
	}

	e, ok := s.db.Child(t.parent.ID, t.name)
	if !ok {
		log.WithField("path", t.rel).Debug("Deleted path wasn't in the database")
		return nil
	}
	_, err = s.db.Append(e.Tombstone())
	return err
}

func (s *Server) getDB() error {
	if err := proto.WriteCount(s.out, s.db.Count()); err != nil {
		return errors.WithContext(err, "write count")
	}
	if err := s.db.WriteSnapshot(s.out); err != nil {
		return errors.WithContext(err, "write snapshot")
	}
	return s.out.Flush()
}

func describe(info os.FileInfo) string {
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		return "symlink"
	case info.IsDir():
		return "directory"
	default:
		return "file"
	}
}
