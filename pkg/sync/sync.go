package sync

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	units "github.com/docker/go-units"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/psync/pkg/codec"
	"github.com/sidkik/psync/pkg/errors"
	"github.com/sidkik/psync/pkg/filedb"
	"github.com/sidkik/psync/pkg/finder"
	"github.com/sidkik/psync/pkg/meta"
	"github.com/sidkik/psync/pkg/proto"
	"github.com/sidkik/psync/pkg/sync/client"
)

// Variables mocked for unit testing.
var (
	fs         = afero.NewOsFs()
	listXattrs = meta.ListXattrs
)

// Syncer backs up the files selected by Finder below Root.
type Syncer struct {
	Root   string
	Client client.Client
	Finder *finder.Finder

	// DryRun prints the actions that would be taken without sending them.
	DryRun bool

	// FastCompare treats files whose size and modification time match the
	// agent's database as unchanged, without hashing them.
	FastCompare bool

	// Out receives one line per action, and the final summary.
	Out io.Writer
}

// Stats summarizes a backup run.
type Stats struct {
	Uploaded      int
	UploadedBytes uint64
	Created       int
	Symlinked     int
	Deleted       int
	Unchanged     int

	// Skipped counts the paths that couldn't be backed up because of local
	// errors.
	Skipped int
}

type run struct {
	Syncer

	remote  *filedb.DB
	visited map[uint64]bool

	// present holds the remote directories known to exist during this run.
	present map[string]bool

	stats Stats
}

// Run performs a single backup. Paths that fail because of local errors are
// logged and counted in Stats.Skipped. Errors communicating with the agent
// abort the run.
func (s Syncer) Run() (Stats, error) {
	remote, err := s.Client.GetDB()
	if err != nil {
		return Stats{}, errors.WithContext(err, "get remote database")
	}

	r := &run{
		Syncer:  s,
		remote:  remote,
		visited: map[uint64]bool{filedb.RootID: true},
		present: map[string]bool{"": true},
	}

	if err := s.Finder.Walk(s.Root, r.visitFile, r.visitDir); err != nil {
		return r.stats, errors.WithContext(err, "walk")
	}

	if err := r.deleteUnvisited(filedb.RootID); err != nil {
		return r.stats, errors.WithContext(err, "delete")
	}

	fmt.Fprintf(s.Out, "Uploaded %s in %d files\n",
		units.HumanSize(float64(r.stats.UploadedBytes)), r.stats.Uploaded)
	return r.stats, nil
}

func (r *run) abs(rel string) string {
	return filepath.Join(r.Root, filepath.FromSlash(rel))
}

func (r *run) printAction(action, rel string) {
	prefix := ""
	if r.DryRun {
		prefix = "[dry-run] "
	}
	fmt.Fprintf(r.Out, "%s%s %s\n", prefix, action, rel)
}

// skip records a local failure that only affects `rel`.
func (r *run) skip(rel string, err error) {
	log.WithError(err).WithField("path", rel).Warn("Skipping path")
	r.stats.Skipped++
}

// lookup returns the remote entry at `rel`, and marks it as still present
// locally.
func (r *run) lookup(rel string) (filedb.Entry, bool) {
	e, ok := r.remote.Find(rel)
	if ok {
		r.visited[e.ID] = true
	}
	return e, ok
}

func (r *run) visitDir(rel string, info os.FileInfo) error {
	if remote, ok := r.lookup(rel); ok {
		if remote.IsDir() {
			r.present[rel] = true
			r.stats.Unchanged++
			return nil
		}
		if err := r.deleteTree(remote, rel); err != nil {
			return err
		}
	}

	ok, err := r.ensureParents(rel)
	if err != nil || !ok {
		return err
	}
	return r.mkdir(rel, info)
}

func (r *run) mkdir(rel string, info os.FileInfo) error {
	r.printAction("Creating dir", rel)
	r.present[rel] = true
	r.stats.Created++
	if r.DryRun {
		return nil
	}

	cmd := proto.Mkdir{
		Path:   rel,
		Stat:   meta.FromFileInfo(info),
		Xattrs: r.xattrs(rel),
	}
	return r.Client.Mkdir(cmd)
}

// ensureParents makes sure that every ancestor of `rel` exists remotely. It
// returns false if one couldn't be created because of a local error.
func (r *run) ensureParents(rel string) (bool, error) {
	parent := path.Dir(rel)
	if parent == "." {
		parent = ""
	}
	if r.present[parent] {
		return true, nil
	}

	if ok, err := r.ensureParents(parent); err != nil || !ok {
		return ok, err
	}

	if remote, ok := r.lookup(parent); ok {
		if remote.IsDir() {
			r.present[parent] = true
			return true, nil
		}
		if err := r.deleteTree(remote, parent); err != nil {
			return false, err
		}
	}

	info, err := lstat(r.abs(parent))
	if err != nil {
		r.skip(rel, errors.WithContext(err, "stat parent"))
		return false, nil
	}
	if !info.IsDir() {
		r.skip(rel, errors.New("parent %s is no longer a directory", parent))
		return false, nil
	}
	return true, r.mkdir(parent, info)
}

func (r *run) visitFile(rel string, info os.FileInfo) error {
	isSymlink := info.Mode()&os.ModeSymlink != 0
	if !isSymlink && !info.Mode().IsRegular() {
		log.WithField("path", rel).Debugf("Ignoring %s", info.Mode().Type())
		return nil
	}

	var target string
	if isSymlink {
		var err error
		if target, err = readlink(r.abs(rel)); err != nil {
			r.skip(rel, errors.WithContext(err, "readlink"))
			return nil
		}
	}

	if remote, ok := r.lookup(rel); ok {
		switch {
		case isSymlink && remote.Kind == filedb.KindSymlink:
			if remote.Symlink == target {
				r.stats.Unchanged++
				return nil
			}
		case !isSymlink && remote.Kind == filedb.KindFile:
			unchanged, err := r.unchanged(rel, info, remote)
			if err != nil {
				r.skip(rel, err)
				return nil
			}
			if unchanged {
				r.stats.Unchanged++
				return nil
			}
		default:
			if err := r.deleteTree(remote, rel); err != nil {
				return err
			}
		}
	}

	ok, err := r.ensureParents(rel)
	if err != nil || !ok {
		return err
	}

	if isSymlink {
		return r.symlink(rel, info, target)
	}
	return r.upload(rel, info)
}

// unchanged returns whether the local file matches the remote entry.
func (r *run) unchanged(rel string, info os.FileInfo, remote filedb.Entry) (bool, error) {
	stat := meta.FromFileInfo(info)
	if r.FastCompare && remote.Size == uint64(info.Size()) && remote.MTime == stat.Mtime {
		return true, nil
	}

	// The agent records the hash after the contents. An entry without one
	// was interrupted, so it's treated as different.
	if remote.SHA256 == nil || remote.Size != uint64(info.Size()) {
		return false, nil
	}

	hash, err := codec.HashFile(fs, r.abs(rel))
	if err != nil {
		return false, errors.WithContext(err, "hash")
	}
	return bytes.Equal(hash, remote.SHA256), nil
}

func (r *run) upload(rel string, info os.FileInfo) error {
	r.printAction("Uploading", rel)
	if r.DryRun {
		r.stats.Uploaded++
		r.stats.UploadedBytes += uint64(info.Size())
		return nil
	}

	f, err := fs.Open(r.abs(rel))
	if err != nil {
		r.skip(rel, errors.WithContext(err, "open"))
		return nil
	}
	defer f.Close()

	cmd := proto.Upload{
		Path:   rel,
		Stat:   meta.FromFileInfo(info),
		Xattrs: r.xattrs(rel),
		Size:   uint64(info.Size()),
	}
	if err := r.Client.Upload(cmd, f); err != nil {
		if errors.Is(err, errors.ErrFileChanged) {
			r.skip(rel, err)
			return nil
		}
		return errors.WithContext(err, fmt.Sprintf("upload %s", rel))
	}

	r.stats.Uploaded++
	r.stats.UploadedBytes += cmd.Size
	return nil
}

func (r *run) symlink(rel string, info os.FileInfo, target string) error {
	r.printAction("Symlinking", rel)
	r.stats.Symlinked++
	if r.DryRun {
		return nil
	}

	cmd := proto.Symlink{
		Path:   rel,
		Stat:   meta.FromFileInfo(info),
		Xattrs: r.xattrs(rel),
		To:     target,
	}
	return r.Client.Symlink(cmd)
}

func (r *run) xattrs(rel string) []proto.Xattr {
	xattrs, err := listXattrs(r.abs(rel))
	if err != nil {
		log.WithError(err).WithField("path", rel).Warn("Failed to read extended attributes")
	}
	return xattrs
}

// deleteUnvisited deletes every remote entry below `id` that wasn't seen
// during the walk.
func (r *run) deleteUnvisited(id uint64) error {
	for _, child := range r.remote.Children(id) {
		childPath, _ := r.remote.Path(child.ID)
		if !r.visited[child.ID] {
			if err := r.deleteTree(child, childPath); err != nil {
				return err
			}
			continue
		}

		if child.IsDir() {
			if err := r.deleteUnvisited(child.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// deleteTree deletes `e` and everything below it, children first.
func (r *run) deleteTree(e filedb.Entry, rel string) error {
	for _, child := range r.remote.Children(e.ID) {
		if err := r.deleteTree(child, rel+"/"+child.Name); err != nil {
			return err
		}
	}

	r.printAction("Deleting", rel)
	r.stats.Deleted++
	if !r.DryRun {
		if err := r.Client.Delete(proto.Delete{Path: rel}); err != nil {
			return err
		}
	}

	// Keep the snapshot in step with the agent so that later lookups don't
	// find the deleted entries.
	_, err := r.remote.Append(e.Tombstone())
	return err
}

func lstat(path string) (os.FileInfo, error) {
	if lstater, ok := fs.(afero.Lstater); ok {
		info, _, err := lstater.LstatIfPossible(path)
		return info, err
	}
	return fs.Stat(path)
}

func readlink(path string) (string, error) {
	reader, ok := fs.(afero.LinkReader)
	if !ok {
		return "", errors.New("symlinks aren't supported by the local filesystem")
	}
	return reader.ReadlinkIfPossible(path)
}
