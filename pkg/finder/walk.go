package finder

import (
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/psync/pkg/errors"
)

// WalkFunc is called for each selected path. `rel` is the slash-separated path
// relative to the walk root, and `info` describes the object without following
// symlinks. Returning an error aborts the walk.
type WalkFunc func(rel string, info os.FileInfo) error

// FileFunc is called for selected files and symlinks.
type FileFunc = WalkFunc

// DirFunc is called for selected directories, and for the directories that
// must exist for a selected path to have a parent. It's always called for a
// directory before anything inside it.
type DirFunc = WalkFunc

// decision is the state inherited while descending the tree: the highest
// include and exclude ids that apply so far, and the wildcards in scope.
type decision struct {
	include, exclude int
	wildcards        []scopedWildcard
}

func (d decision) included() bool {
	return d.include > d.exclude
}

func (d decision) dominant() int {
	if d.include > d.exclude {
		return d.include
	}
	return d.exclude
}

// enter returns the decision for `rel`. `n` is the rule node for `rel`, or nil
// if no rule names it.
func (d decision) enter(rel string, n *ruleNode) decision {
	if n != nil {
		d.include = max(d.include, n.include)
		d.exclude = max(d.exclude, n.exclude)
	}

	for _, w := range d.wildcards {
		if w.id < d.dominant() {
			continue
		}
		rest, ok := w.relativeTo(rel)
		if !ok || !w.matches(rest) {
			continue
		}
		if w.include {
			d.include = max(d.include, w.id)
		} else {
			d.exclude = max(d.exclude, w.id)
		}
	}

	if n != nil && len(n.wildcards) != 0 {
		scoped := make([]scopedWildcard, 0, len(d.wildcards)+len(n.wildcards))
		scoped = append(scoped, d.wildcards...)
		for _, w := range n.wildcards {
			scoped = append(scoped, scopedWildcard{wildcard: w, base: rel})
		}
		d.wildcards = scoped
	}
	return d
}

// mayInclude returns whether some wildcard in scope could still include a
// path below an excluded directory.
func (d decision) mayInclude() bool {
	for _, w := range d.wildcards {
		if w.include && w.id > d.dominant() {
			return true
		}
	}
	return false
}

type pendingDir struct {
	rel     string
	info    os.FileInfo
	emitted bool
}

type walker struct {
	root    string
	fileFn  FileFunc
	dirFn   DirFunc
	pending []*pendingDir
}

// Walk visits every selected path below `root` in depth-first order, with
// the children of each directory visited in name order. The root itself is
// never reported.
//
// Symlinks are reported as files and never followed. Paths that disappear
// during the walk are skipped, and directories that can't be read are logged
// and skipped.
func (f *Finder) Walk(root string, fileFn FileFunc, dirFn DirFunc) error {
	info, err := lstat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.FileNotFound{Path: root}
		}
		return errors.WithContext(err, "stat root")
	}
	if !info.IsDir() {
		return errors.NewFriendlyError("Backup root %s is not a directory", root)
	}

	w := walker{root: root, fileFn: fileFn, dirFn: dirFn}
	init := decision{include: noRule, exclude: noRule}
	return w.visit("", info, f.root, init)
}

func (w *walker) visit(rel string, info os.FileInfo, n *ruleNode, inherited decision) error {
	d := inherited.enter(rel, n)

	if !info.IsDir() {
		if !d.included() {
			return nil
		}
		if err := w.flush(); err != nil {
			return err
		}
		return w.fileFn(rel, info)
	}

	dir := &pendingDir{rel: rel, info: info, emitted: rel == ""}
	if d.included() {
		if err := w.flush(); err != nil {
			return err
		}
		if !dir.emitted {
			if err := w.dirFn(rel, info); err != nil {
				return err
			}
			dir.emitted = true
		}
	}

	w.pending = append(w.pending, dir)
	defer func() { w.pending = w.pending[:len(w.pending)-1] }()

	if d.included() || d.mayInclude() {
		return w.visitListing(rel, n, d)
	}
	return w.visitRuleChildren(rel, n, d)
}

// visitListing visits everything in the directory `rel`.
func (w *walker) visitListing(rel string, n *ruleNode, d decision) error {
	children, err := afero.ReadDir(fs, w.abs(rel))
	if err != nil {
		if !os.IsNotExist(err) {
			log.WithError(err).WithField("path", w.abs(rel)).Warn("Skipping unreadable directory")
		}
		return nil
	}

	for _, info := range children {
		name := info.Name()
		if err := w.visit(join(rel, name), info, n.child(name), d); err != nil {
			return err
		}
	}
	return nil
}

// visitRuleChildren visits only the children of `rel` that some rule names.
func (w *walker) visitRuleChildren(rel string, n *ruleNode, d decision) error {
	if n == nil {
		return nil
	}

	for _, name := range n.sortedChildren() {
		childRel := join(rel, name)
		info, err := lstat(w.abs(childRel))
		if err != nil {
			if !os.IsNotExist(err) {
				log.WithError(err).WithField("path", w.abs(childRel)).Warn("Skipping unreadable path")
			}
			continue
		}

		if err := w.visit(childRel, info, n.children[name], d); err != nil {
			return err
		}
	}
	return nil
}

// flush reports the pending ancestors that haven't been reported yet, parents
// first.
func (w *walker) flush() error {
	for _, dir := range w.pending {
		if dir.emitted {
			continue
		}
		if err := w.dirFn(dir.rel, dir.info); err != nil {
			return err
		}
		dir.emitted = true
	}
	return nil
}

func (w *walker) abs(rel string) string {
	return filepath.Join(w.root, filepath.FromSlash(rel))
}

func join(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}

func lstat(path string) (os.FileInfo, error) {
	if lstater, ok := fs.(afero.Lstater); ok {
		info, _, err := lstater.LstatIfPossible(path)
		return info, err
	}
	return fs.Stat(path)
}
