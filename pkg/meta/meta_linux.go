package meta

import (
	"bytes"
	"os"
	"syscall"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/sys/unix"

	"github.com/sidkik/psync/pkg/errors"
	"github.com/sidkik/psync/pkg/proto"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func sysStat(info os.FileInfo) (proto.Stat, bool) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return proto.Stat{}, false
	}

	return proto.Stat{
		Mode:  uint32(st.Mode),
		UID:   st.Uid,
		GID:   st.Gid,
		Atime: st.Atim.Nano(),
		Mtime: st.Mtim.Nano(),
	}, true
}

// ListXattrs returns the extended attributes of `path` without following
// symlinks. Filesystems without extended attribute support have none.
func ListXattrs(path string) ([]proto.Xattr, error) {
	names, err := listXattrNames(path)
	if err != nil {
		if unsupported(err) {
			return nil, nil
		}
		return nil, &os.PathError{Op: "llistxattr", Path: path, Err: err}
	}

	var xattrs []proto.Xattr
	for _, name := range names {
		value, err := getXattr(path, name)
		if err == unix.ENODATA {
			// Removed since it was listed.
			continue
		}
		if err != nil {
			return nil, &os.PathError{Op: "lgetxattr", Path: path, Err: err}
		}
		xattrs = append(xattrs, proto.Xattr{Name: name, Value: value})
	}
	return xattrs, nil
}

func listXattrNames(path string) ([]string, error) {
	var buf []byte
	for {
		size, err := unix.Llistxattr(path, nil)
		if err != nil || size == 0 {
			return nil, err
		}

		buf = make([]byte, size)
		size, err = unix.Llistxattr(path, buf)
		if err == unix.ERANGE {
			// The list grew between the two calls.
			continue
		}
		if err != nil {
			return nil, err
		}
		buf = buf[:size]
		break
	}

	var names []string
	for _, name := range bytes.Split(buf, []byte{0}) {
		if len(name) != 0 {
			names = append(names, string(name))
		}
	}
	return names, nil
}

func getXattr(path, name string) ([]byte, error) {
	for {
		size, err := unix.Lgetxattr(path, name, nil)
		if err != nil {
			return nil, err
		}

		value := make([]byte, size)
		size, err = unix.Lgetxattr(path, name, value)
		if err == unix.ERANGE {
			continue
		}
		if err != nil {
			return nil, err
		}
		return value[:size], nil
	}
}

// Apply stores the source metadata of the object at `path` in its extended
// attributes.
func Apply(path string, stat proto.Stat, xattrs []proto.Xattr) error {
	statJSON, err := json.Marshal(stat)
	if err != nil {
		return errors.WithContext(err, "marshal stat")
	}

	if err := unix.Lsetxattr(path, StatAttr, statJSON, 0); err != nil {
		return &os.PathError{Op: "lsetxattr", Path: path, Err: err}
	}

	for _, xattr := range xattrs {
		if err := unix.Lsetxattr(path, XattrPrefix+xattr.Name, xattr.Value, 0); err != nil {
			return &os.PathError{Op: "lsetxattr", Path: path, Err: err}
		}
	}
	return nil
}

func unsupported(err error) bool {
	return err == unix.ENOTSUP || err == unix.EOPNOTSUPP
}
