//go:build !linux

package meta

import (
	"os"

	"github.com/sidkik/psync/pkg/proto"
)

func sysStat(os.FileInfo) (proto.Stat, bool) {
	return proto.Stat{}, false
}

// ListXattrs isn't supported on this platform, so objects have none.
func ListXattrs(string) ([]proto.Xattr, error) {
	return nil, nil
}

// Apply is a no-op on this platform.
func Apply(string, proto.Stat, []proto.Xattr) error {
	return nil
}
