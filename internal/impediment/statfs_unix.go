//go:build unix

package impediment

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

func freeBytes(path string) (uint64, error) {
	// Walk up until an existing directory is found; the store may not
	// exist yet on first start.
	for {
		if _, err := os.Stat(path); err == nil {
			break
		}
		parent := filepath.Dir(path)
		if parent == path {
			break
		}
		path = parent
	}
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return uint64(st.Bavail) * uint64(st.Bsize), nil
}
