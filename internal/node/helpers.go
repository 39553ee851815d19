package node

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/Klingon-tech/klingnet-spv/config"
)

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// lowMemoryFunc maps a sync.memory mode to the manager's memory check.
// nil keeps the host probe.
func lowMemoryFunc(mode string) func() bool {
	switch mode {
	case config.MemoryLow:
		return func() bool { return true }
	case config.MemoryNormal:
		return func() bool { return false }
	default:
		return nil
	}
}
