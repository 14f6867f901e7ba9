//go:build !windows
// +build !windows

package mirror

import (
	"fmt"
	"path/filepath"
	"syscall"
)

// isMountPoint reports whether path sits on a different device than its
// parent, i.e. whether something is mounted there.
func isMountPoint(path string) (bool, error) {
	var self, parent syscall.Stat_t

	if err := syscall.Stat(path, &self); err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	dir := filepath.Dir(filepath.Clean(path))
	if err := syscall.Stat(dir, &parent); err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", dir, err)
	}

	return self.Dev != parent.Dev || self.Ino == parent.Ino, nil
}
