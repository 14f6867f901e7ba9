//go:build windows
// +build windows

package mirror

import "errors"

func isMountPoint(string) (bool, error) {
	return false, errors.New("mount point detection is not supported on windows")
}
