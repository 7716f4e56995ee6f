//go:build linux || darwin

package dazee

import "syscall"

// diskFreeBytes reports the bytes available to unprivileged users on the
// filesystem containing dir.
func diskFreeBytes(dir string) (uint64, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(dir, &st); err != nil {
		return 0, err
	}
	return uint64(st.Bavail) * uint64(st.Bsize), nil
}
