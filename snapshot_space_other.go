//go:build !linux && !darwin

package dazee

import "errors"

// diskFreeBytes is unavailable on this platform; the store logs and skips
// the floor check.
func diskFreeBytes(string) (uint64, error) {
	return 0, errors.New("free space check unsupported on this platform")
}
