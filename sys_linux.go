//go:build linux

package recdb

import (
	"golang.org/x/sys/unix"
	"os"
)

// fdatasync flushes file data without forcing a metadata update when the
// file size has not changed.
func fdatasync(f *os.File) error {
	return unix.Fdatasync(int(f.Fd()))
}
