//go:build !linux

package recdb

import "os"

func fdatasync(f *os.File) error {
	return f.Sync()
}
