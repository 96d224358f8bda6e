package mmap

import "os"

// Fdatasync flushes the data written to f, skipping metadata such as the
// modification time where the platform allows it.
//
// Errors are not recoverable: many file systems mark dirty pages clean after a
// failed fsync, so the only safe reaction is to stop writing to the file.
func Fdatasync(f *os.File) error {
	return fdatasync(f)
}
