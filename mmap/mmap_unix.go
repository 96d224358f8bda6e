//go:build unix

package mmap

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func mmap(f *os.File, size int, hint Hint) ([]byte, error) {
	b, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrap(err, "mmap")
	}

	var advice int
	switch {
	case hint.Has(Sequential):
		advice = unix.MADV_SEQUENTIAL
	case hint.Has(Random):
		advice = unix.MADV_RANDOM
	default:
		return b, nil
	}
	// ENOSYS still leaves a working mapping.
	if err := unix.Madvise(b, advice); err != nil && err != unix.ENOSYS {
		unix.Munmap(b)
		return nil, errors.Wrapf(err, "madvise(%d)", advice)
	}
	return b, nil
}

func munmap(b []byte) error {
	return unix.Munmap(b)
}
