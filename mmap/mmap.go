// Package mmap maps journal segments into memory for reading and flushes
// written segments to disk.
package mmap

import (
	"os"

	"github.com/pkg/errors"
)

// ErrUnsupported is returned by Map on platforms without memory mapping.
var ErrUnsupported = errors.New("mmap: not supported on this platform")

type Hint uint

const (
	// Sequential requests aggressive read-ahead. Incompatible with Random.
	// Maps to MADV_SEQUENTIAL on Unix.
	Sequential Hint = 1 << iota

	// Random is a hint that read-ahead is less useful than normally.
	// Maps to MADV_RANDOM on Unix.
	Random
)

func (h Hint) Has(v Hint) bool {
	return h&v != 0
}

// Map maps the first size bytes of f read-only. The slice must be released
// with Unmap and must not be used after f is truncated.
func Map(f *os.File, size int, hint Hint) ([]byte, error) {
	if size <= 0 {
		return nil, errors.Errorf("mmap: invalid size %d", size)
	}
	return mmap(f, size, hint)
}

// Unmap unmaps a slice returned by Map.
func Unmap(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return munmap(b)
}
