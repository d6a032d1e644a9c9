//go:build !unix

package sys

import "errors"

var errMmapUnsupported = errors.New("mmap not supported on this platform")

// Mmap is unavailable; callers fall back to positioned reads.
func Mmap(f FileHandle, size int) ([]byte, error) {
	return nil, errMmapUnsupported
}

// Munmap is a no-op on platforms without mmap support.
func Munmap(b []byte) error { return nil }

// MmapSupported reports whether read-only mappings are available on this
// platform.
func MmapSupported() bool { return false }
