//go:build unix

package sys

import (
	"golang.org/x/sys/unix"
)

// Mmap maps size bytes of the file read-only. The kernel is advised that
// access is random, which fits point lookups against slab slots.
func Mmap(f FileHandle, size int) ([]byte, error) {
	if size <= 0 {
		return nil, nil
	}
	b, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	if err := unix.Madvise(b, unix.MADV_RANDOM); err != nil {
		_ = unix.Munmap(b)
		return nil, err
	}
	return b, nil
}

// Munmap releases a mapping created by Mmap.
func Munmap(b []byte) error {
	if b == nil {
		return nil
	}
	return unix.Munmap(b)
}

// MmapSupported reports whether read-only mappings are available on this
// platform.
func MmapSupported() bool { return true }
