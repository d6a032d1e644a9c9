package sys

import (
	"io"
	"os"
)

// FileHandle is the subset of *os.File behavior the storage engine relies
// on. Abstracting it keeps the heap and metadata log testable against
// failure-injecting fakes.
type FileHandle interface {
	io.ReadWriteCloser
	io.ReaderAt
	io.WriterAt
	io.Seeker

	Stat() (os.FileInfo, error)
	Sync() error
	Truncate(size int64) error
	Name() string
	Fd() uintptr
}

var _ FileHandle = (*os.File)(nil)

// OpenFile opens a file with the given flags and permissions.
func OpenFile(name string, flag int, perm os.FileMode) (FileHandle, error) {
	return os.OpenFile(name, flag, perm)
}

// Create creates or truncates the named file.
func Create(name string) (FileHandle, error) {
	return os.Create(name)
}
