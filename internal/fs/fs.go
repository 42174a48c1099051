// Package fs is the filesystem layer of the data store: a small [FS]
// interface over [os], atomic file replacement, and flock based record locks.
package fs

import (
	"io"
	"os"
	"time"
)

// File is an open file. It is satisfied by [os.File].
type File interface {
	io.ReadWriteCloser
	io.Seeker

	// Fd returns the OS descriptor, used for flock and mmap.
	Fd() uintptr
	Stat() (os.FileInfo, error)
	Sync() error
}

// FS is the set of filesystem operations the store performs.
type FS interface {
	Open(path string) (File, error)
	OpenFile(path string, flag int, perm os.FileMode) (File, error)
	ReadFile(path string) ([]byte, error)

	// WriteFileAtomic replaces path with data through a temp file and rename.
	// Readers observe either the old or the new content.
	WriteFileAtomic(path string, data []byte) error

	ReadDir(path string) ([]os.DirEntry, error)
	MkdirAll(path string, perm os.FileMode) error
	Stat(path string) (os.FileInfo, error)
	Remove(path string) error
	Rename(oldpath, newpath string) error
	Chtimes(path string, atime, mtime time.Time) error
}

var _ File = (*os.File)(nil)
