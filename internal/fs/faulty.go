package fs

import (
	"errors"
	iofs "io/fs"
	"os"
	"sync"
	"syscall"
	"time"
)

// Op names an [FS] operation that [Faulty] can fail.
type Op string

// Operations of [FS].
const (
	OpOpen        Op = "open"
	OpOpenFile    Op = "openfile"
	OpReadFile    Op = "readfile"
	OpWriteAtomic Op = "writeatomic"
	OpReadDir     Op = "readdir"
	OpMkdirAll    Op = "mkdirall"
	OpStat        Op = "stat"
	OpRemove      Op = "remove"
	OpRename      Op = "rename"
	OpChtimes     Op = "chtimes"
)

// injectedError marks an error produced by [Faulty]. It unwraps to the
// [*iofs.PathError] or [*os.LinkError] the real call would have returned.
type injectedError struct{ err error }

func (e *injectedError) Error() string { return e.err.Error() }
func (e *injectedError) Unwrap() error { return e.err }

// IsInjected reports whether err was injected by a [Faulty] filesystem.
func IsInjected(err error) bool {
	var ie *injectedError

	return errors.As(err, &ie)
}

type fault struct {
	op    Op
	match func(path string) bool
	errno syscall.Errno
	times int // remaining; negative is unlimited
}

// Faulty wraps an [FS] and fails chosen operations with an errno, the way
// a full disk or a flaky mount would. Operations without a matching fault
// pass through.
type Faulty struct {
	base FS

	mu     sync.Mutex
	faults []*fault
	hits   map[Op]int
}

// NewFaulty returns a Faulty over base that fails nothing yet.
func NewFaulty(base FS) *Faulty {
	return &Faulty{base: base, hits: make(map[Op]int)}
}

// FailOn makes op fail with errno for paths accepted by match, which may be
// nil to match every path. times bounds how often the fault fires; a
// negative value never exhausts it.
func (f *Faulty) FailOn(op Op, match func(path string) bool, errno syscall.Errno, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.faults = append(f.faults, &fault{op: op, match: match, errno: errno, times: times})
}

// Clear removes every fault.
func (f *Faulty) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.faults = nil
}

// Hits returns how often a fault fired for op.
func (f *Faulty) Hits(op Op) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.hits[op]
}

func (f *Faulty) inject(op Op, path string) (syscall.Errno, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, ft := range f.faults {
		if ft.op != op || ft.times == 0 || (ft.match != nil && !ft.match(path)) {
			continue
		}

		if ft.times > 0 {
			ft.times--
		}

		f.hits[op]++

		return ft.errno, true
	}

	return 0, false
}

func (f *Faulty) pathErr(op Op, path string) error {
	errno, ok := f.inject(op, path)
	if !ok {
		return nil
	}

	return &injectedError{err: &iofs.PathError{Op: string(op), Path: path, Err: errno}}
}

func (f *Faulty) Open(path string) (File, error) {
	if err := f.pathErr(OpOpen, path); err != nil {
		return nil, err
	}

	return f.base.Open(path)
}

func (f *Faulty) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	if err := f.pathErr(OpOpenFile, path); err != nil {
		return nil, err
	}

	return f.base.OpenFile(path, flag, perm)
}

func (f *Faulty) ReadFile(path string) ([]byte, error) {
	if err := f.pathErr(OpReadFile, path); err != nil {
		return nil, err
	}

	return f.base.ReadFile(path)
}

func (f *Faulty) WriteFileAtomic(path string, data []byte) error {
	if err := f.pathErr(OpWriteAtomic, path); err != nil {
		return err
	}

	return f.base.WriteFileAtomic(path, data)
}

func (f *Faulty) ReadDir(path string) ([]os.DirEntry, error) {
	if err := f.pathErr(OpReadDir, path); err != nil {
		return nil, err
	}

	return f.base.ReadDir(path)
}

func (f *Faulty) MkdirAll(path string, perm os.FileMode) error {
	if err := f.pathErr(OpMkdirAll, path); err != nil {
		return err
	}

	return f.base.MkdirAll(path, perm)
}

func (f *Faulty) Stat(path string) (os.FileInfo, error) {
	if err := f.pathErr(OpStat, path); err != nil {
		return nil, err
	}

	return f.base.Stat(path)
}

func (f *Faulty) Remove(path string) error {
	if err := f.pathErr(OpRemove, path); err != nil {
		return err
	}

	return f.base.Remove(path)
}

// Rename fails with an [*os.LinkError], like [os.Rename].
func (f *Faulty) Rename(oldpath, newpath string) error {
	if errno, ok := f.inject(OpRename, newpath); ok {
		return &injectedError{err: &os.LinkError{Op: string(OpRename), Old: oldpath, New: newpath, Err: errno}}
	}

	return f.base.Rename(oldpath, newpath)
}

func (f *Faulty) Chtimes(path string, atime, mtime time.Time) error {
	if err := f.pathErr(OpChtimes, path); err != nil {
		return err
	}

	return f.base.Chtimes(path, atime, mtime)
}

var _ FS = (*Faulty)(nil)
