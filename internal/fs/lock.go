package fs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

var (
	// ErrWouldBlock is returned when a lock is held elsewhere and the caller
	// did not wait, or stopped waiting.
	ErrWouldBlock = errors.New("lock would block")

	// ErrInvalidTimeout is returned when a timeout is <= 0.
	ErrInvalidTimeout = errors.New("invalid lock timeout")

	errInodeMismatch = errors.New("inode mismatch")
)

// Mode selects a shared or an exclusive lock.
type Mode int

const (
	Shared    Mode = unix.LOCK_SH
	Exclusive Mode = unix.LOCK_EX
)

func (m Mode) String() string {
	if m == Shared {
		return "shared"
	}

	return "exclusive"
}

const (
	lockFilePerm = 0o600
	lockDirPerm  = 0o755

	minBackoff = time.Millisecond
	maxBackoff = 25 * time.Millisecond
)

// Locker takes advisory flock(2) locks on lock files.
//
// A lock guards the inode that is at the path when the lock is granted; the
// lock file must not be replaced while locks may be held. Lock files and their
// parent directories are created on first use and never removed by Locker.
//
// Locker is safe for concurrent use. flock locks are per open file
// description, so two goroutines of one process exclude each other too.
type Locker struct {
	fs    FS
	flock func(fd int, how int) error
}

// NewLocker returns a Locker operating on fs. The files fs opens must carry
// real descriptors.
func NewLocker(fs FS) *Locker {
	return &Locker{fs: fs, flock: unix.Flock}
}

// Lock is a held lock. Close releases it.
type Lock struct {
	mu    sync.Mutex
	path  string
	mode  Mode
	file  File
	flock func(fd int, how int) error
}

func (lk *Lock) Path() string { return lk.path }

func (lk *Lock) Mode() Mode { return lk.mode }

// Close unlocks and closes the lock file. Calling Close again returns nil.
func (lk *Lock) Close() error {
	lk.mu.Lock()
	defer lk.mu.Unlock()

	if lk.file == nil {
		return nil
	}

	fd := int(lk.file.Fd())

	unlockErr := flockRetryEINTR(lk.flock, fd, unix.LOCK_UN)
	closeErr := lk.file.Close()
	lk.file = nil

	if unlockErr != nil {
		unlockErr = fmt.Errorf("unlocking %s: %w", lk.path, unlockErr)
	}

	if closeErr != nil {
		closeErr = fmt.Errorf("closing %s: %w", lk.path, closeErr)
	}

	return errors.Join(unlockErr, closeErr)
}

// Acquire takes a lock of the given mode on path, polling until it is granted
// or ctx is done. On cancellation the error wraps both [ErrWouldBlock] and
// the context error.
func (l *Locker) Acquire(ctx context.Context, path string, mode Mode) (*Lock, error) {
	backoff := minBackoff

	for {
		lk, err := l.try(path, mode)
		if err == nil {
			return lk, nil
		}

		if !errors.Is(err, ErrWouldBlock) && !errors.Is(err, errInodeMismatch) {
			return nil, err
		}

		timer := time.NewTimer(backoff)

		select {
		case <-ctx.Done():
			timer.Stop()

			return nil, fmt.Errorf("%w: %s lock on %s: %w", ErrWouldBlock, mode, path, ctx.Err())
		case <-timer.C:
		}

		backoff = min(backoff*2, maxBackoff)
	}
}

// AcquireTimeout is [Locker.Acquire] bounded by timeout.
func (l *Locker) AcquireTimeout(path string, mode Mode, timeout time.Duration) (*Lock, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTimeout, timeout)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	return l.Acquire(ctx, path, mode)
}

// TryAcquire takes the lock only if it is free right now.
func (l *Locker) TryAcquire(path string, mode Mode) (*Lock, error) {
	lk, err := l.try(path, mode)
	if errors.Is(err, errInodeMismatch) {
		return nil, fmt.Errorf("%w: lock file %s was replaced", ErrWouldBlock, path)
	}

	return lk, err
}

func (l *Locker) try(path string, mode Mode) (*Lock, error) {
	flag := os.O_RDWR
	if mode == Shared {
		flag = os.O_RDONLY
	}

	file, err := l.open(path, flag)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}

	fd := int(file.Fd())

	err = flockRetryEINTR(l.flock, fd, int(mode)|unix.LOCK_NB)
	if err != nil {
		_ = file.Close()

		if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) {
			return nil, ErrWouldBlock
		}

		return nil, fmt.Errorf("flock %s: %w", path, err)
	}

	same, err := l.sameInode(path, file)
	if err != nil || !same {
		_ = flockRetryEINTR(l.flock, fd, unix.LOCK_UN)
		_ = file.Close()

		if err == nil || errors.Is(err, os.ErrNotExist) {
			return nil, errInodeMismatch
		}

		return nil, fmt.Errorf("verifying lock file %s: %w", path, err)
	}

	return &Lock{path: path, mode: mode, file: file, flock: l.flock}, nil
}

func (l *Locker) open(path string, flag int) (File, error) {
	f, err := l.fs.OpenFile(path, flag|os.O_CREATE, lockFilePerm)
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		return f, err
	}

	if err := l.fs.MkdirAll(filepath.Dir(path), lockDirPerm); err != nil {
		return nil, err
	}

	return l.fs.OpenFile(path, flag|os.O_CREATE, lockFilePerm)
}

// sameInode reports whether f still refers to the file at path. A lock file
// replaced between open and flock would otherwise let two holders lock
// different inodes under one name.
func (l *Locker) sameInode(path string, f File) (bool, error) {
	var opened unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &opened); err != nil {
		return false, err
	}

	var current unix.Stat_t
	if err := unix.Stat(path, &current); err != nil {
		if errors.Is(err, unix.ENOENT) {
			return false, os.ErrNotExist
		}

		return false, err
	}

	return opened.Dev == current.Dev && opened.Ino == current.Ino, nil
}

func flockRetryEINTR(flock func(fd int, how int) error, fd int, how int) error {
	const maxRetries = 10000

	var err error
	for range maxRetries {
		err = flock(fd, how)
		if err == nil || !errors.Is(err, unix.EINTR) {
			return err
		}
	}

	return err
}
