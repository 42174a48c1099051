package store

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/calvinalkan/gridcalc/internal/fs"
)

type keyLock struct {
	rw   sync.RWMutex
	refs int
}

// keyLocks hands out one RWMutex per key while it is in use.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

func (k *keyLocks) init() { k.locks = make(map[string]*keyLock) }

func (k *keyLocks) get(key string) *keyLock {
	k.mu.Lock()
	defer k.mu.Unlock()

	kl, ok := k.locks[key]
	if !ok {
		kl = &keyLock{}
		k.locks[key] = kl
	}

	kl.refs++

	return kl
}

func (k *keyLocks) put(key string, kl *keyLock) {
	k.mu.Lock()
	defer k.mu.Unlock()

	kl.refs--
	if kl.refs == 0 {
		delete(k.locks, key)
	}
}

// RecordLock is a held lock on one record. It combines an in-process
// RWMutex with a flock on the record's lock file so other processes sharing
// the cache directory are excluded too.
type RecordLock struct {
	m    *Manager
	key  string
	mode fs.Mode
	kl   *keyLock
	file *fs.Lock
	once sync.Once
}

func (l *RecordLock) Key() string { return l.key }

func (l *RecordLock) Mode() fs.Mode { return l.mode }

// Release drops the lock. Only the first call has an effect.
func (l *RecordLock) Release() error {
	var err error

	l.once.Do(func() {
		err = l.file.Close()

		if l.mode == fs.Shared {
			l.kl.rw.RUnlock()
		} else {
			l.kl.rw.Unlock()
		}

		l.m.keyLocks.put(l.key, l.kl)
	})

	return err
}

// RLock takes a shared lock on key for reading its data.
func (m *Manager) RLock(ctx context.Context, key string) (*RecordLock, error) {
	return m.lock(ctx, key, fs.Shared)
}

// Lock takes an exclusive lock on key for writing, moving or renaming its
// data.
func (m *Manager) Lock(ctx context.Context, key string) (*RecordLock, error) {
	return m.lock(ctx, key, fs.Exclusive)
}

func (m *Manager) lock(ctx context.Context, key string, mode fs.Mode) (*RecordLock, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}

	if m.lockTimeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, m.lockTimeout)
		defer cancel()
	}

	kl := m.keyLocks.get(key)

	err := acquireRW(ctx, &kl.rw, mode)
	if err != nil {
		m.keyLocks.put(key, kl)
		m.metrics.lockTimeouts.Inc()

		return nil, fmt.Errorf("%s lock %s: %w", mode, key, err)
	}

	file, err := m.locker.Acquire(ctx, m.lockPath(key), mode)
	if err != nil {
		if mode == fs.Shared {
			kl.rw.RUnlock()
		} else {
			kl.rw.Unlock()
		}

		m.keyLocks.put(key, kl)

		if errors.Is(err, fs.ErrWouldBlock) {
			m.metrics.lockTimeouts.Inc()
		}

		return nil, fmt.Errorf("%s lock %s: %w", mode, key, err)
	}

	return &RecordLock{m: m, key: key, mode: mode, kl: kl, file: file}, nil
}

func acquireRW(ctx context.Context, rw *sync.RWMutex, mode fs.Mode) error {
	try := rw.TryLock
	if mode == fs.Shared {
		try = rw.TryRLock
	}

	backoff := time.Millisecond

	for !try() {
		timer := time.NewTimer(backoff)

		select {
		case <-ctx.Done():
			timer.Stop()

			return fmt.Errorf("%w: %w", fs.ErrWouldBlock, ctx.Err())
		case <-timer.C:
		}

		backoff = min(backoff*2, 25*time.Millisecond)
	}

	return nil
}

// LockRequest names a record to lock as part of a [Manager.LockOrdered]
// call. Path is the tree path of the item owning the record.
type LockRequest struct {
	Key  string
	Path string
	Mode fs.Mode
}

// LockSet is a group of held record locks.
type LockSet struct {
	locks []*RecordLock
}

// Keys returns the locked keys in acquisition order.
func (s *LockSet) Keys() []string {
	keys := make([]string, len(s.locks))
	for i, l := range s.locks {
		keys[i] = l.key
	}

	return keys
}

// Release drops all locks in reverse acquisition order.
func (s *LockSet) Release() error {
	var errs []error

	for i := len(s.locks) - 1; i >= 0; i-- {
		errs = append(errs, s.locks[i].Release())
	}

	return errors.Join(errs...)
}

// LockOrdered locks several records, children before parents: deeper paths
// are locked first, equal depths in path order. A key requested twice is
// locked once, exclusively if any request asks for it. On failure every lock
// taken so far is released.
func (m *Manager) LockOrdered(ctx context.Context, reqs []LockRequest) (*LockSet, error) {
	merged := make(map[string]LockRequest, len(reqs))

	for _, r := range reqs {
		cur, ok := merged[r.Key]
		if !ok {
			merged[r.Key] = r

			continue
		}

		if r.Mode == fs.Exclusive {
			cur.Mode = fs.Exclusive
		}

		if depth(r.Path) > depth(cur.Path) {
			cur.Path = r.Path
		}

		merged[r.Key] = cur
	}

	ordered := make([]LockRequest, 0, len(merged))
	for _, r := range merged {
		ordered = append(ordered, r)
	}

	slices.SortFunc(ordered, func(a, b LockRequest) int {
		return cmp.Or(
			cmp.Compare(depth(b.Path), depth(a.Path)),
			strings.Compare(a.Path, b.Path),
			strings.Compare(a.Key, b.Key),
		)
	})

	set := &LockSet{locks: make([]*RecordLock, 0, len(ordered))}

	for _, r := range ordered {
		l, err := m.lock(ctx, r.Key, r.Mode)
		if err != nil {
			relErr := set.Release()
			if relErr != nil {
				m.log.Warn("releasing partial lock set", zap.Error(relErr))
			}

			return nil, err
		}

		set.locks = append(set.locks, l)
	}

	return set, nil
}

func depth(path string) int {
	p := strings.Trim(path, "/")
	if p == "" {
		return 0
	}

	return strings.Count(p, "/") + 1
}
