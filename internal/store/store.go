// Package store is the persistent result cache.
//
// A [Manager] maps canonical expression keys to records naming the data file
// that holds a computed result. External source files are tracked through a
// monotonic map from OS modification times to logical timestamps: a record is
// only returned while none of its source files carries a timestamp newer than
// the record itself.
//
// # Layout
//
// A cache directory holds:
//
//	cache.sqlite      records, file times and counters
//	data/<base>.gct   tile files, see [WriteTileFile]
//	data/tmp-*        in-flight streams, removed by [Manager.CleanupTmp]
//	locks/<base>.lock flock files backing record locks
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/calvinalkan/gridcalc/internal/expr"
	"github.com/calvinalkan/gridcalc/internal/fs"
)

// TimeStamp is a logical time. Zero means "never".
type TimeStamp uint64

// Record describes a persisted result.
type Record struct {
	// FileNameBase names the data file, without directory or extension.
	FileNameBase string

	// Blob is opaque metadata stored with the record (domain, value type).
	Blob []byte

	// TimeStamp is the logical time the record was registered at.
	TimeStamp TimeStamp

	// Files are the external source files the result was derived from.
	Files []string
}

// Entry is a record together with its key.
type Entry struct {
	Key string
	Record
}

// Options configures a [Manager].
type Options struct {
	// Dir is the cache directory. Required.
	Dir string

	// Persist loads and saves records in Dir/cache.sqlite. Without it the
	// record map lives in memory only.
	Persist bool

	// LockTimeout bounds record lock acquisition. Zero waits until the
	// context is done.
	LockTimeout time.Duration

	FS         fs.FS
	Logger     *zap.Logger
	Registerer prometheus.Registerer
}

const (
	dataDirName  = "data"
	lockDirName  = "locks"
	dbFileName   = "cache.sqlite"
	dataFileExt  = ".gct"
	tmpPrefix    = "tmp-"
	cacheDirPerm = 0o750
)

// Manager is the record map of one cache directory.
type Manager struct {
	dir         string
	fs          fs.FS
	locker      *fs.Locker
	lockTimeout time.Duration
	log         *zap.Logger
	metrics     *metrics
	db          *sql.DB
	generation  string

	lastStream atomic.Uint32
	keyLocks   keyLocks
	saveMu     sync.Mutex

	mu      sync.Mutex
	records map[string]Record
	ft2ts   map[int64]TimeStamp
	now     TimeStamp
	dirty   bool
	closed  bool
}

// Open opens the cache directory, creating it when missing. With
// opts.Persist the record map is loaded from the database. Leftover temp
// streams from an interrupted session are removed.
func Open(ctx context.Context, opts Options) (*Manager, error) {
	if opts.Dir == "" {
		return nil, errors.New("open store: directory is empty")
	}

	if opts.FS == nil {
		opts.FS = fs.NewReal()
	}

	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	dir := filepath.Clean(opts.Dir)

	for _, sub := range []string{dataDirName, lockDirName} {
		err := opts.FS.MkdirAll(filepath.Join(dir, sub), cacheDirPerm)
		if err != nil {
			return nil, fmt.Errorf("open store: create %s directory: %w", sub, err)
		}
	}

	m := &Manager{
		dir:         dir,
		fs:          opts.FS,
		locker:      fs.NewLocker(opts.FS),
		lockTimeout: opts.LockTimeout,
		log:         opts.Logger.Named("store"),
		metrics:     newMetrics(opts.Registerer),
		records:     make(map[string]Record),
		ft2ts:       make(map[int64]TimeStamp),
		generation:  uuid.NewString(),
	}
	m.keyLocks.init()

	if opts.Persist {
		err := m.openDB(ctx)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
	}

	removed, err := m.CleanupTmp()
	if err != nil {
		m.log.Warn("cleanup of temp streams failed", zap.Error(err))
	} else if removed > 0 {
		m.log.Info("removed orphaned temp streams", zap.Int("count", removed))
	}

	m.metrics.records.Set(float64(len(m.records)))

	return m, nil
}

func (m *Manager) openDB(ctx context.Context) error {
	db, err := openSQLite(ctx, filepath.Join(m.dir, dbFileName))
	if err != nil {
		return err
	}

	version, err := userVersion(ctx, db)
	if err != nil {
		_ = db.Close()

		return err
	}

	switch version {
	case schemaVersion:
		st, err := loadState(ctx, db)
		if err != nil {
			_ = db.Close()

			return err
		}

		m.records = st.records
		m.ft2ts = st.ft2ts
		m.now = st.now
		m.lastStream.Store(st.lastStream)

		if st.generation != "" {
			m.generation = st.generation
		}
	case 0:
		err = createSchema(ctx, db, m.generation)
		if err != nil {
			_ = db.Close()

			return err
		}
	default:
		_ = db.Close()

		return fmt.Errorf("%w: found %d, want %d", ErrSchemaVersion, version, schemaVersion)
	}

	m.db = db

	return nil
}

// Dir returns the cache directory.
func (m *Manager) Dir() string { return m.dir }

// Generation identifies the cache directory's lifetime. It changes only when
// the database is created.
func (m *Manager) Generation() string { return m.generation }

// DataPath returns the tile file path for a file name base.
func (m *Manager) DataPath(base string) string {
	return filepath.Join(m.dir, dataDirName, base+dataFileExt)
}

func (m *Manager) lockPath(key string) string {
	return filepath.Join(m.dir, lockDirName, expr.FileNameBase(key)+".lock")
}

// Lookup returns the record for key when it is still valid.
//
// A record is stale when one of its source files is missing or its current
// modification time maps to a timestamp newer than the record. Stale records
// are unregistered. A missing key is not an error: the caller computes from
// scratch.
func (m *Manager) Lookup(key string) (Record, bool) {
	m.mu.Lock()
	rec, ok := m.records[key]
	m.mu.Unlock()

	if !ok {
		m.metrics.lookups.WithLabelValues("miss").Inc()

		return Record{}, false
	}

	for _, path := range rec.Files {
		ts, err := m.TrackFile(path)
		if err == nil && ts <= rec.TimeStamp {
			continue
		}

		m.log.Debug("stale record",
			zap.String("key", key),
			zap.String("file", path),
			zap.Uint64("record_ts", uint64(rec.TimeStamp)),
			zap.Uint64("file_ts", uint64(ts)),
			zap.Error(err))

		m.mu.Lock()
		if cur, ok := m.records[key]; ok && cur.TimeStamp == rec.TimeStamp {
			m.deleteLocked(key)
		}
		m.mu.Unlock()

		m.metrics.lookups.WithLabelValues("stale").Inc()

		return Record{}, false
	}

	m.metrics.lookups.WithLabelValues("hit").Inc()

	return cloneRecord(rec), true
}

// Register associates key with rec and stamps it with the current logical
// time. An empty FileNameBase is derived from the key. Registering a key that
// is already present leaves the existing record in place and returns it with
// added=false.
func (m *Manager) Register(key string, rec Record) (_ Record, added bool, _ error) {
	if key == "" {
		return Record{}, false, ErrEmptyKey
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return Record{}, false, ErrClosed
	}

	if cur, ok := m.records[key]; ok {
		return cloneRecord(cur), false, nil
	}

	rec = cloneRecord(rec)
	if rec.FileNameBase == "" {
		rec.FileNameBase = expr.FileNameBase(key)
	}

	sort.Strings(rec.Files)
	rec.Files = slices.Compact(rec.Files)
	rec.TimeStamp = m.now

	m.records[key] = rec
	m.dirty = true

	m.metrics.registrations.Inc()
	m.metrics.records.Set(float64(len(m.records)))

	return cloneRecord(rec), true, nil
}

// Unregister removes key. It reports whether the key was present.
func (m *Manager) Unregister(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[key]; !ok {
		return false
	}

	m.deleteLocked(key)

	return true
}

func (m *Manager) deleteLocked(key string) {
	delete(m.records, key)
	m.dirty = true
	m.metrics.unregistrations.Inc()
	m.metrics.records.Set(float64(len(m.records)))
}

// Entries returns all records ordered by key.
func (m *Manager) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Entry, 0, len(m.records))
	for k, r := range m.records {
		out = append(out, Entry{Key: k, Record: cloneRecord(r)})
	}

	slices.SortFunc(out, func(a, b Entry) int { return strings.Compare(a.Key, b.Key) })

	return out
}

// Len returns the number of records.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.records)
}

// DetermineExternalChange returns the logical timestamp of a file
// modification time. A modification time seen for the first time is assigned
// a fresh timestamp, so it compares newer than every existing record.
func (m *Manager) DetermineExternalChange(mtime time.Time) TimeStamp {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := mtime.UnixNano()
	if ts, ok := m.ft2ts[k]; ok {
		return ts
	}

	m.now++
	m.ft2ts[k] = m.now
	m.dirty = true

	return m.now
}

// RegisterExternalTS maps mtime to ts explicitly. The logical clock is
// advanced to ts if it lags behind.
func (m *Manager) RegisterExternalTS(mtime time.Time, ts TimeStamp) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ft2ts[mtime.UnixNano()] = ts
	m.now = max(m.now, ts)
	m.dirty = true
}

// NextTimeStamp advances the logical clock and returns the new time.
func (m *Manager) NextTimeStamp() TimeStamp {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.now++
	m.dirty = true

	return m.now
}

// Now returns the current logical time.
func (m *Manager) Now() TimeStamp {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.now
}

// TrackFile stats path and returns the logical timestamp of its current
// modification time.
func (m *Manager) TrackFile(path string) (TimeStamp, error) {
	info, err := m.fs.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat source %s: %w", path, err)
	}

	return m.DetermineExternalChange(info.ModTime()), nil
}

// NewStreamName returns a unique temp file path in the data directory.
func (m *Manager) NewStreamName() string {
	id := m.lastStream.Add(1)

	m.mu.Lock()
	m.dirty = true
	m.mu.Unlock()

	return filepath.Join(m.dir, dataDirName, fmt.Sprintf("%s%s-%06d", tmpPrefix, m.generation[:8], id))
}

// CleanupTmp removes temp streams left in the data directory and returns how
// many were removed.
func (m *Manager) CleanupTmp() (int, error) {
	return m.removeData(func(name string) bool {
		return strings.HasPrefix(name, tmpPrefix)
	})
}

// Prune removes data files that no record refers to and returns how many
// were removed. A file named base.extra.gct belongs to the record of base.
func (m *Manager) Prune() (int, error) {
	m.mu.Lock()
	live := make(map[string]struct{}, len(m.records))
	for _, r := range m.records {
		live[r.FileNameBase] = struct{}{}
	}
	m.mu.Unlock()

	return m.removeData(func(name string) bool {
		stem, ok := strings.CutSuffix(name, dataFileExt)
		if !ok {
			return false
		}

		for {
			if _, ok := live[stem]; ok {
				return false
			}

			i := strings.LastIndexByte(stem, '.')
			if i < 0 {
				return true
			}

			stem = stem[:i]
		}
	})
}

func (m *Manager) removeData(match func(name string) bool) (int, error) {
	dataDir := filepath.Join(m.dir, dataDirName)

	entries, err := m.fs.ReadDir(dataDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}

		return 0, fmt.Errorf("read data directory: %w", err)
	}

	var (
		removed int
		errs    []error
	)

	for _, e := range entries {
		if e.IsDir() || !match(e.Name()) {
			continue
		}

		err := m.fs.Remove(filepath.Join(dataDir, e.Name()))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)

			continue
		}

		removed++
	}

	return removed, errors.Join(errs...)
}

// Checkpoint saves the record map when it changed since the last save.
// Without persistence it does nothing.
func (m *Manager) Checkpoint(ctx context.Context) error {
	if m.db == nil {
		return nil
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()

		return ErrClosed
	}

	if !m.dirty {
		m.mu.Unlock()

		return nil
	}

	st := state{
		records:    make(map[string]Record, len(m.records)),
		ft2ts:      make(map[int64]TimeStamp, len(m.ft2ts)),
		now:        m.now,
		lastStream: m.lastStream.Load(),
		generation: m.generation,
	}

	for k, r := range m.records {
		st.records[k] = cloneRecord(r)
	}

	for k, v := range m.ft2ts {
		st.ft2ts[k] = v
	}

	m.dirty = false
	m.mu.Unlock()

	err := saveState(ctx, m.db, st)
	if err != nil {
		m.mu.Lock()
		m.dirty = true
		m.mu.Unlock()

		return fmt.Errorf("checkpoint: %w", err)
	}

	m.log.Debug("checkpoint saved", zap.Int("records", len(st.records)))

	return nil
}

// Close saves pending changes and releases the database. Close is
// idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()

	if closed {
		return nil
	}

	saveErr := m.Checkpoint(context.Background())

	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	var closeErr error
	if m.db != nil {
		closeErr = m.db.Close()
		if closeErr != nil {
			closeErr = fmt.Errorf("close sqlite: %w", closeErr)
		}
	}

	return errors.Join(saveErr, closeErr)
}

func cloneRecord(r Record) Record {
	r.Blob = slices.Clone(r.Blob)
	r.Files = slices.Clone(r.Files)

	return r
}
