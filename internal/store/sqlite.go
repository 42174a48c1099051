package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
)

const schemaVersion = 1

func openSQLite(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)

	err = db.PingContext(ctx)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	err = applyPragmas(ctx, db)
	if err != nil {
		_ = db.Close()

		return nil, err
	}

	return db, nil
}

func applyPragmas(ctx context.Context, db *sql.DB) error {
	statements := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA foreign_keys = ON",
	}

	for _, stmt := range statements {
		_, err := db.ExecContext(ctx, stmt)
		if err != nil {
			return fmt.Errorf("apply pragma %q: %w", stmt, err)
		}
	}

	return nil
}

func userVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version int

	err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("read user_version: %w", err)
	}

	return version, nil
}

func createSchema(ctx context.Context, db *sql.DB, generation string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema txn: %w", err)
	}

	defer func() { _ = tx.Rollback() }()

	statements := []string{
		`CREATE TABLE records (
			key TEXT PRIMARY KEY,
			file_name_base TEXT NOT NULL,
			blob BLOB,
			ts INTEGER NOT NULL
		) WITHOUT ROWID`,
		`CREATE TABLE record_files (
			key TEXT NOT NULL REFERENCES records(key) ON DELETE CASCADE,
			path TEXT NOT NULL,
			PRIMARY KEY (key, path)
		) WITHOUT ROWID`,
		`CREATE TABLE file_times (
			mtime_ns INTEGER PRIMARY KEY,
			ts INTEGER NOT NULL
		)`,
		`CREATE TABLE meta (
			name TEXT PRIMARY KEY,
			value TEXT NOT NULL
		) WITHOUT ROWID`,
	}

	for _, stmt := range statements {
		_, err := tx.ExecContext(ctx, stmt)
		if err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO meta (name, value) VALUES ('generation', ?)`, generation)
	if err != nil {
		return fmt.Errorf("insert generation: %w", err)
	}

	_, err = tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schemaVersion))
	if err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("commit schema txn: %w", err)
	}

	return nil
}

// state is a detached copy of everything the database persists.
type state struct {
	records    map[string]Record
	ft2ts      map[int64]TimeStamp
	now        TimeStamp
	lastStream uint32
	generation string
}

func loadState(ctx context.Context, db *sql.DB) (state, error) {
	st := state{
		records: make(map[string]Record),
		ft2ts:   make(map[int64]TimeStamp),
	}

	rows, err := db.QueryContext(ctx, `SELECT key, file_name_base, blob, ts FROM records`)
	if err != nil {
		return state{}, fmt.Errorf("query records: %w", err)
	}

	for rows.Next() {
		var (
			key string
			rec Record
			ts  int64
		)

		err = rows.Scan(&key, &rec.FileNameBase, &rec.Blob, &ts)
		if err != nil {
			_ = rows.Close()

			return state{}, fmt.Errorf("scan record: %w", err)
		}

		rec.TimeStamp = TimeStamp(ts)
		st.records[key] = rec
	}

	err = errors.Join(rows.Err(), rows.Close())
	if err != nil {
		return state{}, fmt.Errorf("read records: %w", err)
	}

	rows, err = db.QueryContext(ctx, `SELECT key, path FROM record_files ORDER BY key, path`)
	if err != nil {
		return state{}, fmt.Errorf("query record files: %w", err)
	}

	for rows.Next() {
		var key, path string

		err = rows.Scan(&key, &path)
		if err != nil {
			_ = rows.Close()

			return state{}, fmt.Errorf("scan record file: %w", err)
		}

		rec, ok := st.records[key]
		if !ok {
			continue
		}

		rec.Files = append(rec.Files, path)
		st.records[key] = rec
	}

	err = errors.Join(rows.Err(), rows.Close())
	if err != nil {
		return state{}, fmt.Errorf("read record files: %w", err)
	}

	rows, err = db.QueryContext(ctx, `SELECT mtime_ns, ts FROM file_times`)
	if err != nil {
		return state{}, fmt.Errorf("query file times: %w", err)
	}

	for rows.Next() {
		var mtime, ts int64

		err = rows.Scan(&mtime, &ts)
		if err != nil {
			_ = rows.Close()

			return state{}, fmt.Errorf("scan file time: %w", err)
		}

		st.ft2ts[mtime] = TimeStamp(ts)
	}

	err = errors.Join(rows.Err(), rows.Close())
	if err != nil {
		return state{}, fmt.Errorf("read file times: %w", err)
	}

	meta, err := loadMeta(ctx, db)
	if err != nil {
		return state{}, err
	}

	st.generation = meta["generation"]

	now, err := parseMetaUint(meta, "now", 64)
	if err != nil {
		return state{}, err
	}

	last, err := parseMetaUint(meta, "last_stream", 32)
	if err != nil {
		return state{}, err
	}

	st.now = TimeStamp(now)
	st.lastStream = uint32(last)

	return st, nil
}

func loadMeta(ctx context.Context, db *sql.DB) (map[string]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT name, value FROM meta`)
	if err != nil {
		return nil, fmt.Errorf("query meta: %w", err)
	}

	meta := make(map[string]string)

	for rows.Next() {
		var name, value string

		err = rows.Scan(&name, &value)
		if err != nil {
			_ = rows.Close()

			return nil, fmt.Errorf("scan meta: %w", err)
		}

		meta[name] = value
	}

	err = errors.Join(rows.Err(), rows.Close())
	if err != nil {
		return nil, fmt.Errorf("read meta: %w", err)
	}

	return meta, nil
}

func parseMetaUint(meta map[string]string, name string, bits int) (uint64, error) {
	s, ok := meta[name]
	if !ok {
		return 0, nil
	}

	v, err := strconv.ParseUint(s, 10, bits)
	if err != nil {
		return 0, fmt.Errorf("meta %s=%q: %w", name, s, err)
	}

	return v, nil
}

// saveState replaces the persisted map with st in one transaction.
func saveState(ctx context.Context, db *sql.DB, st state) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save txn: %w", err)
	}

	committed := false

	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	for _, stmt := range []string{"DELETE FROM record_files", "DELETE FROM records", "DELETE FROM file_times"} {
		_, err = tx.ExecContext(ctx, stmt)
		if err != nil {
			return fmt.Errorf("clear tables: %w", err)
		}
	}

	insertRecord, err := tx.PrepareContext(ctx,
		`INSERT INTO records (key, file_name_base, blob, ts) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare record insert: %w", err)
	}

	defer func() { _ = insertRecord.Close() }()

	insertFile, err := tx.PrepareContext(ctx, `INSERT INTO record_files (key, path) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare record file insert: %w", err)
	}

	defer func() { _ = insertFile.Close() }()

	for key, rec := range st.records {
		_, err = insertRecord.ExecContext(ctx, key, rec.FileNameBase, rec.Blob, int64(rec.TimeStamp))
		if err != nil {
			return fmt.Errorf("insert record %s: %w", key, err)
		}

		for _, path := range rec.Files {
			_, err = insertFile.ExecContext(ctx, key, path)
			if err != nil {
				return fmt.Errorf("insert record file %s for %s: %w", path, key, err)
			}
		}
	}

	insertTime, err := tx.PrepareContext(ctx, `INSERT INTO file_times (mtime_ns, ts) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare file time insert: %w", err)
	}

	defer func() { _ = insertTime.Close() }()

	for mtime, ts := range st.ft2ts {
		_, err = insertTime.ExecContext(ctx, mtime, int64(ts))
		if err != nil {
			return fmt.Errorf("insert file time: %w", err)
		}
	}

	meta := map[string]string{
		"generation":  st.generation,
		"now":         strconv.FormatUint(uint64(st.now), 10),
		"last_stream": strconv.FormatUint(uint64(st.lastStream), 10),
	}

	for name, value := range meta {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO meta (name, value) VALUES (?, ?) ON CONFLICT(name) DO UPDATE SET value = excluded.value`,
			name, value)
		if err != nil {
			return fmt.Errorf("update meta %s: %w", name, err)
		}
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("commit save txn: %w", err)
	}

	committed = true

	return nil
}
