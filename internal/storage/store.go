// Package storage owns the durable store: a single SQLite file opened twice,
// once as a bounded read pool and once as a single-connection write engine.
// Every mutation in the process flows through the WriterQueue; reads run on
// snapshot isolation concurrent with the one in-flight writer.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// driverName is the database/sql driver registered by mattn/go-sqlite3.
const driverName = "sqlite3"

// Store bundles the two engines over one SQLite file. Reads go through
// Read(); writes are only legitimate through a WriterQueue built on Write().
type Store struct {
	read   *sql.DB
	write  *sql.DB
	path   string
	lock   *lockFile
	log    zerolog.Logger
	closed atomic.Bool
}

// Options tunes Open. The zero value is usable.
type Options struct {
	// Log receives open/close/migration events. Defaults to a nop logger.
	Log *zerolog.Logger
	// ReadPoolSize bounds the read pool. Defaults to runtime.NumCPU().
	ReadPoolSize int
}

// Open opens the store file, acquires its lockfile, applies the required
// pragmas, and brings the schema up to date. The write engine is pinned to
// one connection with immediate-lock transactions so write contention
// surfaces deterministically instead of queueing inside SQLite.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	log := zerolog.Nop()
	if opts.Log != nil {
		log = *opts.Log
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	lock, err := acquireLock(path + ".lock")
	if err != nil {
		return nil, err
	}

	write, err := sql.Open(driverName, dsn(path, true))
	if err != nil {
		lock.release()
		return nil, fmt.Errorf("open write engine: %w", err)
	}
	// Exactly one writer connection; BEGIN IMMEDIATE comes from the DSN.
	write.SetMaxOpenConns(1)
	write.SetMaxIdleConns(1)
	write.SetConnMaxLifetime(0)

	if err := write.PingContext(ctx); err != nil {
		_ = write.Close()
		lock.release()
		return nil, fmt.Errorf("ping write engine: %w", err)
	}

	if _, err := write.ExecContext(ctx, schema); err != nil {
		_ = write.Close()
		lock.release()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	if err := runMigrations(ctx, write); err != nil {
		_ = write.Close()
		lock.release()
		return nil, err
	}

	read, err := sql.Open(driverName, dsn(path, false))
	if err != nil {
		_ = write.Close()
		lock.release()
		return nil, fmt.Errorf("open read pool: %w", err)
	}
	poolSize := opts.ReadPoolSize
	if poolSize <= 0 {
		poolSize = runtime.NumCPU()
	}
	read.SetMaxOpenConns(poolSize)
	read.SetMaxIdleConns(poolSize)
	read.SetConnMaxLifetime(0)

	if err := read.PingContext(ctx); err != nil {
		_ = read.Close()
		_ = write.Close()
		lock.release()
		return nil, fmt.Errorf("ping read pool: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	log.Debug().Str("path", abs).Int("read_pool", poolSize).Msg("store open")

	return &Store{
		read:  read,
		write: write,
		path:  abs,
		lock:  lock,
		log:   log,
	}, nil
}

// dsn builds the mattn/go-sqlite3 connection string. Both engines share the
// WAL + NORMAL + foreign-keys + 5s busy-timeout configuration; only the
// write engine opens transactions with an immediate lock.
func dsn(path string, writeEngine bool) string {
	v := url.Values{}
	v.Set("_journal_mode", "WAL")
	v.Set("_synchronous", "NORMAL")
	v.Set("_foreign_keys", "on")
	v.Set("_busy_timeout", "5000")
	if writeEngine {
		v.Set("_txlock", "immediate")
	}
	return "file:" + path + "?" + v.Encode()
}

// Read returns the read pool. Callers must not issue writes on it.
func (s *Store) Read() *sql.DB {
	return s.read
}

// Write returns the single-connection write engine. Only the WriterQueue
// should touch it; repositories receive transactions, never this handle.
func (s *Store) Write() *sql.DB {
	return s.write
}

// Path returns the absolute store file path.
func (s *Store) Path() string {
	return s.path
}

// IsClosed reports whether Close has been called.
func (s *Store) IsClosed() bool {
	return s.closed.Load()
}

// Close checkpoints the WAL so no writes are stranded in the -wal file,
// closes both engines, and releases the lockfile.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	// Checkpoint through the write engine; readers may already be gone.
	_, _ = s.write.Exec("PRAGMA wal_checkpoint(TRUNCATE)")

	var firstErr error
	if err := s.read.Close(); err != nil {
		firstErr = fmt.Errorf("close read pool: %w", err)
	}
	if err := s.write.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close write engine: %w", err)
	}
	if err := s.lock.release(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("release lockfile: %w", err)
	}
	s.log.Debug().Str("path", s.path).Msg("store closed")
	return firstErr
}
