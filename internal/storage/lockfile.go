package storage

import (
	"fmt"
	"os"
	"strconv"
)

// lockFile is an advisory exclusive lock making single-process store
// ownership explicit. Contention at open is a startup error, not a wait.
type lockFile struct {
	f    *os.File
	path string
}

// acquireLock opens (creating if needed) the lock path and takes an
// exclusive non-blocking lock. The holder's pid is written for diagnostics.
func acquireLock(path string) (*lockFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lockfile %s: %w", path, err)
	}
	if err := flockExclusive(f); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("lockfile %s: %w", path, err)
	}
	_ = f.Truncate(0)
	_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	return &lockFile{f: f, path: path}, nil
}

// release unlocks and removes the lockfile. Safe to call once.
func (l *lockFile) release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := flockUnlock(l.f)
	cerr := l.f.Close()
	_ = os.Remove(l.path)
	l.f = nil
	if err != nil {
		return err
	}
	return cerr
}
