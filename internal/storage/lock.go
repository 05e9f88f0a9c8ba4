package storage

import (
	"fmt"
	"os"
	"sync"
	"syscall"

	"github.com/carapace-run/carapace/internal/logging"
)

// lockSuffix is appended to a session file's path to name its sibling
// flock file, e.g. "state.yaml" -> "state.yaml.lock".
const lockSuffix = ".lock"

// FileLock serializes writes to one session file (state.yaml,
// history.json, usage.json, or events.json — §6) across goroutines in
// this process via an in-memory mutex, and across processes sharing
// the same data directory via flock on a sibling ".lock" file. Store
// holds one FileLock per path (getLock), not per session, since
// AppendEvent's read-modify-write must not interleave with a
// concurrent SaveHistory/SaveState/SaveUsage to the same file even
// though those write different files under the same session.
type FileLock struct {
	path string
	file *os.File
	mu   sync.Mutex
}

// NewFileLock returns a lock guarding path (the session file itself,
// not the ".lock" sibling).
func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// Lock blocks until the exclusive flock on path's ".lock" sibling is
// held.
func (l *FileLock) Lock() error {
	l.mu.Lock()

	var err error
	l.file, err = os.OpenFile(l.path+lockSuffix, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		l.mu.Unlock()
		return fmt.Errorf("storage: open lock file: %w", err)
	}

	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_EX); err != nil {
		l.file.Close()
		l.mu.Unlock()
		return fmt.Errorf("storage: flock: %w", err)
	}

	return nil
}

// Unlock releases the flock and removes the ".lock" sibling file.
// Safe to call on a lock that was never successfully acquired.
func (l *FileLock) Unlock() error {
	if l.file == nil {
		return nil
	}

	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		logging.Warn().Err(err).Str("path", l.path).Msg("storage: flock release failed")
	}
	l.file.Close()
	if err := os.Remove(l.path + lockSuffix); err != nil && !os.IsNotExist(err) {
		logging.Warn().Err(err).Str("path", l.path).Msg("storage: lock file cleanup failed")
	}

	l.file = nil
	l.mu.Unlock()

	return nil
}
