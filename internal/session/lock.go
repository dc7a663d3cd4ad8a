package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// Lock is an exclusive cross-process lock on one session id.
type Lock struct {
	file *os.File
}

func openLockFile(dir, sessionID string) (*os.File, error) {
	if sessionID == "" || strings.ContainsAny(sessionID, `/\`) || sessionID == ".." {
		return nil, fmt.Errorf("invalid session id %q", sessionID)
	}
	locksDir := filepath.Join(dir, "locks")
	if err := os.MkdirAll(locksDir, 0o755); err != nil {
		return nil, fmt.Errorf("create locks dir: %w", err)
	}
	file, err := os.OpenFile(filepath.Join(locksDir, sessionID+".lock"), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	return file, nil
}

// AcquireLock blocks until the lock for sessionID under dir is held.
func AcquireLock(dir, sessionID string) (*Lock, error) {
	file, err := openLockFile(dir, sessionID)
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("lock session %s: %w", sessionID, err)
	}
	return &Lock{file: file}, nil
}

// TryAcquireLock takes the lock without blocking. It reports false when
// another process holds it.
func TryAcquireLock(dir, sessionID string) (*Lock, bool, error) {
	file, err := openLockFile(dir, sessionID)
	if err != nil {
		return nil, false, err
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = file.Close()
		return nil, false, nil
	}
	return &Lock{file: file}, true, nil
}

// Release releases the lock.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		_ = l.file.Close()
		return err
	}
	return l.file.Close()
}
