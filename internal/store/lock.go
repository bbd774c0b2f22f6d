package store

import (
	"fmt"
	"os"
	"syscall"
	"time"
)

// fileLock is a filesystem advisory lock. flock(2) gives cross-process mutual
// exclusion on the same host; cross-host locking is out of scope.
type fileLock struct {
	f *os.File
}

const lockAcquireTimeout = 10 * time.Second

// acquireLock blocks until the lock is held or the timeout elapses. A timeout
// surfaces as ErrLocked so callers can report the conflict instead of hanging.
func acquireLock(path string) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(lockAcquireTimeout)
	for {
		err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			return &fileLock{f: f}, nil
		}
		if err != syscall.EWOULDBLOCK && err != syscall.EAGAIN {
			_ = f.Close()
			return nil, fmt.Errorf("flock %s: %w", path, err)
		}
		if time.Now().After(deadline) {
			_ = f.Close()
			return nil, fmt.Errorf("%w: %s", ErrLocked, path)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func (l *fileLock) release() {
	if l == nil || l.f == nil {
		return
	}
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	_ = l.f.Close()
	l.f = nil
}
