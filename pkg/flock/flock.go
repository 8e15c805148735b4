// Package `flock` wraps syscall `flock(2)`.
//
// A `Flock` can be opened on a file or a directory.  `TryLock()` polls a
// non-blocking exclusive lock until it succeeds or the context is done, so
// callers control the total wait with a context deadline.
package flock

import (
	"context"
	"errors"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

var ErrNoLock = errors.New("did not acquire lock")

type Flock struct {
	fp *os.File
}

func Open(path string) (*Flock, error) {
	fp, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &Flock{fp: fp}, nil
}

func (lk *Flock) Close() {
	_ = lk.fp.Close()
}

func (lk *Flock) TryLock(ctx context.Context, retryDelay time.Duration) error {
	for {
		err := lk.sysTryLock()
		switch err {
		case nil:
			return nil
		case ErrNoLock: // retry
		default:
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryDelay):
			// retry
		}
	}
}

func (lk *Flock) Unlock() error {
	return lk.sysUnlock()
}

func (lk *Flock) sysTryLock() error {
	fd := int(lk.fp.Fd())
	err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB)
	switch err {
	case nil:
		return nil
	case unix.EWOULDBLOCK:
		return ErrNoLock
	default:
		return err
	}
}

func (lk *Flock) sysUnlock() error {
	fd := int(lk.fp.Fd())
	return unix.Flock(fd, unix.LOCK_UN)
}
