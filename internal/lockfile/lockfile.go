// Package lockfile provides advisory inter-process locks backed by a file.
package lockfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
)

// ErrAlreadyLocked indicates the lock is held by another process.
var ErrAlreadyLocked = errors.New("lock already held")

const retryInterval = 25 * time.Millisecond

type Lock struct {
	path string
	f    *os.File
}

// Acquire takes the lock at path without waiting.
func Acquire(path string) (*Lock, error) {
	if path == "" {
		return nil, errors.New("lock path is empty")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		return nil, err
	}
	_ = f.Truncate(0)
	_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
	return &Lock{path: path, f: f}, nil
}

// AcquireContext retries Acquire while another process holds the lock, until ctx is
// done. Errors other than ErrAlreadyLocked are returned immediately.
func AcquireContext(ctx context.Context, path string) (*Lock, error) {
	t := time.NewTicker(retryInterval)
	defer t.Stop()
	for {
		l, err := Acquire(path)
		if !errors.Is(err, ErrAlreadyLocked) {
			return l, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %w", ErrAlreadyLocked, path, ctx.Err())
		case <-t.C:
		}
	}
}

func (l *Lock) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	unlockErr := unlockFile(l.f)
	closeErr := l.f.Close()
	l.f = nil
	return errors.Join(unlockErr, closeErr)
}
