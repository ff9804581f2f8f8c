// Package lock provides advisory, file-based mutual exclusion.
//
// A lock is a sidecar file created with O_EXCL under a dedicated directory.
// It only constrains participants that go through a Locker: a person moving
// documents with a file manager bypasses it entirely, and that is part of
// the contract rather than a bug.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var ErrLockContention = errors.New("lock contention")

// ContentionError is returned when a lock could not be acquired within the
// retry budget.
type ContentionError struct {
	Key      string
	Attempts int
}

func (e *ContentionError) Error() string {
	return fmt.Sprintf("%s: %s not acquired after %d attempts", ErrLockContention, e.Key, e.Attempts)
}

func (e *ContentionError) Unwrap() error { return ErrLockContention }

const (
	DefaultStaleAfter = 10 * time.Second
	DefaultRetries    = 10
	DefaultRetryDelay = 50 * time.Millisecond
)

// Locker hands out locks keyed by document file name.
type Locker struct {
	Dir        string
	StaleAfter time.Duration
	Retries    int
	RetryDelay time.Duration
}

func New(dir string) *Locker {
	return &Locker{
		Dir:        dir,
		StaleAfter: DefaultStaleAfter,
		Retries:    DefaultRetries,
		RetryDelay: DefaultRetryDelay,
	}
}

// Lock is a held lock. Release is idempotent.
type Lock struct {
	path     string
	released bool
}

func (l *Locker) path(key string) string {
	key = strings.ReplaceAll(filepath.Base(key), string(os.PathSeparator), "_")
	return filepath.Join(l.Dir, key+".lock")
}

// Acquire takes the lock for key, retrying while it is held and breaking it
// once it is older than StaleAfter.
func (l *Locker) Acquire(ctx context.Context, key string) (*Lock, error) {
	if err := os.MkdirAll(l.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	path := l.path(key)
	retries := l.Retries
	if retries <= 0 {
		retries = DefaultRetries
	}

	attempts := 0
	for {
		attempts++
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			fmt.Fprintf(f, "%d %s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339Nano))
			f.Close()
			return &Lock{path: path}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create lock file: %w", err)
		}

		if l.breakIfStale(path) {
			continue
		}

		if attempts > retries {
			return nil, &ContentionError{Key: key, Attempts: attempts}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retryDelay()):
		}
	}
}

func (l *Locker) retryDelay() time.Duration {
	if l.RetryDelay <= 0 {
		return DefaultRetryDelay
	}
	return l.RetryDelay
}

func (l *Locker) breakIfStale(path string) bool {
	staleAfter := l.StaleAfter
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	info, err := os.Stat(path)
	if err != nil {
		// Released between our create attempt and the stat.
		return errors.Is(err, os.ErrNotExist)
	}
	if time.Since(info.ModTime()) < staleAfter {
		return false
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return false
	}
	slog.Warn("broke stale lock", "path", path, "age", time.Since(info.ModTime()).Round(time.Millisecond))
	return true
}

// Release removes the lock file.
func (k *Lock) Release() error {
	if k == nil || k.released {
		return nil
	}
	k.released = true
	if err := os.Remove(k.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// WithLock runs fn while holding the lock for key.
func (l *Locker) WithLock(ctx context.Context, key string, fn func() error) error {
	k, err := l.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer func() {
		if err := k.Release(); err != nil {
			slog.Warn("failed to release lock", "key", key, "error", err)
		}
	}()
	return fn()
}
