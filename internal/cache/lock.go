package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/Norgate-AV/sbfbuild/internal/codes"
)

// lockPollInterval is how often a blocked Lock retries the advisory lock
const lockPollInterval = 100 * time.Millisecond

const lockSuffix = ".lock"

// FileLock is a held advisory lock on a cache entry
type FileLock struct {
	f *os.File
}

// Unlock releases the lock and closes the lock file
func (l *FileLock) Unlock() error {
	if l == nil || l.f == nil {
		return nil
	}

	err := unlockFile(l.f)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil

	return err
}

// LockPath returns the lock file guarding version and platform
func (s *Store) LockPath(version, platform string) string {
	return filepath.Join(s.root, version, "."+platform+lockSuffix)
}

// Lock takes the exclusive per-version lock used to serialise installs.
// It waits until the lock is free or ctx is done.
func (s *Store) Lock(ctx context.Context, version, platform string) (*FileLock, error) {
	return s.lock(ctx, version, platform, true)
}

// Acquire takes a shared lock on an installed entry for the duration of a build.
// Prune skips entries held this way.
func (s *Store) Acquire(ctx context.Context, entry Entry) (*FileLock, error) {
	return s.lock(ctx, entry.Version, entry.Platform, false)
}

// TryLock takes the exclusive lock without waiting. It returns nil, nil if the lock is held elsewhere.
func (s *Store) TryLock(version, platform string) (*FileLock, error) {
	f, err := s.openLockFile(version, platform)
	if err != nil {
		return nil, err
	}

	ok, err := tryLockFile(f, true)
	if err != nil || !ok {
		f.Close()
		if err != nil {
			return nil, codes.Errorf(codes.KindIO, "lock", "failed to lock %s: %w", f.Name(), err)
		}
		return nil, nil
	}

	// Prune removed the lock file after we opened it; the lock guards nothing
	if !s.lockCurrent(f, version, platform) {
		_ = unlockFile(f)
		f.Close()
		return nil, nil
	}

	return &FileLock{f: f}, nil
}

func (s *Store) lock(ctx context.Context, version, platform string, exclusive bool) (*FileLock, error) {
	f, err := s.openLockFile(version, platform)
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()

	waiting := false
	for {
		ok, err := tryLockFile(f, exclusive)
		if err != nil {
			f.Close()
			return nil, codes.Errorf(codes.KindIO, "lock", "failed to lock %s: %w", f.Name(), err)
		}

		if ok {
			if s.lockCurrent(f, version, platform) {
				return &FileLock{f: f}, nil
			}

			// The lock file was pruned while we waited; lock the new one
			_ = unlockFile(f)
			f.Close()
			if f, err = s.openLockFile(version, platform); err != nil {
				return nil, err
			}
			continue
		}

		if !waiting {
			s.log.Info("waiting for another process to finish with the toolchain",
				zap.String("version", version),
				zap.String("platform", platform))
			waiting = true
		}

		select {
		case <-ctx.Done():
			f.Close()
			return nil, codes.New(codes.KindInterrupted, "lock", fmt.Errorf("waiting for toolchain lock: %w", ctx.Err()))
		case <-ticker.C:
		}
	}
}

// lockCurrent reports whether f is still the file at the lock path
func (s *Store) lockCurrent(f *os.File, version, platform string) bool {
	held, err := f.Stat()
	if err != nil {
		return false
	}

	current, err := os.Stat(s.LockPath(version, platform))
	if err != nil {
		return false
	}

	return os.SameFile(held, current)
}

func (s *Store) openLockFile(version, platform string) (*os.File, error) {
	if err := validateKey(version, platform); err != nil {
		return nil, err
	}

	path := s.LockPath(version, platform)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, codes.Errorf(codes.KindIO, "lock", "failed to create lock directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, codes.Errorf(codes.KindIO, "lock", "failed to open lock file: %w", err)
	}

	return f, nil
}
