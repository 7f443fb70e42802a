package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
)

// lockOptions controls how long acquireFileLock keeps trying and when an
// existing lock file is considered abandoned.
type lockOptions struct {
	maxRetries int
	retryDelay time.Duration
	staleAfter time.Duration
}

var defaultLockOptions = lockOptions{
	maxRetries: 50,
	retryDelay: 100 * time.Millisecond,
	staleAfter: 30 * time.Second,
}

// fileLock is an exclusive lock held through a sibling "<path>.lock" file.
type fileLock struct {
	lockFile *os.File
	lockPath string
}

// acquireFileLock takes the lock guarding filePath, so that several processes
// sharing one token file never interleave their read-modify-write cycles.
func acquireFileLock(ctx context.Context, filePath string, opts lockOptions) (*fileLock, error) {
	lockPath := filePath + ".lock"

	for range opts.maxRetries {
		lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			// PID helps when debugging a lock left behind by a crashed process
			fmt.Fprintf(lockFile, "%d", os.Getpid())
			return &fileLock{lockFile: lockFile, lockPath: lockPath}, nil
		}

		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("failed to acquire file lock: %w", err)
		}

		if info, statErr := os.Stat(lockPath); statErr == nil &&
			time.Since(info.ModTime()) > opts.staleAfter {
			if remErr := os.Remove(lockPath); remErr != nil && !errors.Is(remErr, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to remove stale lock file %s: %w", lockPath, remErr)
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for file lock: %w", ctx.Err())
		case <-time.After(opts.retryDelay):
		}
	}

	return nil, fmt.Errorf(
		"timeout waiting for file lock after %v",
		time.Duration(opts.maxRetries)*opts.retryDelay,
	)
}

// release drops the lock. A second call returns the os.Remove error.
func (fl *fileLock) release() error {
	if fl.lockFile != nil {
		fl.lockFile.Close()
		fl.lockFile = nil
	}
	return os.Remove(fl.lockPath)
}
