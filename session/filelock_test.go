package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fastLockOptions keeps lock contention tests quick.
var fastLockOptions = lockOptions{
	maxRetries: 20,
	retryDelay: 10 * time.Millisecond,
	staleAfter: 30 * time.Second,
}

func TestFileLock_BasicAcquireRelease(t *testing.T) {
	testFile := filepath.Join(t.TempDir(), "session.json")

	lock, err := acquireFileLock(context.Background(), testFile, defaultLockOptions)
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}

	lockPath := testFile + ".lock"
	if _, err := os.Stat(lockPath); os.IsNotExist(err) {
		t.Errorf("Lock file was not created")
	}

	if err := lock.release(); err != nil {
		t.Errorf("Failed to release lock: %v", err)
	}

	if _, err := os.Stat(lockPath); !os.IsNotExist(err) {
		t.Errorf("Lock file was not removed after release")
	}
}

func TestFileLock_ConcurrentAccess(t *testing.T) {
	testFile := filepath.Join(t.TempDir(), "session.json")

	const goroutines = 8
	const iterations = 4

	var (
		holders      atomic.Int32
		successCount atomic.Int32
		wg           sync.WaitGroup
	)

	wg.Add(goroutines)
	for i := range goroutines {
		go func(id int) {
			defer wg.Done()

			for j := range iterations {
				lock, err := acquireFileLock(context.Background(), testFile, defaultLockOptions)
				if err != nil {
					t.Errorf("Goroutine %d iteration %d: Failed to acquire lock: %v", id, j, err)
					return
				}

				if n := holders.Add(1); n != 1 {
					t.Errorf("Goroutine %d: %d holders inside the critical section", id, n)
				}
				time.Sleep(2 * time.Millisecond)
				holders.Add(-1)
				successCount.Add(1)

				if err := lock.release(); err != nil {
					t.Errorf("Goroutine %d iteration %d: Failed to release lock: %v", id, j, err)
					return
				}
			}
		}(i)
	}

	wg.Wait()

	expected := int32(goroutines * iterations)
	if successCount.Load() != expected {
		t.Errorf("Expected %d successful operations, got %d", expected, successCount.Load())
	}

	if _, err := os.Stat(testFile + ".lock"); !os.IsNotExist(err) {
		t.Errorf("Lock file still exists after all goroutines finished")
	}
}

func TestFileLock_StaleLockCleanup(t *testing.T) {
	testFile := filepath.Join(t.TempDir(), "session.json")
	lockPath := testFile + ".lock"

	staleLock, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("Failed to create stale lock: %v", err)
	}
	staleLock.Close()

	staleTime := time.Now().Add(-35 * time.Second)
	if err := os.Chtimes(lockPath, staleTime, staleTime); err != nil {
		t.Fatalf("Failed to set stale lock time: %v", err)
	}

	lock, err := acquireFileLock(context.Background(), testFile, fastLockOptions)
	if err != nil {
		t.Fatalf("Failed to acquire lock after stale lock: %v", err)
	}
	defer lock.release()

	if lock.lockFile == nil {
		t.Errorf("Lock file handle is nil")
	}
}

func TestFileLock_BlockedByActiveLock(t *testing.T) {
	testFile := filepath.Join(t.TempDir(), "session.json")

	lock1, err := acquireFileLock(context.Background(), testFile, defaultLockOptions)
	if err != nil {
		t.Fatalf("Failed to acquire first lock: %v", err)
	}

	errChan := make(chan error, 1)
	go func() {
		lock2, err := acquireFileLock(context.Background(), testFile, defaultLockOptions)
		if err != nil {
			errChan <- err
			return
		}
		lock2.release()
		errChan <- nil
	}()

	time.Sleep(200 * time.Millisecond)

	select {
	case <-errChan:
		t.Errorf("Second lock acquired while first lock was active")
	default:
	}

	lock1.release()

	select {
	case err := <-errChan:
		if err != nil {
			t.Errorf("Second lock failed after first lock released: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Errorf("Second lock timed out after first lock released")
	}
}

func TestFileLock_Timeout(t *testing.T) {
	testFile := filepath.Join(t.TempDir(), "session.json")
	lockPath := testFile + ".lock"

	freshLock, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("Failed to create fresh lock: %v", err)
	}
	freshLock.Close()

	start := time.Now()
	_, err = acquireFileLock(context.Background(), testFile, fastLockOptions)
	duration := time.Since(start)

	if err == nil {
		t.Fatal("Expected timeout error, but lock was acquired")
	}

	// 20 retries * 10ms
	if duration < 150*time.Millisecond || duration > 2*time.Second {
		t.Errorf("Expected timeout around 200ms, got %v", duration)
	}
}

func TestFileLock_ContextCancelled(t *testing.T) {
	testFile := filepath.Join(t.TempDir(), "session.json")

	held, err := acquireFileLock(context.Background(), testFile, defaultLockOptions)
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	defer held.release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = acquireFileLock(ctx, testFile, defaultLockOptions)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected context.DeadlineExceeded in error chain, got: %v", err)
	}
}

func TestFileLock_MultipleReleases(t *testing.T) {
	testFile := filepath.Join(t.TempDir(), "session.json")

	lock, err := acquireFileLock(context.Background(), testFile, defaultLockOptions)
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}

	if err := lock.release(); err != nil {
		t.Errorf("First release failed: %v", err)
	}

	// Second release must not panic; the lock file is already gone.
	if err := lock.release(); err == nil {
		t.Errorf("Second release returned nil, expected not-exist error")
	}
}

func BenchmarkFileLock_AcquireRelease(b *testing.B) {
	testFile := filepath.Join(b.TempDir(), "session.json")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		lock, err := acquireFileLock(context.Background(), testFile, defaultLockOptions)
		if err != nil {
			b.Fatalf("Failed to acquire lock: %v", err)
		}
		if err := lock.release(); err != nil {
			b.Fatalf("Failed to release lock: %v", err)
		}
	}
}
