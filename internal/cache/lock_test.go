package cache

import (
	"context"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Norgate-AV/sbfbuild/internal/codes"
)

func TestStore_LockExcludesTryLock(t *testing.T) {
	s := newTestStore(t)

	lock, err := s.Lock(context.Background(), "v1.43", testPlatform)
	require.NoError(t, err)

	other, err := s.TryLock("v1.43", testPlatform)
	require.NoError(t, err)
	assert.Nil(t, other, "exclusive lock must not be granted twice")

	// Other versions are independent
	unrelated, err := s.TryLock("v1.42", testPlatform)
	require.NoError(t, err)
	require.NotNil(t, unrelated)
	require.NoError(t, unrelated.Unlock())

	require.NoError(t, lock.Unlock())

	again, err := s.TryLock("v1.43", testPlatform)
	require.NoError(t, err)
	require.NotNil(t, again)
	require.NoError(t, again.Unlock())
}

func TestStore_AcquireIsShared(t *testing.T) {
	s := newTestStore(t)
	entry := Entry{Version: "v1.43", Platform: testPlatform}

	first, err := s.Acquire(context.Background(), entry)
	require.NoError(t, err)
	second, err := s.Acquire(context.Background(), entry)
	require.NoError(t, err)

	excl, err := s.TryLock("v1.43", testPlatform)
	require.NoError(t, err)
	assert.Nil(t, excl, "shared holders must block exclusive access")

	require.NoError(t, first.Unlock())
	require.NoError(t, second.Unlock())
}

func TestStore_LockWaitsForRelease(t *testing.T) {
	s := newTestStore(t)

	held, err := s.Lock(context.Background(), "v1.43", testPlatform)
	require.NoError(t, err)

	var acquired atomic.Bool
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		lock, err := s.Lock(context.Background(), "v1.43", testPlatform)
		if assert.NoError(t, err) {
			acquired.Store(true)
			_ = lock.Unlock()
		}
	}()

	time.Sleep(3 * lockPollInterval)
	assert.False(t, acquired.Load(), "second locker must wait")

	require.NoError(t, held.Unlock())
	wg.Wait()
	assert.True(t, acquired.Load())
}

func TestStore_LockHonoursContext(t *testing.T) {
	s := newTestStore(t)

	held, err := s.Lock(context.Background(), "v1.43", testPlatform)
	require.NoError(t, err)
	defer held.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*lockPollInterval)
	defer cancel()

	_, err = s.Lock(ctx, "v1.43", testPlatform)
	require.Error(t, err)
	assert.Equal(t, codes.KindInterrupted, codes.KindOf(err))
}

func TestStore_LockFollowsRemovedLockFile(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("open files cannot be removed on windows")
	}

	s := newTestStore(t)

	stale, err := s.openLockFile("v1.43", testPlatform)
	require.NoError(t, err)
	defer stale.Close()

	require.NoError(t, os.Remove(s.LockPath("v1.43", testPlatform)))
	assert.False(t, s.lockCurrent(stale, "v1.43", testPlatform))

	lock, err := s.Lock(context.Background(), "v1.43", testPlatform)
	require.NoError(t, err)
	defer lock.Unlock()

	assert.True(t, s.lockCurrent(lock.f, "v1.43", testPlatform))
	assert.FileExists(t, s.LockPath("v1.43", testPlatform))
}

func TestFileLock_UnlockNil(t *testing.T) {
	var l *FileLock
	assert.NoError(t, l.Unlock())
}
