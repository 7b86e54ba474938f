package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRedis implements Client with in-memory keys, enough to exercise
// acquisition, contention, and value-checked release.
type fakeRedis struct {
	mu     sync.Mutex
	values map[string]string
	setErr error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{values: make(map[string]string)}
}

func (f *fakeRedis) SetNX(ctx context.Context, key string, value interface{}, _ time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return redis.NewBoolResult(false, f.setErr)
	}
	if _, held := f.values[key]; held {
		return redis.NewBoolResult(false, nil)
	}
	f.values[key] = value.(string)
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := keys[0]
	token := args[0].(string)
	if f.values[key] != token {
		return redis.NewCmdResult(int64(0), nil)
	}
	if script == releaseScript {
		delete(f.values, key)
	}
	return redis.NewCmdResult(int64(1), nil)
}

func TestAcquireAndRelease(t *testing.T) {
	fake := newFakeRedis()
	locker := NewLocker(fake)

	lock, err := locker.Acquire(context.Background(), []string{"publisher_manager_lock"}, Options{})
	require.NoError(t, err)
	require.NotNil(t, lock)

	require.NoError(t, lock.Release(context.Background()))
	assert.Empty(t, fake.values, "released lock must free the key")
}

func TestAcquireContended(t *testing.T) {
	fake := newFakeRedis()
	locker := NewLocker(fake)

	first, err := locker.Acquire(context.Background(), []string{"publisher_manager_lock"}, Options{})
	require.NoError(t, err)
	defer func() { _ = first.Release(context.Background()) }()

	_, err = locker.Acquire(context.Background(), []string{"publisher_manager_lock"}, Options{})
	assert.ErrorIs(t, err, ErrContended)
}

func TestMutualExclusionUnderConcurrency(t *testing.T) {
	fake := newFakeRedis()
	locker := NewLocker(fake)

	var acquired int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lock, err := locker.Acquire(context.Background(), []string{"key"}, Options{})
			if err == nil {
				mu.Lock()
				acquired++
				mu.Unlock()
				_ = lock.Release(context.Background())
				return
			}
			assert.ErrorIs(t, err, ErrContended)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, acquired, 1, "one process must win")
}

func TestReleaseIsIdempotent(t *testing.T) {
	fake := newFakeRedis()
	locker := NewLocker(fake)

	lock, err := locker.Acquire(context.Background(), []string{"key"}, Options{})
	require.NoError(t, err)

	require.NoError(t, lock.Release(context.Background()))
	require.NoError(t, lock.Release(context.Background()))
}

func TestReleaseDoesNotStealReacquiredLock(t *testing.T) {
	fake := newFakeRedis()
	locker := NewLocker(fake)

	first, err := locker.Acquire(context.Background(), []string{"key"}, Options{})
	require.NoError(t, err)
	require.NoError(t, first.Release(context.Background()))

	second, err := locker.Acquire(context.Background(), []string{"key"}, Options{})
	require.NoError(t, err)

	// The old handle must not release the new holder's key.
	require.NoError(t, first.Release(context.Background()))
	fake.mu.Lock()
	_, stillHeld := fake.values["key"]
	fake.mu.Unlock()
	assert.True(t, stillHeld)

	require.NoError(t, second.Release(context.Background()))
}

func TestPartialAcquisitionRollsBack(t *testing.T) {
	fake := newFakeRedis()
	locker := NewLocker(fake)

	blocker, err := locker.Acquire(context.Background(), []string{"key-b"}, Options{})
	require.NoError(t, err)
	defer func() { _ = blocker.Release(context.Background()) }()

	_, err = locker.Acquire(context.Background(), []string{"key-a", "key-b"}, Options{})
	require.ErrorIs(t, err, ErrContended)

	fake.mu.Lock()
	_, aHeld := fake.values["key-a"]
	fake.mu.Unlock()
	assert.False(t, aHeld, "partially taken keys must be rolled back")
}

func TestAcquireTransportError(t *testing.T) {
	fake := newFakeRedis()
	fake.setErr = errors.New("connection refused")
	locker := NewLocker(fake)

	_, err := locker.Acquire(context.Background(), []string{"key"}, Options{})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrContended)
}
