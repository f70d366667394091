package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catstream/relay-core/internal/storage"
	"github.com/catstream/relay-core/internal/storage/memory"
)

func TestAcquireRelease(t *testing.T) {
	ctx := context.Background()
	l := NewLocker(memory.New())

	ok, err := l.Acquire(ctx, "lock:res", "token-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// 已被持有时获取失败
	ok, err = l.Acquire(ctx, "lock:res", "token-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// 错误令牌不释放
	released, err := l.Release(ctx, "lock:res", "token-b")
	require.NoError(t, err)
	assert.False(t, released)

	// 正确令牌释放
	released, err = l.Release(ctx, "lock:res", "token-a")
	require.NoError(t, err)
	assert.True(t, released)

	// 重复释放失败（锁已不存在）
	released, err = l.Release(ctx, "lock:res", "token-a")
	require.NoError(t, err)
	assert.False(t, released)
}

func TestAcquireEmptyToken(t *testing.T) {
	l := NewLocker(memory.New())
	_, err := l.Acquire(context.Background(), "lock:res", "", time.Minute)
	assert.ErrorIs(t, err, storage.ErrInvalidArgument)
}

func TestAcquireToken(t *testing.T) {
	ctx := context.Background()
	l := NewLocker(memory.New())

	result, err := l.AcquireToken(ctx, "lock:res", time.Minute)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.NotEmpty(t, result.Token)

	// 铸造的令牌可用于释放
	released, err := l.Release(ctx, "lock:res", result.Token)
	require.NoError(t, err)
	assert.True(t, released)
}

func TestExpiredLockCanBeReacquired(t *testing.T) {
	ctx := context.Background()
	clock := time.Unix(1700000000, 0)
	store := memory.New(memory.WithClock(func() time.Time { return clock }))
	l := NewLocker(store)

	ok, err := l.Acquire(ctx, "lock:res", "token-a", 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// 过期后他人可获取；原持有者的释放不会误删新锁
	clock = clock.Add(11 * time.Second)
	ok, err = l.Acquire(ctx, "lock:res", "token-b", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	released, err := l.Release(ctx, "lock:res", "token-a")
	require.NoError(t, err)
	assert.False(t, released)

	v, err := store.Get(ctx, "lock:res")
	require.NoError(t, err)
	assert.Equal(t, "token-b", v)
}

func TestTryWithRetry(t *testing.T) {
	ctx := context.Background()
	l := NewLocker(memory.New())

	// 空闲时第一次就成功
	token, err := l.TryWithRetry(ctx, "lock:res", time.Minute, 3, time.Millisecond)
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	// 被占用时重试耗尽后失败
	_, err = l.TryWithRetry(ctx, "lock:res", time.Minute, 3, time.Millisecond)
	assert.Error(t, err)
}

func TestTryWithRetryContextCancel(t *testing.T) {
	l := NewLocker(memory.New())

	_, err := l.TryWithRetry(context.Background(), "lock:res", time.Minute, 1, time.Millisecond)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.TryWithRetry(ctx, "lock:res", time.Minute, 5, 10*time.Millisecond)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWithLock(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	l := NewLocker(store)

	var ran bool
	err := l.WithLock(ctx, "lock:res", time.Minute, func() error {
		ran = true
		// 持锁期间锁在存储中
		_, err := store.Get(ctx, "lock:res")
		return err
	})
	require.NoError(t, err)
	assert.True(t, ran)

	// 函数返回后锁已释放
	_, err = store.Get(ctx, "lock:res")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// 函数错误原样传出，锁同样释放
	wantErr := errors.New("boom")
	err = l.WithLock(ctx, "lock:res", time.Minute, func() error { return wantErr })
	assert.ErrorIs(t, err, wantErr)
	_, err = store.Get(ctx, "lock:res")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
