// Package lock 提供基于存储后端的分布式锁。
//
// 获取走 SetIfAbsent（SET NX PX），释放走比较并删除的原子过程，
// 持有者凭令牌释放，过期后他人持有的锁不会被误删。
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/catstream/relay-core/internal/pkg/logger"
	"github.com/catstream/relay-core/internal/storage"
)

// 分布式锁配置常量
const (
	// DefaultLockTTL 默认锁 TTL
	DefaultLockTTL = 30 * time.Second
	// DefaultLockRetryDelay 默认重试延迟
	DefaultLockRetryDelay = 100 * time.Millisecond
	// DefaultLockMaxRetries 默认最大重试次数
	DefaultLockMaxRetries = 50
)

// Result 锁获取结果
type Result struct {
	Token   string // 锁令牌（用于释放）
	Success bool   // 是否成功获取
}

// Locker 分布式锁
type Locker struct {
	store storage.Backend
}

// NewLocker 构造锁服务
func NewLocker(store storage.Backend) *Locker {
	return &Locker{store: store}
}

// Acquire 尝试获取锁，令牌由调用方提供。
// 锁已被持有时返回 false（不是错误）。
func (l *Locker) Acquire(ctx context.Context, lockKey, token string, ttl time.Duration) (bool, error) {
	if token == "" {
		return false, fmt.Errorf("%w: lock token is required", storage.ErrInvalidArgument)
	}
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}

	success, err := l.store.SetIfAbsent(ctx, lockKey, token, ttl)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}

	if success {
		logger.Debug("Acquired lock", zap.String("key", lockKey))
	}
	return success, nil
}

// AcquireToken 尝试获取锁并自动铸造令牌
func (l *Locker) AcquireToken(ctx context.Context, lockKey string, ttl time.Duration) (*Result, error) {
	token := uuid.New().String()

	success, err := l.Acquire(ctx, lockKey, token, ttl)
	if err != nil {
		return nil, err
	}
	return &Result{Token: token, Success: success}, nil
}

// Release 释放锁。仅当锁仍由该令牌持有时才删除；
// 令牌不匹配或锁已过期时返回 false（不是错误）。
func (l *Locker) Release(ctx context.Context, lockKey, token string) (bool, error) {
	released, err := l.store.ReleaseLockIfOwned(ctx, lockKey, token)
	if err != nil {
		return false, fmt.Errorf("failed to release lock: %w", err)
	}

	if released {
		logger.Debug("Released lock", zap.String("key", lockKey))
	} else {
		logger.Warn("Failed to release lock: token mismatch", zap.String("key", lockKey))
	}
	return released, nil
}

// TryWithRetry 重试获取锁，成功返回令牌
func (l *Locker) TryWithRetry(ctx context.Context, lockKey string, ttl time.Duration, maxRetries int, retryDelay time.Duration) (string, error) {
	if maxRetries <= 0 {
		maxRetries = DefaultLockMaxRetries
	}
	if retryDelay <= 0 {
		retryDelay = DefaultLockRetryDelay
	}

	for i := 0; i < maxRetries; i++ {
		result, err := l.AcquireToken(ctx, lockKey, ttl)
		if err != nil {
			return "", err
		}

		if result.Success {
			return result.Token, nil
		}

		// 等待后重试
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(retryDelay):
			// 继续重试
		}
	}

	return "", fmt.Errorf("failed to acquire lock after %d retries", maxRetries)
}

// WithLock 在持有锁的情况下执行函数
func (l *Locker) WithLock(ctx context.Context, lockKey string, ttl time.Duration, fn func() error) error {
	result, err := l.AcquireToken(ctx, lockKey, ttl)
	if err != nil {
		return err
	}

	if !result.Success {
		return fmt.Errorf("failed to acquire lock: %s", lockKey)
	}

	defer func() {
		l.Release(ctx, lockKey, result.Token)
	}()

	return fn()
}

// WithLockRetry 在持有锁的情况下执行函数（带重试）
func (l *Locker) WithLockRetry(ctx context.Context, lockKey string, ttl time.Duration, maxRetries int, fn func() error) error {
	token, err := l.TryWithRetry(ctx, lockKey, ttl, maxRetries, DefaultLockRetryDelay)
	if err != nil {
		return err
	}

	defer func() {
		l.Release(ctx, lockKey, token)
	}()

	return fn()
}
