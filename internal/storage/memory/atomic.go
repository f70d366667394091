package memory

import (
	"context"
	"time"
)

// 四个具名原子过程的本地实现。
// 每个过程在单次持锁内完成，期间其它调用无法观察或修改相关 key。

// AdmitLease 见 storage.Atomic
func (b *Backend) AdmitLease(ctx context.Context, key, requestID string, expiresAt, now int64, ttl time.Duration) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, err := b.typedEntry(key, kindZSet)
	if err != nil {
		return 0, err
	}
	if e == nil {
		e = b.createEntry(key, kindZSet)
	}

	sweepLeases(e, now)
	e.zset[requestID] = float64(expiresAt)
	if ttl > 0 {
		e.expiresAt = b.now().Add(ttl)
	}

	return int64(len(e.zset)), nil
}

// RenewLease 见 storage.Atomic
func (b *Backend) RenewLease(ctx context.Context, key, requestID string, expiresAt, now int64, ttl time.Duration) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, err := b.typedEntry(key, kindZSet)
	if err != nil {
		return 0, err
	}
	if e == nil {
		return 0, nil
	}

	sweepLeases(e, now)

	if _, ok := e.zset[requestID]; !ok {
		b.dropIfEmpty(key, e)
		return 0, nil
	}

	e.zset[requestID] = float64(expiresAt)
	if ttl > 0 {
		e.expiresAt = b.now().Add(ttl)
	}
	return 1, nil
}

// ReleaseLease 见 storage.Atomic
func (b *Backend) ReleaseLease(ctx context.Context, key, requestID string, now int64) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, err := b.typedEntry(key, kindZSet)
	if err != nil {
		return 0, err
	}
	if e == nil {
		return 0, nil
	}

	if requestID != "" {
		delete(e.zset, requestID)
	}
	sweepLeases(e, now)

	count := int64(len(e.zset))
	if count <= 0 {
		delete(b.data, key)
		return 0, nil
	}
	return count, nil
}

// ReleaseLockIfOwned 见 storage.Atomic
func (b *Backend) ReleaseLockIfOwned(ctx context.Context, lockKey, token string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, err := b.typedEntry(lockKey, kindString)
	if err != nil {
		return false, err
	}
	if e == nil || e.str != token {
		return false, nil
	}
	delete(b.data, lockKey)
	return true, nil
}

// sweepLeases 移除分数（过期时间戳）不晚于 now 的成员
func sweepLeases(e *entry, now int64) {
	for member, score := range e.zset {
		if score <= float64(now) {
			delete(e.zset, member)
		}
	}
}
