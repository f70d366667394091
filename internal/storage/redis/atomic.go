package redis

import (
	"context"
	"fmt"
	"time"
)

// 四个具名原子过程的 Lua 实现。
// 每个过程在服务端单次执行，中途不会观察到其它客户端的写入。
const (
	// luaAdmitLease 准入：清理过期成员 -> 写入租约 -> 刷新集合 TTL -> 返回计数
	luaAdmitLease = `
local key = KEYS[1]
local member = ARGV[1]
local expireAt = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now)
redis.call('ZADD', key, expireAt, member)

if ttl > 0 then
    redis.call('PEXPIRE', key, ttl)
end

local count = redis.call('ZCARD', key)
return count
`

	// luaRenewLease 续约：仅当成员仍在集合内时更新分数，绝不隐式重新准入
	luaRenewLease = `
local key = KEYS[1]
local member = ARGV[1]
local expireAt = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now)

local exists = redis.call('ZSCORE', key, member)

if exists then
    redis.call('ZADD', key, expireAt, member)
    if ttl > 0 then
        redis.call('PEXPIRE', key, ttl)
    end
    return 1
end

return 0
`

	// luaReleaseLease 释放：删除成员并清理过期项，集合空则删除整个 key
	luaReleaseLease = `
local key = KEYS[1]
local member = ARGV[1]
local now = tonumber(ARGV[2])

if member and member ~= '' then
    redis.call('ZREM', key, member)
end

redis.call('ZREMRANGEBYSCORE', key, '-inf', now)

local count = redis.call('ZCARD', key)
if count <= 0 then
    redis.call('DEL', key)
    return 0
end

return count
`

	// luaReleaseLockIfOwned 比较并删除：只释放自己持有的锁
	luaReleaseLockIfOwned = `
local key = KEYS[1]
local token = ARGV[1]

if redis.call('GET', key) == token then
    return redis.call('DEL', key)
else
    return 0
end
`
)

// evalInt 执行返回整数的脚本
func (b *Backend) evalInt(ctx context.Context, script string, keys []string, args ...interface{}) (int64, error) {
	client, err := b.getClientSafe()
	if err != nil {
		return 0, err
	}

	result, err := client.Eval(ctx, script, keys, args...).Result()
	if err != nil {
		return 0, err
	}

	n, ok := result.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected result type from script: %T", result)
	}
	return n, nil
}

// AdmitLease 见 storage.Atomic
func (b *Backend) AdmitLease(ctx context.Context, key, requestID string, expiresAt, now int64, ttl time.Duration) (int64, error) {
	return b.evalInt(ctx, luaAdmitLease, []string{key}, requestID, expiresAt, now, ttl.Milliseconds())
}

// RenewLease 见 storage.Atomic
func (b *Backend) RenewLease(ctx context.Context, key, requestID string, expiresAt, now int64, ttl time.Duration) (int64, error) {
	return b.evalInt(ctx, luaRenewLease, []string{key}, requestID, expiresAt, now, ttl.Milliseconds())
}

// ReleaseLease 见 storage.Atomic
func (b *Backend) ReleaseLease(ctx context.Context, key, requestID string, now int64) (int64, error) {
	return b.evalInt(ctx, luaReleaseLease, []string{key}, requestID, now)
}

// ReleaseLockIfOwned 见 storage.Atomic
func (b *Backend) ReleaseLockIfOwned(ctx context.Context, lockKey, token string) (bool, error) {
	n, err := b.evalInt(ctx, luaReleaseLockIfOwned, []string{lockKey}, token)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
