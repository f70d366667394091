// Package storage 定义控制面数据层的存储原语契约。
//
// 同一套契约由两个后端实现：internal/storage/redis（真实分布式存储）
// 与 internal/storage/memory（单进程回退实现）。上层组件只依赖这里的
// 接口，通过构造函数注入具体后端。
package storage

import (
	"context"
	"time"
)

// TTL 查询的哨兵返回值（与 Redis 语义一致）
const (
	// TTLNone key 存在但没有过期时间
	TTLNone int64 = -1
	// TTLMissing key 不存在
	TTLMissing int64 = -2
)

// 分数区间哨兵（有序集合按分数删除）
const (
	ScoreMin = "-inf"
	ScoreMax = "+inf"
)

// ZMember 有序集合成员
type ZMember struct {
	Member string
	Score  float64
}

// Store 键值/哈希/列表/有序集合原语契约。
//
// 所有方法单独调用时各自原子；跨多条命令的原子性由 Atomic 的
// 具名过程或 Batch 提供。
type Store interface {
	// ========== 字符串 ==========

	// Get 获取字符串值，key 不存在返回 ErrNotFound
	Get(ctx context.Context, key string) (string, error)
	// Set 设置字符串值，ttl <= 0 表示不过期
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetIfAbsent 仅当 key 不存在时设置，返回是否写入
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Delete 删除若干 key，返回实际删除数量
	Delete(ctx context.Context, keys ...string) (int64, error)
	// Expire 设置过期时间，key 不存在返回 false
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// TTL 查询剩余秒数；TTLNone 表示无过期，TTLMissing 表示不存在
	TTL(ctx context.Context, key string) (int64, error)
	// Increment 整数自增，key 不存在时从 0 开始
	Increment(ctx context.Context, key string, delta int64) (int64, error)
	// IncrementFloat 浮点自增，key 不存在时从 0 开始
	IncrementFloat(ctx context.Context, key string, delta float64) (float64, error)

	// ========== 哈希 ==========

	HSetField(ctx context.Context, key, field, value string) error
	HSetFields(ctx context.Context, key string, fields map[string]string) error
	// HGetField 字段不存在返回 ErrNotFound
	HGetField(ctx context.Context, key, field string) (string, error)
	// HGetAll key 不存在返回空 map
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDeleteFields(ctx context.Context, key string, fields ...string) (int64, error)
	HIncrementField(ctx context.Context, key, field string, delta int64) (int64, error)

	// ========== 列表 ==========

	ListPrepend(ctx context.Context, key string, values ...string) (int64, error)
	// ListRange 支持 Redis 风格负索引（-1 为末尾元素）
	ListRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	ListTrim(ctx context.Context, key string, start, stop int64) error

	// ========== 有序集合 ==========

	ZAdd(ctx context.Context, key, member string, score float64) error
	ZRemove(ctx context.Context, key string, members ...string) (int64, error)
	ZCard(ctx context.Context, key string) (int64, error)
	// ZScore 成员不存在返回 ErrNotFound
	ZScore(ctx context.Context, key, member string) (float64, error)
	// ZRangeWithScores 按排名区间取成员（含分数），支持负索引
	ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]ZMember, error)
	// ZRemoveRangeByScore min/max 接受数字字符串或 "-inf"/"+inf"
	ZRemoveRangeByScore(ctx context.Context, key, min, max string) (int64, error)

	// ========== 其它 ==========

	// Keys 按 glob 模式枚举 key
	Keys(ctx context.Context, pattern string) ([]string, error)
	// Batch 按顺序执行一组操作，每个子操作独立返回结果；
	// 单个子操作失败不会中止整个批次
	Batch(ctx context.Context, ops []BatchOp) ([]BatchResult, error)
	// Ping 健康检查
	Ping(ctx context.Context) error
}

// Atomic 四个具名的多步原子过程（见各方法注释）。
// Redis 后端以服务端脚本实现；内存后端在单次持锁调用内完成。
type Atomic interface {
	// AdmitLease 清理 score <= now 的过期成员后写入 (requestID, expiresAt)，
	// 刷新集合 TTL，返回新的并发计数
	AdmitLease(ctx context.Context, key, requestID string, expiresAt, now int64, ttl time.Duration) (int64, error)
	// RenewLease 清理过期成员后，若 requestID 仍在集合内则更新其分数并
	// 刷新 TTL 返回 1；否则返回 0（不会隐式重新准入）
	RenewLease(ctx context.Context, key, requestID string, expiresAt, now int64, ttl time.Duration) (int64, error)
	// ReleaseLease 移除 requestID 并清理过期成员；集合为空时删除整个 key
	// 并返回 0，否则返回剩余计数
	ReleaseLease(ctx context.Context, key, requestID string, now int64) (int64, error)
	// ReleaseLockIfOwned 仅当当前值等于 token 时删除锁；不匹配返回 false
	ReleaseLockIfOwned(ctx context.Context, lockKey, token string) (bool, error)
}

// Backend 完整后端：原语 + 原子过程
type Backend interface {
	Store
	Atomic
	Close() error
}
