// Package concurrency 实现基于租约的并发准入计数。
//
// 本包只负责计数：Acquire 总是立即返回准入后的并发数，由调用方与自身
// 的上限比较后决定放行或拒绝。崩溃调用方遗留的租约靠每次调用前的
// 过期清扫自愈，最迟一个租约周期后消失。
package concurrency

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/catstream/relay-core/internal/config"
	"github.com/catstream/relay-core/internal/pkg/logger"
	"github.com/catstream/relay-core/internal/storage"
)

// PrefixConcurrency 并发租约集合的 key 前缀
const PrefixConcurrency = "concurrency:"

// minKeyTTL 集合 TTL 下限
const minKeyTTL = 60 * time.Second

// Status 单个主体的并发状态详情
type Status struct {
	Subject         string          `json:"subject"`
	Key             string          `json:"key"`
	ActiveCount     int64           `json:"activeCount"`
	ExpiredCount    int64           `json:"expiredCount"`
	ActiveRequests  []ActiveRequest `json:"activeRequests"`
	ExpiredRequests []ActiveRequest `json:"expiredRequests,omitempty"`
	Exists          bool            `json:"exists"`
}

// ActiveRequest 在途请求信息
type ActiveRequest struct {
	RequestID        string `json:"requestId"`
	ExpireAt         string `json:"expireAt"`
	RemainingSeconds int64  `json:"remainingSeconds"`
}

// Tracker 并发租约跟踪器
type Tracker struct {
	store storage.Backend
	cfg   config.ConcurrencyConfig
	now   func() time.Time
}

// NewTracker 构造跟踪器；配置零值回退到默认
func NewTracker(store storage.Backend, cfg config.ConcurrencyConfig) *Tracker {
	if cfg.LeaseSeconds <= 0 {
		cfg.LeaseSeconds = config.DefaultLeaseSeconds
	}
	if cfg.MinLeaseSeconds <= 0 {
		cfg.MinLeaseSeconds = config.DefaultMinLeaseSeconds
	}
	if cfg.CleanupGraceSeconds <= 0 {
		cfg.CleanupGraceSeconds = config.DefaultCleanupGraceSeconds
	}
	return &Tracker{
		store: store,
		cfg:   cfg,
		now:   time.Now,
	}
}

// ConsoleAccountSubject Console 账户的复合主体，与 API Key 主体互不冲突
func ConsoleAccountSubject(accountID string) string {
	return "console_account:" + accountID
}

// leaseParams 计算租约参数：过期时间戳与集合 TTL
func (t *Tracker) leaseParams(leaseSeconds int) (now, expireAt int64, keyTTL time.Duration) {
	if leaseSeconds <= 0 {
		leaseSeconds = t.cfg.LeaseSeconds
	}
	if leaseSeconds < t.cfg.MinLeaseSeconds {
		leaseSeconds = t.cfg.MinLeaseSeconds
	}

	now = t.now().UnixMilli()
	expireAt = now + int64(leaseSeconds)*1000
	keyTTL = time.Duration(leaseSeconds+t.cfg.CleanupGraceSeconds) * time.Second
	if keyTTL < minKeyTTL {
		keyTTL = minKeyTTL
	}
	return now, expireAt, keyTTL
}

// Acquire 准入一个请求，返回准入后的并发数。
// 本方法从不拒绝：与上限的比较由调用方完成。
func (t *Tracker) Acquire(ctx context.Context, subject, requestID string, leaseSeconds int) (int64, error) {
	if requestID == "" {
		return 0, fmt.Errorf("%w: request ID is required for concurrency tracking", storage.ErrInvalidArgument)
	}

	key := PrefixConcurrency + subject
	now, expireAt, keyTTL := t.leaseParams(leaseSeconds)

	count, err := t.store.AdmitLease(ctx, key, requestID, expireAt, now, keyTTL)
	if err != nil {
		logger.Error("Failed to acquire concurrency lease", zap.Error(err))
		return 0, err
	}

	logger.Debug("Acquired concurrency lease",
		zap.String("subject", subject),
		zap.String("requestId", requestID),
		zap.Int64("count", count))

	return count, nil
}

// Renew 续约，防止长流式请求的租约提前过期。
// 租约已过期或已释放时返回 false（不是错误），提示调用方席位已丢失。
func (t *Tracker) Renew(ctx context.Context, subject, requestID string, leaseSeconds int) (bool, error) {
	if requestID == "" {
		return false, nil
	}

	key := PrefixConcurrency + subject
	now, expireAt, keyTTL := t.leaseParams(leaseSeconds)

	n, err := t.store.RenewLease(ctx, key, requestID, expireAt, now, keyTTL)
	if err != nil {
		logger.Error("Failed to renew concurrency lease", zap.Error(err))
		return false, err
	}

	renewed := n == 1
	if renewed {
		logger.Debug("Renewed concurrency lease",
			zap.String("subject", subject),
			zap.String("requestId", requestID))
	}
	return renewed, nil
}

// Release 释放租约并返回剩余并发数。幂等：重复释放不是错误。
func (t *Tracker) Release(ctx context.Context, subject, requestID string) (int64, error) {
	key := PrefixConcurrency + subject
	now := t.now().UnixMilli()

	count, err := t.store.ReleaseLease(ctx, key, requestID, now)
	if err != nil {
		logger.Error("Failed to release concurrency lease", zap.Error(err))
		return 0, err
	}

	logger.Debug("Released concurrency lease",
		zap.String("subject", subject),
		zap.String("requestId", requestID),
		zap.Int64("count", count))

	return count, nil
}

// Count 清扫过期租约后返回当前并发数
func (t *Tracker) Count(ctx context.Context, subject string) (int64, error) {
	key := PrefixConcurrency + subject
	now := t.now().UnixMilli()

	if _, err := t.store.ZRemoveRangeByScore(ctx, key, storage.ScoreMin, strconv.FormatInt(now, 10)); err != nil {
		return 0, err
	}
	return t.store.ZCard(ctx, key)
}

// ========== Console 账户并发（复用同一机制）==========

// AcquireConsoleAccount 增加 Console 账户并发计数
func (t *Tracker) AcquireConsoleAccount(ctx context.Context, accountID, requestID string, leaseSeconds int) (int64, error) {
	return t.Acquire(ctx, ConsoleAccountSubject(accountID), requestID, leaseSeconds)
}

// ReleaseConsoleAccount 减少 Console 账户并发计数
func (t *Tracker) ReleaseConsoleAccount(ctx context.Context, accountID, requestID string) (int64, error) {
	return t.Release(ctx, ConsoleAccountSubject(accountID), requestID)
}

// RenewConsoleAccount 续约 Console 账户租约
func (t *Tracker) RenewConsoleAccount(ctx context.Context, accountID, requestID string, leaseSeconds int) (bool, error) {
	return t.Renew(ctx, ConsoleAccountSubject(accountID), requestID, leaseSeconds)
}

// CountConsoleAccount 获取 Console 账户当前并发数
func (t *Tracker) CountConsoleAccount(ctx context.Context, accountID string) (int64, error) {
	return t.Count(ctx, ConsoleAccountSubject(accountID))
}

// ========== 状态与清理 ==========

// Status 获取特定主体的并发状态详情
func (t *Tracker) Status(ctx context.Context, subject string) (*Status, error) {
	key := PrefixConcurrency + subject
	now := t.now().UnixMilli()

	members, err := t.store.ZRangeWithScores(ctx, key, 0, -1)
	if err != nil {
		return nil, err
	}

	if len(members) == 0 {
		return &Status{
			Subject:        subject,
			Key:            key,
			ActiveRequests: []ActiveRequest{},
		}, nil
	}

	var active []ActiveRequest
	var expired []ActiveRequest

	for _, m := range members {
		expireAt := int64(m.Score)
		req := ActiveRequest{
			RequestID:        m.Member,
			ExpireAt:         time.UnixMilli(expireAt).Format(time.RFC3339),
			RemainingSeconds: (expireAt - now) / 1000,
		}
		if expireAt > now {
			active = append(active, req)
		} else {
			expired = append(expired, req)
		}
	}

	if active == nil {
		active = []ActiveRequest{}
	}

	return &Status{
		Subject:         subject,
		Key:             key,
		ActiveCount:     int64(len(active)),
		ExpiredCount:    int64(len(expired)),
		ActiveRequests:  active,
		ExpiredRequests: expired,
		Exists:          true,
	}, nil
}

// AllStatus 获取所有主体的并发状态
func (t *Tracker) AllStatus(ctx context.Context) ([]Status, error) {
	keys, err := t.store.Keys(ctx, PrefixConcurrency+"*")
	if err != nil {
		return nil, err
	}

	var results []Status
	for _, key := range keys {
		subject := key[len(PrefixConcurrency):]
		st, err := t.Status(ctx, subject)
		if err != nil {
			continue
		}
		results = append(results, *st)
	}
	return results, nil
}

// ForceClear 强制清空特定主体的并发计数，返回清掉的条目数
func (t *Tracker) ForceClear(ctx context.Context, subject string) (int64, error) {
	key := PrefixConcurrency + subject

	before, _ := t.store.ZCard(ctx, key)
	if _, err := t.store.Delete(ctx, key); err != nil {
		return 0, err
	}

	logger.Warn("Force cleared concurrency",
		zap.String("subject", subject),
		zap.Int64("clearedCount", before))

	return before, nil
}

// CleanupExpired 清理所有主体的过期租约（仅存储回收；
// 准入正确性不依赖本方法的调用时机）
func (t *Tracker) CleanupExpired(ctx context.Context) (int, int64, error) {
	keys, err := t.store.Keys(ctx, PrefixConcurrency+"*")
	if err != nil {
		return 0, 0, err
	}

	now := t.now().UnixMilli()
	nowStr := strconv.FormatInt(now, 10)
	var totalCleaned int64
	var keysProcessed int

	for _, key := range keys {
		removed, err := t.store.ZRemoveRangeByScore(ctx, key, storage.ScoreMin, nowStr)
		if err != nil {
			continue
		}

		if removed > 0 {
			keysProcessed++
			totalCleaned += removed

			// 清理后为空则删除 key
			count, _ := t.store.ZCard(ctx, key)
			if count == 0 {
				t.store.Delete(ctx, key)
			}
		}
	}

	if totalCleaned > 0 {
		logger.Info("Cleaned up expired concurrency leases",
			zap.Int("keysProcessed", keysProcessed),
			zap.Int64("entriesCleaned", totalCleaned))
	}

	return keysProcessed, totalCleaned, nil
}
