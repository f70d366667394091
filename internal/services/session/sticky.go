// Package session 实现会话到上游账户的粘性绑定。
//
// 绑定缺失（含过期）即无亲和：路由层应重新选择账户。续期采用懒写
// 策略，仅在剩余 TTL 低于阈值时才真正写存储，避免每个请求都产生写。
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/catstream/relay-core/internal/config"
	"github.com/catstream/relay-core/internal/pkg/logger"
	"github.com/catstream/relay-core/internal/storage"
)

// PrefixStickySession 粘性会话的 key 前缀
const PrefixStickySession = "sticky_session:"

// Mapping 粘性会话（会话级账户绑定）
type Mapping struct {
	SessionHash string    `json:"sessionHash"`
	AccountID   string    `json:"accountId"`
	AccountType string    `json:"accountType,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
	RenewedAt   time.Time `json:"renewedAt,omitempty"`
}

// Map 粘性会话映射
type Map struct {
	store storage.Store
	cfg   config.SessionConfig
	now   func() time.Time
}

// NewMap 构造映射；配置零值回退到默认（RenewalThreshold 为 0 是
// 合法配置，表示关闭懒续期，不做回退）
func NewMap(store storage.Store, cfg config.SessionConfig) *Map {
	if cfg.StickyTTL <= 0 {
		cfg.StickyTTL = config.DefaultStickySessionTTL
	}
	return &Map{
		store: store,
		cfg:   cfg,
		now:   time.Now,
	}
}

// Set 无条件写入绑定，ttl <= 0 使用默认 TTL
func (m *Map) Set(ctx context.Context, sessionHash, accountID, accountType string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = m.cfg.StickyTTL
	}

	now := m.now()
	mapping := &Mapping{
		SessionHash: sessionHash,
		AccountID:   accountID,
		AccountType: accountType,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}

	data, err := json.Marshal(mapping)
	if err != nil {
		return fmt.Errorf("failed to marshal sticky session: %w", err)
	}

	key := PrefixStickySession + sessionHash
	if err := m.store.Set(ctx, key, string(data), ttl); err != nil {
		return err
	}

	logger.Debug("Sticky session set",
		zap.String("sessionHash", sessionHash),
		zap.String("accountId", accountID),
		zap.String("accountType", accountType))

	return nil
}

// Get 获取绑定；缺失（含过期）返回 nil
func (m *Map) Get(ctx context.Context, sessionHash string) (*Mapping, error) {
	key := PrefixStickySession + sessionHash
	data, err := m.store.Get(ctx, key)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}

	var mapping Mapping
	if err := json.Unmarshal([]byte(data), &mapping); err != nil {
		return nil, err
	}
	return &mapping, nil
}

// Delete 删除绑定
func (m *Map) Delete(ctx context.Context, sessionHash string) error {
	key := PrefixStickySession + sessionHash
	_, err := m.store.Delete(ctx, key)
	return err
}

// ExtendTTL 懒续期。
//
// 无 TTL 的 key 视作永久保留，返回 true 且不写；剩余 TTL 低于阈值时
// 重写为完整 TTL 并返回 true；key 缺失返回 false（调用方需重新选择
// 账户）；其余情况返回 true 且不写。阈值配置为 0 时续期整体关闭，
// 调用是纯 no-op。
func (m *Map) ExtendTTL(ctx context.Context, sessionHash string) (bool, error) {
	if m.cfg.RenewalThreshold <= 0 {
		return true, nil
	}

	key := PrefixStickySession + sessionHash
	remaining, err := m.store.TTL(ctx, key)
	if err != nil {
		return false, err
	}

	switch {
	case remaining == storage.TTLMissing:
		return false, nil
	case remaining == storage.TTLNone:
		return true, nil
	}

	if time.Duration(remaining)*time.Second < m.cfg.RenewalThreshold {
		if _, err := m.store.Expire(ctx, key, m.cfg.StickyTTL); err != nil {
			return false, err
		}
		logger.Debug("Sticky session TTL renewed",
			zap.String("sessionHash", sessionHash),
			zap.Int64("remainingSeconds", remaining))
	}
	return true, nil
}

// GetOrCreate 获取绑定，缺失时创建。第二个返回值表示是否新建。
func (m *Map) GetOrCreate(ctx context.Context, sessionHash, accountID, accountType string, ttl time.Duration) (*Mapping, bool, error) {
	mapping, err := m.Get(ctx, sessionHash)
	if err != nil {
		return nil, false, err
	}
	if mapping != nil {
		return mapping, false, nil
	}

	if err := m.Set(ctx, sessionHash, accountID, accountType, ttl); err != nil {
		return nil, false, err
	}

	created, err := m.Get(ctx, sessionHash)
	return created, true, err
}

// All 枚举所有绑定
func (m *Map) All(ctx context.Context) ([]*Mapping, error) {
	keys, err := m.store.Keys(ctx, PrefixStickySession+"*")
	if err != nil {
		return nil, err
	}

	var mappings []*Mapping
	for _, key := range keys {
		data, err := m.store.Get(ctx, key)
		if err != nil {
			continue
		}
		var mapping Mapping
		if err := json.Unmarshal([]byte(data), &mapping); err != nil {
			continue
		}
		mappings = append(mappings, &mapping)
	}
	return mappings, nil
}

// CleanupExpired 清理记录的过期时间已过的绑定（存储回收用途；
// 读路径的正确性由存储层 TTL 保证）
func (m *Map) CleanupExpired(ctx context.Context) (int, error) {
	mappings, err := m.All(ctx)
	if err != nil {
		return 0, err
	}

	now := m.now()
	var cleaned int
	for _, mapping := range mappings {
		if mapping.ExpiresAt.Before(now) {
			if err := m.Delete(ctx, mapping.SessionHash); err == nil {
				cleaned++
			}
		}
	}

	if cleaned > 0 {
		logger.Info("Cleaned up expired sticky sessions", zap.Int("count", cleaned))
	}
	return cleaned, nil
}
