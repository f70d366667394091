// Package redis 是存储契约的真实分布式后端，基于 go-redis 实现。
package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/catstream/relay-core/internal/config"
	"github.com/catstream/relay-core/internal/pkg/logger"
	"github.com/catstream/relay-core/internal/storage"
)

// 连接池配置常量
const (
	// DefaultPoolSize Redis 默认连接池大小
	DefaultPoolSize = 100
	// DefaultMinIdleConns Redis 默认最小空闲连接数
	DefaultMinIdleConns = 10
	// scanBatchSize SCAN 单次批大小
	scanBatchSize = 1000
)

// Backend Redis 后端。显式构造、按依赖注入传递，不做进程级单例。
type Backend struct {
	client      *redis.Client
	isConnected bool
	mu          sync.RWMutex
	cfg         *config.RedisConfig
}

var _ storage.Backend = (*Backend)(nil)

// New 构造并连接 Redis 后端
func New(cfg *config.RedisConfig) (*Backend, error) {
	b := &Backend{cfg: cfg}

	opts := &redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.ConnectTimeout,
		ReadTimeout:  cfg.CommandTimeout,
		WriteTimeout: cfg.CommandTimeout,
		MaxRetries:   cfg.MaxRetries,
		PoolSize:     DefaultPoolSize,     // 100 个连接，适用于高并发场景
		MinIdleConns: DefaultMinIdleConns, // 10 个最小空闲连接，保持连接可用性
	}

	if cfg.EnableTLS {
		opts.TLSConfig = &tls.Config{}
	}

	b.client = redis.NewClient(opts)

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()

	if _, err := b.client.Ping(ctx).Result(); err != nil {
		logger.Error("❌ Failed to connect to Redis", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}

	b.isConnected = true
	logger.Info("🔗 Redis connected successfully",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.Int("db", cfg.DB))

	return b, nil
}

// Close 断开连接
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.client != nil {
		if err := b.client.Close(); err != nil {
			return err
		}
		b.isConnected = false
		logger.Info("👋 Redis disconnected")
	}
	return nil
}

// getClientSafe 安全获取客户端
func (b *Backend) getClientSafe() (*redis.Client, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.isConnected || b.client == nil {
		return nil, storage.ErrUnavailable
	}
	return b.client, nil
}

// IsConnected 检查连接状态
func (b *Backend) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.isConnected
}

// wrapErr 统一转换 go-redis 错误
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return storage.ErrNotFound
	}
	return err
}

// ========== 字符串操作 ==========

func (b *Backend) Get(ctx context.Context, key string) (string, error) {
	client, err := b.getClientSafe()
	if err != nil {
		return "", err
	}
	val, err := client.Get(ctx, key).Result()
	return val, wrapErr(err)
}

func (b *Backend) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	client, err := b.getClientSafe()
	if err != nil {
		return err
	}
	if ttl < 0 {
		ttl = 0
	}
	return client.Set(ctx, key, value, ttl).Err()
}

func (b *Backend) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	client, err := b.getClientSafe()
	if err != nil {
		return false, err
	}
	if ttl < 0 {
		ttl = 0
	}
	return client.SetNX(ctx, key, value, ttl).Result()
}

func (b *Backend) Delete(ctx context.Context, keys ...string) (int64, error) {
	client, err := b.getClientSafe()
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	return client.Del(ctx, keys...).Result()
}

func (b *Backend) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	client, err := b.getClientSafe()
	if err != nil {
		return false, err
	}
	return client.Expire(ctx, key, ttl).Result()
}

func (b *Backend) TTL(ctx context.Context, key string) (int64, error) {
	client, err := b.getClientSafe()
	if err != nil {
		return storage.TTLMissing, err
	}
	d, err := client.TTL(ctx, key).Result()
	if err != nil {
		return storage.TTLMissing, err
	}
	// go-redis 将 -1/-2 编码为对应的负 Duration
	switch {
	case d == -1*time.Second:
		return storage.TTLNone, nil
	case d < 0:
		return storage.TTLMissing, nil
	}
	return int64(d / time.Second), nil
}

func (b *Backend) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	client, err := b.getClientSafe()
	if err != nil {
		return 0, err
	}
	return client.IncrBy(ctx, key, delta).Result()
}

func (b *Backend) IncrementFloat(ctx context.Context, key string, delta float64) (float64, error) {
	client, err := b.getClientSafe()
	if err != nil {
		return 0, err
	}
	return client.IncrByFloat(ctx, key, delta).Result()
}

// ========== 哈希操作 ==========

func (b *Backend) HSetField(ctx context.Context, key, field, value string) error {
	client, err := b.getClientSafe()
	if err != nil {
		return err
	}
	return client.HSet(ctx, key, field, value).Err()
}

func (b *Backend) HSetFields(ctx context.Context, key string, fields map[string]string) error {
	client, err := b.getClientSafe()
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(fields)*2)
	for f, v := range fields {
		args = append(args, f, v)
	}
	return client.HSet(ctx, key, args...).Err()
}

func (b *Backend) HGetField(ctx context.Context, key, field string) (string, error) {
	client, err := b.getClientSafe()
	if err != nil {
		return "", err
	}
	val, err := client.HGet(ctx, key, field).Result()
	return val, wrapErr(err)
}

func (b *Backend) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	client, err := b.getClientSafe()
	if err != nil {
		return nil, err
	}
	return client.HGetAll(ctx, key).Result()
}

func (b *Backend) HDeleteFields(ctx context.Context, key string, fields ...string) (int64, error) {
	client, err := b.getClientSafe()
	if err != nil {
		return 0, err
	}
	if len(fields) == 0 {
		return 0, nil
	}
	return client.HDel(ctx, key, fields...).Result()
}

func (b *Backend) HIncrementField(ctx context.Context, key, field string, delta int64) (int64, error) {
	client, err := b.getClientSafe()
	if err != nil {
		return 0, err
	}
	return client.HIncrBy(ctx, key, field, delta).Result()
}

// ========== 列表操作 ==========

func (b *Backend) ListPrepend(ctx context.Context, key string, values ...string) (int64, error) {
	client, err := b.getClientSafe()
	if err != nil {
		return 0, err
	}
	if len(values) == 0 {
		return 0, nil
	}
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return client.LPush(ctx, key, args...).Result()
}

func (b *Backend) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	client, err := b.getClientSafe()
	if err != nil {
		return nil, err
	}
	return client.LRange(ctx, key, start, stop).Result()
}

func (b *Backend) ListTrim(ctx context.Context, key string, start, stop int64) error {
	client, err := b.getClientSafe()
	if err != nil {
		return err
	}
	return client.LTrim(ctx, key, start, stop).Err()
}

// ========== 有序集合操作 ==========

func (b *Backend) ZAdd(ctx context.Context, key, member string, score float64) error {
	client, err := b.getClientSafe()
	if err != nil {
		return err
	}
	return client.ZAdd(ctx, key, redis.Z{Member: member, Score: score}).Err()
}

func (b *Backend) ZRemove(ctx context.Context, key string, members ...string) (int64, error) {
	client, err := b.getClientSafe()
	if err != nil {
		return 0, err
	}
	if len(members) == 0 {
		return 0, nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return client.ZRem(ctx, key, args...).Result()
}

func (b *Backend) ZCard(ctx context.Context, key string) (int64, error) {
	client, err := b.getClientSafe()
	if err != nil {
		return 0, err
	}
	return client.ZCard(ctx, key).Result()
}

func (b *Backend) ZScore(ctx context.Context, key, member string) (float64, error) {
	client, err := b.getClientSafe()
	if err != nil {
		return 0, err
	}
	score, err := client.ZScore(ctx, key, member).Result()
	return score, wrapErr(err)
}

func (b *Backend) ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]storage.ZMember, error) {
	client, err := b.getClientSafe()
	if err != nil {
		return nil, err
	}
	zs, err := client.ZRangeWithScores(ctx, key, start, stop).Result()
	if err != nil {
		return nil, err
	}
	members := make([]storage.ZMember, 0, len(zs))
	for _, z := range zs {
		m, _ := z.Member.(string)
		members = append(members, storage.ZMember{Member: m, Score: z.Score})
	}
	return members, nil
}

func (b *Backend) ZRemoveRangeByScore(ctx context.Context, key, min, max string) (int64, error) {
	client, err := b.getClientSafe()
	if err != nil {
		return 0, err
	}
	return client.ZRemRangeByScore(ctx, key, min, max).Result()
}

// ========== 其它操作 ==========

// Keys 使用 SCAN 获取匹配的所有 key（避免阻塞）
func (b *Backend) Keys(ctx context.Context, pattern string) ([]string, error) {
	client, err := b.getClientSafe()
	if err != nil {
		return nil, err
	}

	var keys []string
	var cursor uint64

	for {
		var batch []string
		var err error
		batch, cursor, err = client.Scan(ctx, cursor, pattern, scanBatchSize).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		if cursor == 0 {
			break
		}
	}

	return keys, nil
}

// Batch 将操作列表映射到 pipeline，逐条收集结果。
// 子操作错误记录在各自的 BatchResult.Err 中，不中止批次。
func (b *Backend) Batch(ctx context.Context, ops []storage.BatchOp) ([]storage.BatchResult, error) {
	client, err := b.getClientSafe()
	if err != nil {
		return nil, err
	}

	pipe := client.Pipeline()
	cmds := make([]redis.Cmder, len(ops))

	for i, op := range ops {
		switch op.Kind {
		case storage.OpGet:
			cmds[i] = pipe.Get(ctx, op.Key)
		case storage.OpSet:
			ttl := op.TTL
			if ttl < 0 {
				ttl = 0
			}
			cmds[i] = pipe.Set(ctx, op.Key, op.Value, ttl)
		case storage.OpDelete:
			cmds[i] = pipe.Del(ctx, op.Key)
		case storage.OpExpire:
			cmds[i] = pipe.Expire(ctx, op.Key, op.TTL)
		case storage.OpIncrBy:
			cmds[i] = pipe.IncrBy(ctx, op.Key, op.IntArg)
		case storage.OpIncrByFloat:
			cmds[i] = pipe.IncrByFloat(ctx, op.Key, op.FloatArg)
		case storage.OpHIncrBy:
			cmds[i] = pipe.HIncrBy(ctx, op.Key, op.Field, op.IntArg)
		case storage.OpHIncrByFloat:
			cmds[i] = pipe.HIncrByFloat(ctx, op.Key, op.Field, op.FloatArg)
		case storage.OpHGetAll:
			cmds[i] = pipe.HGetAll(ctx, op.Key)
		default:
			cmds[i] = nil
		}
	}

	// Exec 的聚合错误只代表首个失败的子命令，逐条收集即可
	_, _ = pipe.Exec(ctx)

	results := make([]storage.BatchResult, len(ops))
	for i, cmd := range cmds {
		if cmd == nil {
			results[i] = storage.BatchResult{Err: fmt.Errorf("%w: unknown batch op kind %d", storage.ErrInvalidArgument, ops[i].Kind)}
			continue
		}
		results[i] = collectResult(cmd)
	}

	return results, nil
}

// collectResult 从 pipeline 命令中提取结果
func collectResult(cmd redis.Cmder) storage.BatchResult {
	if err := cmd.Err(); err != nil {
		return storage.BatchResult{Err: wrapErr(err)}
	}

	switch c := cmd.(type) {
	case *redis.StringCmd:
		return storage.BatchResult{Str: c.Val()}
	case *redis.IntCmd:
		return storage.BatchResult{Int: c.Val()}
	case *redis.FloatCmd:
		return storage.BatchResult{Float: c.Val()}
	case *redis.BoolCmd:
		if c.Val() {
			return storage.BatchResult{Int: 1}
		}
		return storage.BatchResult{Int: 0}
	case *redis.StatusCmd:
		return storage.BatchResult{Str: c.Val()}
	case *redis.MapStringStringCmd:
		return storage.BatchResult{Hash: c.Val()}
	default:
		return storage.BatchResult{}
	}
}

// ========== 健康检查 ==========

func (b *Backend) Ping(ctx context.Context) error {
	client, err := b.getClientSafe()
	if err != nil {
		return err
	}
	return client.Ping(ctx).Err()
}

// Info 获取 Redis 信息
func (b *Backend) Info(ctx context.Context) (string, error) {
	client, err := b.getClientSafe()
	if err != nil {
		return "", err
	}
	return client.Info(ctx).Result()
}

// DBSize 获取数据库 key 数量
func (b *Backend) DBSize(ctx context.Context) (int64, error) {
	client, err := b.getClientSafe()
	if err != nil {
		return 0, err
	}
	return client.DBSize(ctx).Result()
}
