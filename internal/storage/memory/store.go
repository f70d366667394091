// Package memory 是存储契约的单进程回退后端。
//
// 所有操作（包括原子过程与批处理）在同一把互斥锁内完成，因此对本进程内
// 的并发调用者满足与 Redis 后端相同的可观察契约。该保证不跨进程：多个
// OS 进程共享准入状态时必须使用 Redis 后端。
package memory

import (
	"context"
	"fmt"
	"math"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/catstream/relay-core/internal/pkg/logger"
	"github.com/catstream/relay-core/internal/storage"
)

// DefaultJanitorInterval 默认后台清理间隔。
// 清理仅用于回收存储空间；正确性由每次访问时的惰性过期判断保证。
const DefaultJanitorInterval = 1 * time.Minute

type valueKind int

const (
	kindString valueKind = iota
	kindHash
	kindList
	kindZSet
)

// entry 单个 key 的值与过期簿记
type entry struct {
	kind      valueKind
	expiresAt time.Time // 零值表示不过期
	str       string
	hash      map[string]string
	list      []string
	zset      map[string]float64
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !e.expiresAt.After(now)
}

// Backend 内存后端
type Backend struct {
	mu     sync.Mutex
	data   map[string]*entry
	now    func() time.Time
	stopCh chan struct{}
	closed bool
}

var _ storage.Backend = (*Backend)(nil)

// Option 构造选项
type Option func(*Backend)

// WithClock 注入时钟（测试接缝）
func WithClock(now func() time.Time) Option {
	return func(b *Backend) {
		b.now = now
	}
}

// New 构造内存后端
func New(opts ...Option) *Backend {
	b := &Backend{
		data: make(map[string]*entry),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// StartJanitor 启动后台过期清理（仅存储回收用途）
func (b *Backend) StartJanitor(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultJanitorInterval
	}

	b.mu.Lock()
	if b.stopCh != nil || b.closed {
		b.mu.Unlock()
		return
	}
	stopCh := make(chan struct{})
	b.stopCh = stopCh
	b.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				b.purgeExpired()
			}
		}
	}()
}

// purgeExpired 移除已过期的条目
func (b *Backend) purgeExpired() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	var purged int
	for key, e := range b.data {
		if e.expired(now) {
			delete(b.data, key)
			purged++
		}
	}
	if purged > 0 {
		logger.Debug("Purged expired entries from memory store", zap.Int("count", purged))
	}
}

// Close 停止后台清理并清空数据
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopCh != nil {
		close(b.stopCh)
		b.stopCh = nil
	}
	b.closed = true
	b.data = make(map[string]*entry)
	return nil
}

// ========== 内部辅助（调用方必须持锁）==========

// liveEntry 获取未过期条目；已过期的条目就地删除
func (b *Backend) liveEntry(key string) *entry {
	e, ok := b.data[key]
	if !ok {
		return nil
	}
	if e.expired(b.now()) {
		delete(b.data, key)
		return nil
	}
	return e
}

// typedEntry 获取指定类型的未过期条目，类型不符返回 ErrWrongType
func (b *Backend) typedEntry(key string, kind valueKind) (*entry, error) {
	e := b.liveEntry(key)
	if e == nil {
		return nil, nil
	}
	if e.kind != kind {
		return nil, storage.ErrWrongType
	}
	return e, nil
}

// createEntry 创建指定类型的条目
func (b *Backend) createEntry(key string, kind valueKind) *entry {
	e := &entry{kind: kind}
	switch kind {
	case kindHash:
		e.hash = make(map[string]string)
	case kindZSet:
		e.zset = make(map[string]float64)
	}
	b.data[key] = e
	return e
}

// dropIfEmpty 集合/哈希/列表为空时删除 key（与 Redis 行为一致）
func (b *Backend) dropIfEmpty(key string, e *entry) {
	switch e.kind {
	case kindZSet:
		if len(e.zset) == 0 {
			delete(b.data, key)
		}
	case kindHash:
		if len(e.hash) == 0 {
			delete(b.data, key)
		}
	case kindList:
		if len(e.list) == 0 {
			delete(b.data, key)
		}
	}
}

func (b *Backend) setLocked(key, value string, ttl time.Duration) {
	e := &entry{kind: kindString, str: value}
	if ttl > 0 {
		e.expiresAt = b.now().Add(ttl)
	}
	b.data[key] = e
}

func (b *Backend) getLocked(key string) (string, error) {
	e, err := b.typedEntry(key, kindString)
	if err != nil {
		return "", err
	}
	if e == nil {
		return "", storage.ErrNotFound
	}
	return e.str, nil
}

func (b *Backend) deleteLocked(keys ...string) int64 {
	var removed int64
	now := b.now()
	for _, key := range keys {
		if e, ok := b.data[key]; ok {
			if !e.expired(now) {
				removed++
			}
			delete(b.data, key)
		}
	}
	return removed
}

func (b *Backend) expireLocked(key string, ttl time.Duration) bool {
	e := b.liveEntry(key)
	if e == nil {
		return false
	}
	if ttl <= 0 {
		// 与 Redis 一致：非正 TTL 直接删除
		delete(b.data, key)
		return true
	}
	e.expiresAt = b.now().Add(ttl)
	return true
}

func (b *Backend) incrLocked(key string, delta int64) (int64, error) {
	e, err := b.typedEntry(key, kindString)
	if err != nil {
		return 0, err
	}
	if e == nil {
		e = b.createEntry(key, kindString)
		e.str = "0"
	}
	cur, err := strconv.ParseInt(e.str, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("value is not an integer: %q", e.str)
	}
	cur += delta
	e.str = strconv.FormatInt(cur, 10)
	return cur, nil
}

func (b *Backend) incrFloatLocked(key string, delta float64) (float64, error) {
	e, err := b.typedEntry(key, kindString)
	if err != nil {
		return 0, err
	}
	if e == nil {
		e = b.createEntry(key, kindString)
		e.str = "0"
	}
	cur, err := strconv.ParseFloat(e.str, 64)
	if err != nil {
		return 0, fmt.Errorf("value is not a valid float: %q", e.str)
	}
	cur += delta
	e.str = strconv.FormatFloat(cur, 'f', -1, 64)
	return cur, nil
}

func (b *Backend) hIncrLocked(key, field string, delta int64) (int64, error) {
	e, err := b.typedEntry(key, kindHash)
	if err != nil {
		return 0, err
	}
	if e == nil {
		e = b.createEntry(key, kindHash)
	}
	var cur int64
	if raw, ok := e.hash[field]; ok {
		cur, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("hash value is not an integer: %q", raw)
		}
	}
	cur += delta
	e.hash[field] = strconv.FormatInt(cur, 10)
	return cur, nil
}

func (b *Backend) hIncrFloatLocked(key, field string, delta float64) (float64, error) {
	e, err := b.typedEntry(key, kindHash)
	if err != nil {
		return 0, err
	}
	if e == nil {
		e = b.createEntry(key, kindHash)
	}
	var cur float64
	if raw, ok := e.hash[field]; ok {
		cur, err = strconv.ParseFloat(raw, 64)
		if err != nil {
			return 0, fmt.Errorf("hash value is not a valid float: %q", raw)
		}
	}
	cur += delta
	e.hash[field] = strconv.FormatFloat(cur, 'f', -1, 64)
	return cur, nil
}

func (b *Backend) hGetAllLocked(key string) (map[string]string, error) {
	e, err := b.typedEntry(key, kindHash)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	if e != nil {
		for f, v := range e.hash {
			out[f] = v
		}
	}
	return out, nil
}

// ========== 字符串操作 ==========

func (b *Backend) Get(ctx context.Context, key string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.getLocked(key)
}

func (b *Backend) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setLocked(key, value, ttl)
	return nil
}

func (b *Backend) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.liveEntry(key) != nil {
		return false, nil
	}
	b.setLocked(key, value, ttl)
	return true, nil
}

func (b *Backend) Delete(ctx context.Context, keys ...string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deleteLocked(keys...), nil
}

func (b *Backend) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.expireLocked(key, ttl), nil
}

func (b *Backend) TTL(ctx context.Context, key string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.liveEntry(key)
	if e == nil {
		return storage.TTLMissing, nil
	}
	if e.expiresAt.IsZero() {
		return storage.TTLNone, nil
	}
	remaining := e.expiresAt.Sub(b.now())
	return int64(math.Ceil(remaining.Seconds())), nil
}

func (b *Backend) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.incrLocked(key, delta)
}

func (b *Backend) IncrementFloat(ctx context.Context, key string, delta float64) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.incrFloatLocked(key, delta)
}

// ========== 哈希操作 ==========

func (b *Backend) HSetField(ctx context.Context, key, field, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, err := b.typedEntry(key, kindHash)
	if err != nil {
		return err
	}
	if e == nil {
		e = b.createEntry(key, kindHash)
	}
	e.hash[field] = value
	return nil
}

func (b *Backend) HSetFields(ctx context.Context, key string, fields map[string]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(fields) == 0 {
		return nil
	}
	e, err := b.typedEntry(key, kindHash)
	if err != nil {
		return err
	}
	if e == nil {
		e = b.createEntry(key, kindHash)
	}
	for f, v := range fields {
		e.hash[f] = v
	}
	return nil
}

func (b *Backend) HGetField(ctx context.Context, key, field string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, err := b.typedEntry(key, kindHash)
	if err != nil {
		return "", err
	}
	if e == nil {
		return "", storage.ErrNotFound
	}
	v, ok := e.hash[field]
	if !ok {
		return "", storage.ErrNotFound
	}
	return v, nil
}

func (b *Backend) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hGetAllLocked(key)
}

func (b *Backend) HDeleteFields(ctx context.Context, key string, fields ...string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, err := b.typedEntry(key, kindHash)
	if err != nil {
		return 0, err
	}
	if e == nil {
		return 0, nil
	}
	var removed int64
	for _, f := range fields {
		if _, ok := e.hash[f]; ok {
			delete(e.hash, f)
			removed++
		}
	}
	b.dropIfEmpty(key, e)
	return removed, nil
}

func (b *Backend) HIncrementField(ctx context.Context, key, field string, delta int64) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hIncrLocked(key, field, delta)
}

// ========== 列表操作 ==========

func (b *Backend) ListPrepend(ctx context.Context, key string, values ...string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(values) == 0 {
		return 0, nil
	}
	e, err := b.typedEntry(key, kindList)
	if err != nil {
		return 0, err
	}
	if e == nil {
		e = b.createEntry(key, kindList)
	}
	// LPUSH 逐个头插：后写的值排在更前面
	for _, v := range values {
		e.list = append([]string{v}, e.list...)
	}
	return int64(len(e.list)), nil
}

// normalizeRange 把 Redis 风格区间（支持负索引）换算成切片下标
func normalizeRange(start, stop, n int64) (int64, int64, bool) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop || start >= n {
		return 0, 0, false
	}
	return start, stop, true
}

func (b *Backend) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, err := b.typedEntry(key, kindList)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return []string{}, nil
	}
	lo, hi, ok := normalizeRange(start, stop, int64(len(e.list)))
	if !ok {
		return []string{}, nil
	}
	out := make([]string, hi-lo+1)
	copy(out, e.list[lo:hi+1])
	return out, nil
}

func (b *Backend) ListTrim(ctx context.Context, key string, start, stop int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, err := b.typedEntry(key, kindList)
	if err != nil {
		return err
	}
	if e == nil {
		return nil
	}
	lo, hi, ok := normalizeRange(start, stop, int64(len(e.list)))
	if !ok {
		delete(b.data, key)
		return nil
	}
	e.list = e.list[lo : hi+1]
	b.dropIfEmpty(key, e)
	return nil
}

// ========== 有序集合操作 ==========

func (b *Backend) ZAdd(ctx context.Context, key, member string, score float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, err := b.typedEntry(key, kindZSet)
	if err != nil {
		return err
	}
	if e == nil {
		e = b.createEntry(key, kindZSet)
	}
	e.zset[member] = score
	return nil
}

func (b *Backend) ZRemove(ctx context.Context, key string, members ...string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, err := b.typedEntry(key, kindZSet)
	if err != nil {
		return 0, err
	}
	if e == nil {
		return 0, nil
	}
	var removed int64
	for _, m := range members {
		if _, ok := e.zset[m]; ok {
			delete(e.zset, m)
			removed++
		}
	}
	b.dropIfEmpty(key, e)
	return removed, nil
}

func (b *Backend) ZCard(ctx context.Context, key string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, err := b.typedEntry(key, kindZSet)
	if err != nil {
		return 0, err
	}
	if e == nil {
		return 0, nil
	}
	return int64(len(e.zset)), nil
}

func (b *Backend) ZScore(ctx context.Context, key, member string) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, err := b.typedEntry(key, kindZSet)
	if err != nil {
		return 0, err
	}
	if e == nil {
		return 0, storage.ErrNotFound
	}
	score, ok := e.zset[member]
	if !ok {
		return 0, storage.ErrNotFound
	}
	return score, nil
}

func (b *Backend) ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]storage.ZMember, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, err := b.typedEntry(key, kindZSet)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return []storage.ZMember{}, nil
	}

	members := make([]storage.ZMember, 0, len(e.zset))
	for m, s := range e.zset {
		members = append(members, storage.ZMember{Member: m, Score: s})
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].Score != members[j].Score {
			return members[i].Score < members[j].Score
		}
		return members[i].Member < members[j].Member
	})

	lo, hi, ok := normalizeRange(start, stop, int64(len(members)))
	if !ok {
		return []storage.ZMember{}, nil
	}
	return members[lo : hi+1], nil
}

// scoreBound 解析分数区间端点，支持 -inf/+inf 与 "(" 开区间前缀
type scoreBound struct {
	value     float64
	exclusive bool
}

func parseScoreBound(s string) (scoreBound, error) {
	raw := s
	var excl bool
	if len(raw) > 0 && raw[0] == '(' {
		excl = true
		raw = raw[1:]
	}
	switch raw {
	case "-inf":
		return scoreBound{value: math.Inf(-1), exclusive: excl}, nil
	case "+inf", "inf":
		return scoreBound{value: math.Inf(1), exclusive: excl}, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return scoreBound{}, fmt.Errorf("%w: bad score range bound %q", storage.ErrInvalidArgument, s)
	}
	return scoreBound{value: v, exclusive: excl}, nil
}

func (lo scoreBound) admitsLow(v float64) bool {
	if lo.exclusive {
		return v > lo.value
	}
	return v >= lo.value
}

func (hi scoreBound) admitsHigh(v float64) bool {
	if hi.exclusive {
		return v < hi.value
	}
	return v <= hi.value
}

// zRemoveRangeByScoreLocked 清理分数区间内的成员，空集合随之删除
func (b *Backend) zRemoveRangeByScoreLocked(key, min, max string) (int64, error) {
	lo, err := parseScoreBound(min)
	if err != nil {
		return 0, err
	}
	hi, err := parseScoreBound(max)
	if err != nil {
		return 0, err
	}

	e, terr := b.typedEntry(key, kindZSet)
	if terr != nil {
		return 0, terr
	}
	if e == nil {
		return 0, nil
	}

	var removed int64
	for m, s := range e.zset {
		if lo.admitsLow(s) && hi.admitsHigh(s) {
			delete(e.zset, m)
			removed++
		}
	}
	b.dropIfEmpty(key, e)
	return removed, nil
}

func (b *Backend) ZRemoveRangeByScore(ctx context.Context, key, min, max string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.zRemoveRangeByScoreLocked(key, min, max)
}

// ========== 其它操作 ==========

// Keys 按 glob 模式枚举。key 中不含路径分隔符，path.Match 的
// 通配语义与 Redis 的 glob 匹配一致。
func (b *Backend) Keys(ctx context.Context, pattern string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	var keys []string
	for key, e := range b.data {
		if e.expired(now) {
			delete(b.data, key)
			continue
		}
		ok, err := path.Match(pattern, key)
		if err != nil {
			return nil, fmt.Errorf("%w: bad pattern %q", storage.ErrInvalidArgument, pattern)
		}
		if ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Batch 在单次持锁内顺序执行操作列表。
// 子操作错误记录在各自的结果中，不中止批次。
func (b *Backend) Batch(ctx context.Context, ops []storage.BatchOp) ([]storage.BatchResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	results := make([]storage.BatchResult, len(ops))
	for i, op := range ops {
		switch op.Kind {
		case storage.OpGet:
			v, err := b.getLocked(op.Key)
			results[i] = storage.BatchResult{Str: v, Err: err}
		case storage.OpSet:
			b.setLocked(op.Key, op.Value, op.TTL)
			results[i] = storage.BatchResult{Str: "OK"}
		case storage.OpDelete:
			results[i] = storage.BatchResult{Int: b.deleteLocked(op.Key)}
		case storage.OpExpire:
			if b.expireLocked(op.Key, op.TTL) {
				results[i] = storage.BatchResult{Int: 1}
			} else {
				results[i] = storage.BatchResult{Int: 0}
			}
		case storage.OpIncrBy:
			v, err := b.incrLocked(op.Key, op.IntArg)
			results[i] = storage.BatchResult{Int: v, Err: err}
		case storage.OpIncrByFloat:
			v, err := b.incrFloatLocked(op.Key, op.FloatArg)
			results[i] = storage.BatchResult{Float: v, Err: err}
		case storage.OpHIncrBy:
			v, err := b.hIncrLocked(op.Key, op.Field, op.IntArg)
			results[i] = storage.BatchResult{Int: v, Err: err}
		case storage.OpHIncrByFloat:
			v, err := b.hIncrFloatLocked(op.Key, op.Field, op.FloatArg)
			results[i] = storage.BatchResult{Float: v, Err: err}
		case storage.OpHGetAll:
			v, err := b.hGetAllLocked(op.Key)
			results[i] = storage.BatchResult{Hash: v, Err: err}
		default:
			results[i] = storage.BatchResult{Err: fmt.Errorf("%w: unknown batch op kind %d", storage.ErrInvalidArgument, op.Kind)}
		}
	}
	return results, nil
}

func (b *Backend) Ping(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return storage.ErrUnavailable
	}
	return nil
}
