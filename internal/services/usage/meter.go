// Package usage 实现多粒度的用量与成本计量。
//
// 每次请求的所有计数桶（总量、日/月/小时、模型维度、账户维度、系统
// 分钟指标）在一个批处理里提交，读取方不会观察到只更新了一半的桶。
// 计数桶的日期边界按配置的时区偏移计算，默认 UTC+8。
package usage

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/catstream/relay-core/internal/config"
	"github.com/catstream/relay-core/internal/pkg/logger"
	"github.com/catstream/relay-core/internal/storage"
)

// UsageStats 使用统计
type UsageStats struct {
	TotalTokens         int64   `json:"totalTokens"`
	InputTokens         int64   `json:"inputTokens"`
	OutputTokens        int64   `json:"outputTokens"`
	CacheCreateTokens   int64   `json:"cacheCreateTokens"`
	CacheReadTokens     int64   `json:"cacheReadTokens"`
	AllTokens           int64   `json:"allTokens"`
	RequestCount        int64   `json:"requests"`
	Ephemeral5mTokens   int64   `json:"ephemeral5mTokens,omitempty"`
	Ephemeral1hTokens   int64   `json:"ephemeral1hTokens,omitempty"`
	LongContextRequests int64   `json:"longContextRequests,omitempty"`
	TotalCost           float64 `json:"totalCost,omitempty"`
}

// TokenUsageParams Token 使用参数
type TokenUsageParams struct {
	KeyID                string
	AccountID            string
	Model                string
	InputTokens          int64
	OutputTokens         int64
	CacheCreateTokens    int64
	CacheReadTokens      int64
	Ephemeral5mTokens    int64
	Ephemeral1hTokens    int64
	IsLongContextRequest bool
}

// StatsResult 使用统计结果
type StatsResult struct {
	Total    *UsageStats `json:"total"`
	Daily    *UsageStats `json:"daily"`
	Monthly  *UsageStats `json:"monthly"`
	Averages Averages    `json:"averages"`
}

// Averages 平均值
type Averages struct {
	RPM           float64 `json:"rpm"`
	TPM           float64 `json:"tpm"`
	DailyRequests float64 `json:"dailyRequests"`
	DailyTokens   float64 `json:"dailyTokens"`
}

// SystemMetrics 系统实时指标（最近 N 分钟窗口）
type SystemMetrics struct {
	WindowMinutes     int     `json:"windowMinutes"`
	TotalRequests     int64   `json:"totalRequests"`
	TotalTokens       int64   `json:"totalTokens"`
	InputTokens       int64   `json:"inputTokens"`
	OutputTokens      int64   `json:"outputTokens"`
	CacheCreateTokens int64   `json:"cacheCreateTokens"`
	CacheReadTokens   int64   `json:"cacheReadTokens"`
	RequestsPerMinute float64 `json:"requestsPerMinute"`
	TokensPerMinute   float64 `json:"tokensPerMinute"`
}

// Meter 用量计量器
type Meter struct {
	store         storage.Store
	tzOffset      int
	metricsWindow int
	now           func() time.Time
}

// NewMeter 构造计量器；配置零值回退到默认
func NewMeter(store storage.Store, cfg config.SystemConfig) *Meter {
	tzOffset := cfg.TimezoneOffset
	if tzOffset == 0 {
		tzOffset = config.DefaultTimezoneOffset
	}
	metricsWindow := cfg.MetricsWindow
	if metricsWindow <= 0 {
		metricsWindow = config.DefaultMetricsWindow
	}
	return &Meter{
		store:         store,
		tzOffset:      tzOffset,
		metricsWindow: metricsWindow,
		now:           time.Now,
	}
}

// usageContext 单次请求的计量上下文（内部辅助结构）
type usageContext struct {
	params          TokenUsageParams
	normalizedModel string
	coreTokens      int64
	totalTokens     int64
	dateStr         string
	monthStr        string
	hourStr         string
	ops             []storage.BatchOp
}

func (m *Meter) newUsageContext(params TokenUsageParams, now time.Time) *usageContext {
	coreTokens := params.InputTokens + params.OutputTokens
	return &usageContext{
		params:          params,
		normalizedModel: NormalizeModel(params.Model),
		coreTokens:      coreTokens,
		totalTokens:     coreTokens + params.CacheCreateTokens + params.CacheReadTokens,
		dateStr:         dateString(now, m.tzOffset),
		monthStr:        monthString(now, m.tzOffset),
		hourStr:         hourString(now, m.tzOffset),
	}
}

func (uc *usageContext) hIncr(key, field string, delta int64) {
	uc.ops = append(uc.ops, storage.HIncrByOp(key, field, delta))
}

func (uc *usageContext) expire(key string, ttl time.Duration) {
	uc.ops = append(uc.ops, storage.ExpireOp(key, ttl))
}

// incrAPIKeyTotalUsage 增加 API Key 总体统计
func (uc *usageContext) incrAPIKeyTotalUsage() {
	usageKey := PrefixUsage + uc.params.KeyID

	uc.hIncr(usageKey, "totalTokens", uc.coreTokens)
	uc.hIncr(usageKey, "totalInputTokens", uc.params.InputTokens)
	uc.hIncr(usageKey, "totalOutputTokens", uc.params.OutputTokens)
	uc.hIncr(usageKey, "totalCacheCreateTokens", uc.params.CacheCreateTokens)
	uc.hIncr(usageKey, "totalCacheReadTokens", uc.params.CacheReadTokens)
	uc.hIncr(usageKey, "totalAllTokens", uc.totalTokens)
	uc.hIncr(usageKey, "totalEphemeral5mTokens", uc.params.Ephemeral5mTokens)
	uc.hIncr(usageKey, "totalEphemeral1hTokens", uc.params.Ephemeral1hTokens)
	uc.hIncr(usageKey, "totalRequests", 1)

	if uc.params.IsLongContextRequest {
		uc.hIncr(usageKey, "totalLongContextInputTokens", uc.params.InputTokens)
		uc.hIncr(usageKey, "totalLongContextOutputTokens", uc.params.OutputTokens)
		uc.hIncr(usageKey, "totalLongContextRequests", 1)
	}
}

// incrUsageHashWithExpire 增加使用量 Hash 并设置过期时间
func (uc *usageContext) incrUsageHashWithExpire(key string, ttl time.Duration, includeEphemeral bool) {
	uc.hIncr(key, "tokens", uc.coreTokens)
	uc.hIncr(key, "inputTokens", uc.params.InputTokens)
	uc.hIncr(key, "outputTokens", uc.params.OutputTokens)
	uc.hIncr(key, "cacheCreateTokens", uc.params.CacheCreateTokens)
	uc.hIncr(key, "cacheReadTokens", uc.params.CacheReadTokens)
	uc.hIncr(key, "allTokens", uc.totalTokens)
	if includeEphemeral {
		uc.hIncr(key, "ephemeral5mTokens", uc.params.Ephemeral5mTokens)
		uc.hIncr(key, "ephemeral1hTokens", uc.params.Ephemeral1hTokens)
	}
	uc.hIncr(key, "requests", 1)
	uc.expire(key, ttl)
}

// incrTimeBasedUsage 增加时间维度统计（每日/每月/每小时）
func (uc *usageContext) incrTimeBasedUsage() {
	dailyKey := fmt.Sprintf("%s%s:%s", PrefixUsageDaily, uc.params.KeyID, uc.dateStr)
	monthlyKey := fmt.Sprintf("%s%s:%s", PrefixUsageMonthly, uc.params.KeyID, uc.monthStr)
	hourlyKey := fmt.Sprintf("%s%s:%s", PrefixUsageHourly, uc.params.KeyID, uc.hourStr)

	uc.incrUsageHashWithExpire(dailyKey, TTLUsageDaily, true)
	if uc.params.IsLongContextRequest {
		uc.hIncr(dailyKey, "longContextInputTokens", uc.params.InputTokens)
		uc.hIncr(dailyKey, "longContextOutputTokens", uc.params.OutputTokens)
		uc.hIncr(dailyKey, "longContextRequests", 1)
	}

	uc.incrUsageHashWithExpire(monthlyKey, TTLUsageMonthly, true)
	uc.incrUsageHashWithExpire(hourlyKey, TTLUsageHourly, false)
}

// incrModelBasicUsage 增加基本模型统计
func (uc *usageContext) incrModelBasicUsage(key string, ttl time.Duration) {
	uc.hIncr(key, "inputTokens", uc.params.InputTokens)
	uc.hIncr(key, "outputTokens", uc.params.OutputTokens)
	uc.hIncr(key, "cacheCreateTokens", uc.params.CacheCreateTokens)
	uc.hIncr(key, "cacheReadTokens", uc.params.CacheReadTokens)
	uc.hIncr(key, "allTokens", uc.totalTokens)
	uc.hIncr(key, "requests", 1)
	uc.expire(key, ttl)
}

// incrModelUsage 增加全局按模型统计
func (uc *usageContext) incrModelUsage() {
	uc.incrModelBasicUsage(fmt.Sprintf("usage:model:daily:%s:%s", uc.normalizedModel, uc.dateStr), TTLUsageDaily)
	uc.incrModelBasicUsage(fmt.Sprintf("usage:model:monthly:%s:%s", uc.normalizedModel, uc.monthStr), TTLUsageMonthly)
	uc.incrModelBasicUsage(fmt.Sprintf("usage:model:hourly:%s:%s", uc.normalizedModel, uc.hourStr), TTLUsageHourly)
}

// incrKeyModelUsage 增加 API Key 级别的模型统计
func (uc *usageContext) incrKeyModelUsage() {
	keyModelDailyKey := fmt.Sprintf("usage:%s:model:daily:%s:%s", uc.params.KeyID, uc.normalizedModel, uc.dateStr)
	keyModelMonthlyKey := fmt.Sprintf("usage:%s:model:monthly:%s:%s", uc.params.KeyID, uc.normalizedModel, uc.monthStr)
	keyModelHourlyKey := fmt.Sprintf("usage:%s:model:hourly:%s:%s", uc.params.KeyID, uc.normalizedModel, uc.hourStr)

	// 每日（含 ephemeral）
	uc.incrModelBasicUsage(keyModelDailyKey, TTLUsageDaily)
	uc.hIncr(keyModelDailyKey, "ephemeral5mTokens", uc.params.Ephemeral5mTokens)
	uc.hIncr(keyModelDailyKey, "ephemeral1hTokens", uc.params.Ephemeral1hTokens)

	// 每月（含 ephemeral）
	uc.incrModelBasicUsage(keyModelMonthlyKey, TTLUsageMonthly)
	uc.hIncr(keyModelMonthlyKey, "ephemeral5mTokens", uc.params.Ephemeral5mTokens)
	uc.hIncr(keyModelMonthlyKey, "ephemeral1hTokens", uc.params.Ephemeral1hTokens)

	// 每小时
	uc.incrModelBasicUsage(keyModelHourlyKey, TTLUsageHourly)
}

// incrAccountUsage 增加账户级别统计
func (uc *usageContext) incrAccountUsage() {
	accountID := uc.params.AccountID

	accountKey := PrefixAccountUsage + accountID
	accountDailyKey := fmt.Sprintf("account_usage:daily:%s:%s", accountID, uc.dateStr)
	accountMonthlyKey := fmt.Sprintf("account_usage:monthly:%s:%s", accountID, uc.monthStr)
	accountHourlyKey := fmt.Sprintf("account_usage:hourly:%s:%s", accountID, uc.hourStr)
	accountModelDailyKey := fmt.Sprintf("account_usage:model:daily:%s:%s:%s", accountID, uc.normalizedModel, uc.dateStr)
	accountModelMonthlyKey := fmt.Sprintf("account_usage:model:monthly:%s:%s:%s", accountID, uc.normalizedModel, uc.monthStr)
	accountModelHourlyKey := fmt.Sprintf("account_usage:model:hourly:%s:%s:%s", accountID, uc.normalizedModel, uc.hourStr)

	// 账户总体统计
	uc.hIncr(accountKey, "totalTokens", uc.coreTokens)
	uc.hIncr(accountKey, "totalInputTokens", uc.params.InputTokens)
	uc.hIncr(accountKey, "totalOutputTokens", uc.params.OutputTokens)
	uc.hIncr(accountKey, "totalCacheCreateTokens", uc.params.CacheCreateTokens)
	uc.hIncr(accountKey, "totalCacheReadTokens", uc.params.CacheReadTokens)
	uc.hIncr(accountKey, "totalAllTokens", uc.totalTokens)
	uc.hIncr(accountKey, "totalRequests", 1)

	if uc.params.IsLongContextRequest {
		uc.hIncr(accountKey, "totalLongContextInputTokens", uc.params.InputTokens)
		uc.hIncr(accountKey, "totalLongContextOutputTokens", uc.params.OutputTokens)
		uc.hIncr(accountKey, "totalLongContextRequests", 1)
	}

	// 账户时间维度统计
	uc.incrUsageHashWithExpire(accountDailyKey, TTLUsageDaily, false)
	if uc.params.IsLongContextRequest {
		uc.hIncr(accountDailyKey, "longContextInputTokens", uc.params.InputTokens)
		uc.hIncr(accountDailyKey, "longContextOutputTokens", uc.params.OutputTokens)
		uc.hIncr(accountDailyKey, "longContextRequests", 1)
	}
	uc.incrUsageHashWithExpire(accountMonthlyKey, TTLUsageMonthly, false)
	uc.incrUsageHashWithExpire(accountHourlyKey, TTLUsageHourly, false)

	// hourly 键内嵌模型级字段，支撑会话窗口按模型聚合
	uc.hIncr(accountHourlyKey, fmt.Sprintf("model:%s:inputTokens", uc.normalizedModel), uc.params.InputTokens)
	uc.hIncr(accountHourlyKey, fmt.Sprintf("model:%s:outputTokens", uc.normalizedModel), uc.params.OutputTokens)
	uc.hIncr(accountHourlyKey, fmt.Sprintf("model:%s:cacheCreateTokens", uc.normalizedModel), uc.params.CacheCreateTokens)
	uc.hIncr(accountHourlyKey, fmt.Sprintf("model:%s:cacheReadTokens", uc.normalizedModel), uc.params.CacheReadTokens)
	uc.hIncr(accountHourlyKey, fmt.Sprintf("model:%s:allTokens", uc.normalizedModel), uc.totalTokens)
	uc.hIncr(accountHourlyKey, fmt.Sprintf("model:%s:requests", uc.normalizedModel), 1)

	// 账户按模型统计
	uc.incrModelBasicUsage(accountModelDailyKey, TTLUsageDaily)
	uc.incrModelBasicUsage(accountModelMonthlyKey, TTLUsageMonthly)
	uc.incrModelBasicUsage(accountModelHourlyKey, TTLUsageHourly)
}

// incrSystemMetrics 增加系统级分钟统计
func (uc *usageContext) incrSystemMetrics(now time.Time, metricsWindow int) {
	systemMinuteKey := fmt.Sprintf("%s%d", PrefixSystemMetrics, minuteTimestamp(now))

	uc.hIncr(systemMinuteKey, "requests", 1)
	uc.hIncr(systemMinuteKey, "totalTokens", uc.totalTokens)
	uc.hIncr(systemMinuteKey, "inputTokens", uc.params.InputTokens)
	uc.hIncr(systemMinuteKey, "outputTokens", uc.params.OutputTokens)
	uc.hIncr(systemMinuteKey, "cacheCreateTokens", uc.params.CacheCreateTokens)
	uc.hIncr(systemMinuteKey, "cacheReadTokens", uc.params.CacheReadTokens)
	uc.expire(systemMinuteKey, time.Duration(metricsWindow*60*2)*time.Second)
}

// RecordRequest 记录一次请求的全部用量桶。
// 所有计数在单个批处理内提交。
func (m *Meter) RecordRequest(ctx context.Context, params TokenUsageParams) error {
	if params.KeyID == "" {
		return fmt.Errorf("%w: key ID is required for usage metering", storage.ErrInvalidArgument)
	}

	now := m.now()
	uc := m.newUsageContext(params, now)

	uc.incrAPIKeyTotalUsage()
	uc.incrTimeBasedUsage()
	uc.incrModelUsage()
	uc.incrKeyModelUsage()
	if params.AccountID != "" {
		uc.incrAccountUsage()
	}
	uc.incrSystemMetrics(now, m.metricsWindow)

	if _, err := m.store.Batch(ctx, uc.ops); err != nil {
		logger.Error("Failed to record token usage", zap.Error(err))
		return err
	}
	return nil
}

// RecordLegacyTokens 记录只有总量的历史调用。
// 无法拆分输入/输出时把全部 token 记到输出侧。
func (m *Meter) RecordLegacyTokens(ctx context.Context, keyID string, tokens int64, model string) error {
	return m.RecordRequest(ctx, TokenUsageParams{
		KeyID:        keyID,
		Model:        model,
		OutputTokens: tokens,
	})
}

// Stats 获取 API Key 的使用统计（总量 / 当日 / 当月 / 平均值）
func (m *Meter) Stats(ctx context.Context, keyID string) (*StatsResult, error) {
	now := m.now()
	dateStr := dateString(now, m.tzOffset)
	monthStr := monthString(now, m.tzOffset)

	totalKey := PrefixUsage + keyID
	dailyKey := fmt.Sprintf("%s%s:%s", PrefixUsageDaily, keyID, dateStr)
	monthlyKey := fmt.Sprintf("%s%s:%s", PrefixUsageMonthly, keyID, monthStr)

	results, err := m.store.Batch(ctx, []storage.BatchOp{
		storage.HGetAllOp(totalKey),
		storage.HGetAllOp(dailyKey),
		storage.HGetAllOp(monthlyKey),
		storage.HGetAllOp(PrefixAPIKey + keyID),
	})
	if err != nil {
		return nil, err
	}

	totalStats := parseUsageData(results[0].Hash)
	dailyStats := parseUsageData(results[1].Hash)
	monthlyStats := parseUsageData(results[2].Hash)

	// 根据 Key 创建时间计算平均值
	createdAt := now
	if keyData := results[3].Hash; keyData["createdAt"] != "" {
		if t, err := time.Parse(time.RFC3339, keyData["createdAt"]); err == nil {
			createdAt = t
		}
	}

	daysSinceCreated := int64(1)
	if d := int64(now.Sub(createdAt).Hours() / 24); d > 0 {
		daysSinceCreated = d
	}

	totalTokens := totalStats.TotalTokens
	if totalTokens == 0 {
		totalTokens = totalStats.AllTokens
	}
	totalRequests := totalStats.RequestCount

	totalMinutes := daysSinceCreated * 24 * 60
	if totalMinutes < 1 {
		totalMinutes = 1
	}

	return &StatsResult{
		Total:   totalStats,
		Daily:   dailyStats,
		Monthly: monthlyStats,
		Averages: Averages{
			RPM:           float64(totalRequests) / float64(totalMinutes),
			TPM:           float64(totalTokens) / float64(totalMinutes),
			DailyRequests: float64(totalRequests) / float64(daysSinceCreated),
			DailyTokens:   float64(totalTokens) / float64(daysSinceCreated),
		},
	}, nil
}

// AccountStats 获取账户总体使用统计
func (m *Meter) AccountStats(ctx context.Context, accountID string) (*UsageStats, error) {
	data, err := m.store.HGetAll(ctx, PrefixAccountUsage+accountID)
	if err != nil {
		return nil, err
	}
	return parseUsageData(data), nil
}

// DailyModelStats 获取 API Key 按模型分类的每日使用统计
func (m *Meter) DailyModelStats(ctx context.Context, keyID string, date time.Time) (map[string]*UsageStats, error) {
	dateStr := dateString(date, m.tzOffset)
	pattern := fmt.Sprintf("usage:%s:model:daily:*:%s", keyID, dateStr)

	keys, err := m.store.Keys(ctx, pattern)
	if err != nil {
		return nil, err
	}

	result := make(map[string]*UsageStats)
	for _, key := range keys {
		// 格式: usage:{keyId}:model:daily:{model}:{date}
		parts := strings.Split(key, ":")
		if len(parts) < 5 {
			continue
		}
		model := parts[4]

		data, err := m.store.HGetAll(ctx, key)
		if err != nil {
			continue
		}
		result[model] = parseUsageData(data)
	}
	return result, nil
}

// usedModelRe 从 key 中提取模型名
// 格式: usage:{keyId}:model:daily:{model}:{date}
var usedModelRe = regexp.MustCompile(`usage:[^:]+:model:daily:([^:]+):`)

// AllUsedModels 获取所有被使用过的模型列表
func (m *Meter) AllUsedModels(ctx context.Context) ([]string, error) {
	keys, err := m.store.Keys(ctx, "usage:*:model:daily:*")
	if err != nil {
		return nil, err
	}

	modelSet := make(map[string]struct{})
	for _, key := range keys {
		matches := usedModelRe.FindStringSubmatch(key)
		if len(matches) > 1 {
			modelSet[matches[1]] = struct{}{}
		}
	}

	models := make([]string, 0, len(modelSet))
	for model := range modelSet {
		models = append(models, model)
	}
	sort.Strings(models)
	return models, nil
}

// sessionWindowHashes 批量读取账户会话窗口内的小时级 Hash
func (m *Meter) sessionWindowHashes(ctx context.Context, accountID string, windowHours int) ([]storage.BatchResult, error) {
	now := m.now()

	var ops []storage.BatchOp
	currentHour := now.Add(time.Duration(-windowHours) * time.Hour)
	for currentHour.Before(now) || currentHour.Equal(now) {
		hourStr := hourString(currentHour, m.tzOffset)
		ops = append(ops, storage.HGetAllOp(fmt.Sprintf("account_usage:hourly:%s:%s", accountID, hourStr)))
		currentHour = currentHour.Add(time.Hour)
	}

	return m.store.Batch(ctx, ops)
}

// SessionWindowUsage 获取账户在会话窗口内的使用统计
func (m *Meter) SessionWindowUsage(ctx context.Context, accountID string, windowHours int) (*UsageStats, error) {
	results, err := m.sessionWindowHashes(ctx, accountID, windowHours)
	if err != nil {
		return nil, err
	}

	stats := &UsageStats{}
	for _, r := range results {
		if r.Err != nil || len(r.Hash) == 0 {
			continue
		}
		stats.InputTokens += parseInt64(r.Hash["inputTokens"])
		stats.OutputTokens += parseInt64(r.Hash["outputTokens"])
		stats.CacheCreateTokens += parseInt64(r.Hash["cacheCreateTokens"])
		stats.CacheReadTokens += parseInt64(r.Hash["cacheReadTokens"])
		stats.AllTokens += parseInt64(r.Hash["allTokens"])
		stats.RequestCount += parseInt64(r.Hash["requests"])
	}
	stats.TotalTokens = stats.InputTokens + stats.OutputTokens
	return stats, nil
}

// SessionWindowUsageByModel 获取账户在会话窗口内按模型分类的使用统计
func (m *Meter) SessionWindowUsageByModel(ctx context.Context, accountID string, windowHours int) (map[string]*UsageStats, error) {
	results, err := m.sessionWindowHashes(ctx, accountID, windowHours)
	if err != nil {
		return nil, err
	}

	modelUsage := make(map[string]*UsageStats)
	for _, r := range results {
		if r.Err != nil || len(r.Hash) == 0 {
			continue
		}

		// 模型级字段格式: model:{modelName}:{metric}
		for field, value := range r.Hash {
			if !strings.HasPrefix(field, "model:") {
				continue
			}
			remaining := field[len("model:"):]
			lastColon := strings.LastIndex(remaining, ":")
			if lastColon == -1 {
				continue
			}
			modelName := remaining[:lastColon]
			metric := remaining[lastColon+1:]

			if _, ok := modelUsage[modelName]; !ok {
				modelUsage[modelName] = &UsageStats{}
			}

			v := parseInt64(value)
			switch metric {
			case "inputTokens":
				modelUsage[modelName].InputTokens += v
			case "outputTokens":
				modelUsage[modelName].OutputTokens += v
			case "cacheCreateTokens":
				modelUsage[modelName].CacheCreateTokens += v
			case "cacheReadTokens":
				modelUsage[modelName].CacheReadTokens += v
			case "allTokens":
				modelUsage[modelName].AllTokens += v
			case "requests":
				modelUsage[modelName].RequestCount += v
			}
		}
	}

	for _, stats := range modelUsage {
		stats.TotalTokens = stats.InputTokens + stats.OutputTokens
	}
	return modelUsage, nil
}

// RealtimeSystemMetrics 聚合最近 windowMinutes 分钟的系统级指标。
// windowMinutes 非正时使用配置的默认窗口。
func (m *Meter) RealtimeSystemMetrics(ctx context.Context, windowMinutes int) (*SystemMetrics, error) {
	if windowMinutes <= 0 {
		windowMinutes = m.metricsWindow
	}
	now := m.now()

	ops := make([]storage.BatchOp, 0, windowMinutes)
	for i := 0; i < windowMinutes; i++ {
		ts := minuteTimestamp(now.Add(time.Duration(-i) * time.Minute))
		ops = append(ops, storage.HGetAllOp(fmt.Sprintf("%s%d", PrefixSystemMetrics, ts)))
	}

	results, err := m.store.Batch(ctx, ops)
	if err != nil {
		return nil, err
	}

	metrics := &SystemMetrics{WindowMinutes: windowMinutes}
	for _, r := range results {
		if r.Err != nil || len(r.Hash) == 0 {
			continue
		}
		metrics.TotalRequests += parseInt64(r.Hash["requests"])
		metrics.TotalTokens += parseInt64(r.Hash["totalTokens"])
		metrics.InputTokens += parseInt64(r.Hash["inputTokens"])
		metrics.OutputTokens += parseInt64(r.Hash["outputTokens"])
		metrics.CacheCreateTokens += parseInt64(r.Hash["cacheCreateTokens"])
		metrics.CacheReadTokens += parseInt64(r.Hash["cacheReadTokens"])
	}

	metrics.RequestsPerMinute = float64(metrics.TotalRequests) / float64(windowMinutes)
	metrics.TokensPerMinute = float64(metrics.TotalTokens) / float64(windowMinutes)
	return metrics, nil
}

// ========== 辅助函数 ==========

// parseUsageData 解析使用数据。
// 总量 Hash 用 total 前缀字段，时间桶用无前缀字段；对应字段为零时
// 回退到另一套命名，兼容两类 Hash。
func parseUsageData(data map[string]string) *UsageStats {
	stats := &UsageStats{
		TotalTokens:         parseInt64(data["totalTokens"]),
		InputTokens:         parseInt64(data["totalInputTokens"]),
		OutputTokens:        parseInt64(data["totalOutputTokens"]),
		CacheCreateTokens:   parseInt64(data["totalCacheCreateTokens"]),
		CacheReadTokens:     parseInt64(data["totalCacheReadTokens"]),
		AllTokens:           parseInt64(data["totalAllTokens"]),
		RequestCount:        parseInt64(data["totalRequests"]),
		Ephemeral5mTokens:   parseInt64(data["totalEphemeral5mTokens"]),
		Ephemeral1hTokens:   parseInt64(data["totalEphemeral1hTokens"]),
		LongContextRequests: parseInt64(data["totalLongContextRequests"]),
	}

	if stats.TotalTokens == 0 {
		stats.TotalTokens = parseInt64(data["tokens"])
	}
	if stats.InputTokens == 0 {
		stats.InputTokens = parseInt64(data["inputTokens"])
	}
	if stats.OutputTokens == 0 {
		stats.OutputTokens = parseInt64(data["outputTokens"])
	}
	if stats.CacheCreateTokens == 0 {
		stats.CacheCreateTokens = parseInt64(data["cacheCreateTokens"])
	}
	if stats.CacheReadTokens == 0 {
		stats.CacheReadTokens = parseInt64(data["cacheReadTokens"])
	}
	if stats.AllTokens == 0 {
		stats.AllTokens = parseInt64(data["allTokens"])
	}
	if stats.RequestCount == 0 {
		stats.RequestCount = parseInt64(data["requests"])
	}
	if stats.Ephemeral5mTokens == 0 {
		stats.Ephemeral5mTokens = parseInt64(data["ephemeral5mTokens"])
	}
	if stats.Ephemeral1hTokens == 0 {
		stats.Ephemeral1hTokens = parseInt64(data["ephemeral1hTokens"])
	}
	if stats.LongContextRequests == 0 {
		stats.LongContextRequests = parseInt64(data["longContextRequests"])
	}

	return stats
}

var (
	claudeDateSuffixRe  = regexp.MustCompile(`-\d{8}$`)
	versionSuffixRe     = regexp.MustCompile(`-v\d+:\d+$`)
	genericVersionSufRe = regexp.MustCompile(`-v\d+:\d+$|:latest$`)
)

// NormalizeModel 标准化模型名，同一基础模型的不同版本归入同一桶
func NormalizeModel(model string) string {
	if model == "" {
		return "unknown"
	}

	normalized := model

	// Bedrock 风格 id（如 us.anthropic.claude-sonnet-4-20250514-v1:0）：
	// 去掉区域/厂商前缀，折叠到基础模型桶
	if idx := strings.Index(normalized, "anthropic."); idx != -1 {
		normalized = normalized[idx+len("anthropic."):]
	}

	// Claude 模型提取基础名称：先去掉版本后缀，再去掉日期后缀（如 -20241022）
	if strings.HasPrefix(normalized, "claude-") {
		normalized = versionSuffixRe.ReplaceAllString(normalized, "")
		return claudeDateSuffixRe.ReplaceAllString(normalized, "")
	}

	// 其他模型去掉常见的版本后缀
	return genericVersionSufRe.ReplaceAllString(normalized, "")
}

// parseInt64 安全解析 int64
func parseInt64(s string) int64 {
	if s == "" {
		return 0
	}
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}

// parseFloat64 安全解析 float64
func parseFloat64(s string) float64 {
	if s == "" {
		return 0
	}
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
