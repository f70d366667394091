package usage

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/catstream/relay-core/internal/pkg/logger"
	"github.com/catstream/relay-core/internal/storage"
)

// CostStats 成本统计
type CostStats struct {
	TotalCost    float64 `json:"totalCost"`
	InputCost    float64 `json:"inputCost"`
	OutputCost   float64 `json:"outputCost"`
	CacheCost    float64 `json:"cacheCost"`
	RequestCount int64   `json:"requestCount"`
}

// DailyCostRecord 每日成本记录
type DailyCostRecord struct {
	Date         string  `json:"date"`
	TotalCost    float64 `json:"totalCost"`
	InputCost    float64 `json:"inputCost"`
	OutputCost   float64 `json:"outputCost"`
	CacheCost    float64 `json:"cacheCost"`
	RequestCount int64   `json:"requestCount"`
}

// RecordCost 增加 API Key 成本（每日/每月/每小时/总量四个桶一次提交）
func (m *Meter) RecordCost(ctx context.Context, keyID string, amount float64) error {
	now := m.now()
	dateStr := dateString(now, m.tzOffset)
	monthStr := monthString(now, m.tzOffset)
	hourStr := hourString(now, m.tzOffset)

	dailyCostKey := fmt.Sprintf("usage:cost:daily:%s:%s", keyID, dateStr)
	monthlyCostKey := fmt.Sprintf("usage:cost:monthly:%s:%s", keyID, monthStr)
	hourlyCostKey := fmt.Sprintf("usage:cost:hourly:%s:%s", keyID, hourStr)
	totalCostKey := fmt.Sprintf("usage:cost:total:%s", keyID)

	_, err := m.store.Batch(ctx, []storage.BatchOp{
		storage.IncrByFloatOp(dailyCostKey, amount),
		storage.ExpireOp(dailyCostKey, TTLUsageDaily),
		storage.IncrByFloatOp(monthlyCostKey, amount),
		storage.ExpireOp(monthlyCostKey, TTLUsageMonthly),
		storage.IncrByFloatOp(hourlyCostKey, amount),
		storage.ExpireOp(hourlyCostKey, TTLUsageHourly),
		storage.IncrByFloatOp(totalCostKey, amount),
	})
	if err != nil {
		logger.Error("Failed to record daily cost", zap.Error(err))
		return err
	}
	return nil
}

// costHashIncrOps 详细成本 Hash 的增量操作
func costHashIncrOps(key string, totalCost, inputCost, outputCost, cacheCost float64) []storage.BatchOp {
	return []storage.BatchOp{
		storage.HIncrByFloatOp(key, "totalCost", totalCost),
		storage.HIncrByFloatOp(key, "inputCost", inputCost),
		storage.HIncrByFloatOp(key, "outputCost", outputCost),
		storage.HIncrByFloatOp(key, "cacheCost", cacheCost),
		storage.HIncrByOp(key, "requestCount", 1),
	}
}

// RecordDetailedCost 增加详细成本（分输入/输出/缓存）
func (m *Meter) RecordDetailedCost(ctx context.Context, keyID string, inputCost, outputCost, cacheCost float64) error {
	now := m.now()
	dateStr := dateString(now, m.tzOffset)
	monthStr := monthString(now, m.tzOffset)
	totalCost := inputCost + outputCost + cacheCost

	dailyCostKey := fmt.Sprintf("usage:cost:daily:%s:%s", keyID, dateStr)
	monthlyCostKey := fmt.Sprintf("usage:cost:monthly:%s:%s", keyID, monthStr)
	hourlyCostKey := fmt.Sprintf("usage:cost:hourly:%s:%s", keyID, hourString(now, m.tzOffset))
	totalCostKey := fmt.Sprintf("usage:cost:total:%s", keyID)

	var ops []storage.BatchOp
	ops = append(ops, costHashIncrOps(dailyCostKey, totalCost, inputCost, outputCost, cacheCost)...)
	ops = append(ops, storage.ExpireOp(dailyCostKey, TTLUsageDaily))
	ops = append(ops, costHashIncrOps(monthlyCostKey, totalCost, inputCost, outputCost, cacheCost)...)
	ops = append(ops, storage.ExpireOp(monthlyCostKey, TTLUsageMonthly))
	ops = append(ops, costHashIncrOps(hourlyCostKey, totalCost, inputCost, outputCost, cacheCost)...)
	ops = append(ops, storage.ExpireOp(hourlyCostKey, TTLUsageHourly))
	ops = append(ops, costHashIncrOps(totalCostKey, totalCost, inputCost, outputCost, cacheCost)...)

	_, err := m.store.Batch(ctx, ops)
	return err
}

// DailyCost 获取当日成本
func (m *Meter) DailyCost(ctx context.Context, keyID string) (float64, error) {
	dateStr := dateString(m.now(), m.tzOffset)
	costKey := fmt.Sprintf("usage:cost:daily:%s:%s", keyID, dateStr)
	return m.readCostValue(ctx, costKey)
}

// MonthlyCost 获取当月成本
func (m *Meter) MonthlyCost(ctx context.Context, keyID string) (float64, error) {
	monthStr := monthString(m.now(), m.tzOffset)
	costKey := fmt.Sprintf("usage:cost:monthly:%s:%s", keyID, monthStr)
	return m.readCostValue(ctx, costKey)
}

// HourlyCost 获取当前小时成本
func (m *Meter) HourlyCost(ctx context.Context, keyID string) (float64, error) {
	hourStr := hourString(m.now(), m.tzOffset)
	costKey := fmt.Sprintf("usage:cost:hourly:%s:%s", keyID, hourStr)
	return m.readCostValue(ctx, costKey)
}

// readCostValue 读取成本值，兼容 Hash 与旧的纯数值两种存储格式
func (m *Meter) readCostValue(ctx context.Context, costKey string) (float64, error) {
	result, err := m.store.HGetField(ctx, costKey, "totalCost")
	if err == nil {
		return parseFloat64(result), nil
	}

	// 兼容旧格式（直接存储数值）
	result, err = m.store.Get(ctx, costKey)
	if err != nil {
		if err == storage.ErrNotFound || err == storage.ErrWrongType {
			return 0, nil
		}
		return 0, err
	}
	return parseFloat64(result), nil
}

// DailyCostDetailed 获取指定日期的详细成本
func (m *Meter) DailyCostDetailed(ctx context.Context, keyID string, date time.Time) (*CostStats, error) {
	dateStr := dateString(date, m.tzOffset)
	costKey := fmt.Sprintf("usage:cost:daily:%s:%s", keyID, dateStr)
	return m.readCostStats(ctx, costKey)
}

// MonthlyCostDetailed 获取指定月份的详细成本
func (m *Meter) MonthlyCostDetailed(ctx context.Context, keyID string, date time.Time) (*CostStats, error) {
	monthStr := monthString(date, m.tzOffset)
	costKey := fmt.Sprintf("usage:cost:monthly:%s:%s", keyID, monthStr)
	return m.readCostStats(ctx, costKey)
}

// HourlyCostDetailed 获取指定小时的详细成本
func (m *Meter) HourlyCostDetailed(ctx context.Context, keyID string, at time.Time) (*CostStats, error) {
	costKey := fmt.Sprintf("usage:cost:hourly:%s:%s", keyID, hourString(at, m.tzOffset))
	return m.readCostStats(ctx, costKey)
}

// TotalCost 获取总成本
func (m *Meter) TotalCost(ctx context.Context, keyID string) (*CostStats, error) {
	return m.readCostStats(ctx, fmt.Sprintf("usage:cost:total:%s", keyID))
}

func (m *Meter) readCostStats(ctx context.Context, costKey string) (*CostStats, error) {
	data, err := m.store.HGetAll(ctx, costKey)
	if err != nil {
		return nil, err
	}
	return &CostStats{
		TotalCost:    parseFloat64(data["totalCost"]),
		InputCost:    parseFloat64(data["inputCost"]),
		OutputCost:   parseFloat64(data["outputCost"]),
		CacheCost:    parseFloat64(data["cacheCost"]),
		RequestCount: parseInt64(data["requestCount"]),
	}, nil
}

// CostHistory 获取成本历史（最近 N 天）
func (m *Meter) CostHistory(ctx context.Context, keyID string, days int) ([]DailyCostRecord, error) {
	now := m.now()
	records := make([]DailyCostRecord, 0, days)

	for i := 0; i < days; i++ {
		date := now.AddDate(0, 0, -i)
		dateStr := dateString(date, m.tzOffset)
		costKey := fmt.Sprintf("usage:cost:daily:%s:%s", keyID, dateStr)

		data, err := m.store.HGetAll(ctx, costKey)
		if err != nil || len(data) == 0 {
			// 尝试旧格式
			result, err := m.store.Get(ctx, costKey)
			if err != nil {
				continue
			}
			records = append(records, DailyCostRecord{
				Date:      dateStr,
				TotalCost: parseFloat64(result),
			})
			continue
		}

		records = append(records, DailyCostRecord{
			Date:         dateStr,
			TotalCost:    parseFloat64(data["totalCost"]),
			InputCost:    parseFloat64(data["inputCost"]),
			OutputCost:   parseFloat64(data["outputCost"]),
			CacheCost:    parseFloat64(data["cacheCost"]),
			RequestCount: parseInt64(data["requestCount"]),
		})
	}

	return records, nil
}

// CostStatsOverDays 获取成本统计汇总（最近 N 天）
func (m *Meter) CostStatsOverDays(ctx context.Context, keyID string, days int) (*CostStats, error) {
	records, err := m.CostHistory(ctx, keyID, days)
	if err != nil {
		return nil, err
	}

	stats := &CostStats{}
	for _, record := range records {
		stats.TotalCost += record.TotalCost
		stats.InputCost += record.InputCost
		stats.OutputCost += record.OutputCost
		stats.CacheCost += record.CacheCost
		stats.RequestCount += record.RequestCount
	}
	return stats, nil
}

// RecordAccountCost 增加账户级别成本
func (m *Meter) RecordAccountCost(ctx context.Context, accountID string, amount float64) error {
	if accountID == "" {
		return nil
	}

	now := m.now()
	dateStr := dateString(now, m.tzOffset)
	monthStr := monthString(now, m.tzOffset)

	accountCostKey := PrefixAccountUsage + accountID
	accountDailyCostKey := fmt.Sprintf("account_usage:daily:%s:%s", accountID, dateStr)
	accountMonthlyCostKey := fmt.Sprintf("account_usage:monthly:%s:%s", accountID, monthStr)

	_, err := m.store.Batch(ctx, []storage.BatchOp{
		storage.HIncrByFloatOp(accountCostKey, "totalCost", amount),
		storage.HIncrByFloatOp(accountDailyCostKey, "cost", amount),
		storage.ExpireOp(accountDailyCostKey, TTLUsageDaily),
		storage.HIncrByFloatOp(accountMonthlyCostKey, "cost", amount),
		storage.ExpireOp(accountMonthlyCostKey, TTLUsageMonthly),
	})
	return err
}

// AccountCost 获取账户总成本
func (m *Meter) AccountCost(ctx context.Context, accountID string) (float64, error) {
	result, err := m.store.HGetField(ctx, PrefixAccountUsage+accountID, "totalCost")
	if err != nil {
		return 0, nil
	}
	return parseFloat64(result), nil
}

// AccountDailyCost 获取账户每日成本
func (m *Meter) AccountDailyCost(ctx context.Context, accountID string, date time.Time) (float64, error) {
	dateStr := dateString(date, m.tzOffset)
	accountDailyCostKey := fmt.Sprintf("account_usage:daily:%s:%s", accountID, dateStr)

	result, err := m.store.HGetField(ctx, accountDailyCostKey, "cost")
	if err != nil {
		return 0, nil
	}
	return parseFloat64(result), nil
}

// RecordWeeklyOpusCost 增加 Opus 周成本
func (m *Meter) RecordWeeklyOpusCost(ctx context.Context, keyID string, amount float64) error {
	weeklyOpusCostKey := fmt.Sprintf("usage:cost:weekly_opus:%s:%s", keyID, weekStartDate(m.now(), m.tzOffset))

	_, err := m.store.Batch(ctx, []storage.BatchOp{
		storage.IncrByFloatOp(weeklyOpusCostKey, amount),
		storage.ExpireOp(weeklyOpusCostKey, TTLWeeklyOpusCost),
	})
	if err != nil {
		logger.Error("Failed to record weekly opus cost", zap.Error(err))
		return err
	}
	return nil
}

// WeeklyOpusCost 获取 Opus 周成本
func (m *Meter) WeeklyOpusCost(ctx context.Context, keyID string) (float64, error) {
	weeklyOpusCostKey := fmt.Sprintf("usage:cost:weekly_opus:%s:%s", keyID, weekStartDate(m.now(), m.tzOffset))

	result, err := m.store.Get(ctx, weeklyOpusCostKey)
	if err != nil {
		if err == storage.ErrNotFound {
			return 0, nil
		}
		return 0, err
	}
	return parseFloat64(result), nil
}
