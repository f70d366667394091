package usage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catstream/relay-core/internal/config"
	"github.com/catstream/relay-core/internal/storage"
	"github.com/catstream/relay-core/internal/storage/memory"
)

// testClock 可推进的测试时钟
type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestMeter(t *testing.T) (*Meter, *memory.Backend, *testClock) {
	t.Helper()
	// 2026-08-30 04:00:00 UTC = 2026-08-30 12:00 UTC+8
	clock := &testClock{now: time.Date(2026, 8, 30, 4, 0, 0, 0, time.UTC)}
	store := memory.New(memory.WithClock(clock.Now))
	m := NewMeter(store, config.SystemConfig{TimezoneOffset: 8, MetricsWindow: 5})
	m.now = clock.Now
	return m, store, clock
}

func TestRecordRequestRequiresKeyID(t *testing.T) {
	m, _, _ := newTestMeter(t)
	err := m.RecordRequest(context.Background(), TokenUsageParams{})
	assert.ErrorIs(t, err, storage.ErrInvalidArgument)
}

func TestRecordRequestBuckets(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newTestMeter(t)

	params := TokenUsageParams{
		KeyID:             "key-1",
		AccountID:         "acct-1",
		Model:             "claude-sonnet-4-20250514",
		InputTokens:       100,
		OutputTokens:      200,
		CacheCreateTokens: 30,
		CacheReadTokens:   50,
	}
	require.NoError(t, m.RecordRequest(ctx, params))
	require.NoError(t, m.RecordRequest(ctx, params))

	// Key 总量桶累加
	total, err := store.HGetAll(ctx, "usage:key-1")
	require.NoError(t, err)
	assert.Equal(t, "600", total["totalTokens"])
	assert.Equal(t, "200", total["totalInputTokens"])
	assert.Equal(t, "400", total["totalOutputTokens"])
	assert.Equal(t, "760", total["totalAllTokens"])
	assert.Equal(t, "2", total["totalRequests"])

	// 每日桶（UTC+8 的 2026-08-30）
	daily, err := store.HGetAll(ctx, "usage:daily:key-1:2026-08-30")
	require.NoError(t, err)
	assert.Equal(t, "600", daily["tokens"])
	assert.Equal(t, "2", daily["requests"])

	// 模型桶使用标准化后的模型名
	modelDaily, err := store.HGetAll(ctx, "usage:model:daily:claude-sonnet-4:2026-08-30")
	require.NoError(t, err)
	assert.Equal(t, "2", modelDaily["requests"])
	assert.Equal(t, "760", modelDaily["allTokens"])

	keyModelDaily, err := store.HGetAll(ctx, "usage:key-1:model:daily:claude-sonnet-4:2026-08-30")
	require.NoError(t, err)
	assert.Equal(t, "200", keyModelDaily["inputTokens"])

	// 账户桶
	account, err := store.HGetAll(ctx, "account_usage:acct-1")
	require.NoError(t, err)
	assert.Equal(t, "2", account["totalRequests"])

	accountHourly, err := store.HGetAll(ctx, "account_usage:hourly:acct-1:2026-08-30:12")
	require.NoError(t, err)
	assert.Equal(t, "2", accountHourly["requests"])
	assert.Equal(t, "200", accountHourly["model:claude-sonnet-4:inputTokens"])

	// 时间桶设置了 TTL，总量桶没有
	ttl, err := store.TTL(ctx, "usage:daily:key-1:2026-08-30")
	require.NoError(t, err)
	assert.Greater(t, ttl, int64(0))
	ttl, err = store.TTL(ctx, "usage:key-1")
	require.NoError(t, err)
	assert.Equal(t, storage.TTLNone, ttl)
}

func TestRecordRequestDayRollover(t *testing.T) {
	ctx := context.Background()
	m, store, clock := newTestMeter(t)

	params := TokenUsageParams{KeyID: "key-1", Model: "claude-sonnet-4", OutputTokens: 10}
	require.NoError(t, m.RecordRequest(ctx, params))

	// UTC 15:59 = UTC+8 次日前 1 分钟，UTC 16:01 已是次日
	clock.Advance(12*time.Hour + time.Minute)
	require.NoError(t, m.RecordRequest(ctx, params))

	day1, err := store.HGetAll(ctx, "usage:daily:key-1:2026-08-30")
	require.NoError(t, err)
	assert.Equal(t, "1", day1["requests"])

	day2, err := store.HGetAll(ctx, "usage:daily:key-1:2026-08-31")
	require.NoError(t, err)
	assert.Equal(t, "1", day2["requests"])

	// 总量桶跨日累加
	total, _ := store.HGetAll(ctx, "usage:key-1")
	assert.Equal(t, "2", total["totalRequests"])
}

func TestRecordRequestLongContext(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newTestMeter(t)

	require.NoError(t, m.RecordRequest(ctx, TokenUsageParams{
		KeyID:                "key-1",
		InputTokens:          1000,
		OutputTokens:         100,
		IsLongContextRequest: true,
	}))

	total, _ := store.HGetAll(ctx, "usage:key-1")
	assert.Equal(t, "1", total["totalLongContextRequests"])
	assert.Equal(t, "1000", total["totalLongContextInputTokens"])

	daily, _ := store.HGetAll(ctx, "usage:daily:key-1:2026-08-30")
	assert.Equal(t, "1", daily["longContextRequests"])
}

func TestRecordLegacyTokens(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newTestMeter(t)

	// 只有总量的历史调用全部记到输出侧
	require.NoError(t, m.RecordLegacyTokens(ctx, "key-1", 500, "claude-sonnet-4"))

	total, _ := store.HGetAll(ctx, "usage:key-1")
	assert.Equal(t, "500", total["totalOutputTokens"])
	assert.Equal(t, "0", total["totalInputTokens"])
	assert.Equal(t, "500", total["totalTokens"])
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	m, store, clock := newTestMeter(t)

	// Key 创建于 10 天前
	createdAt := clock.Now().AddDate(0, 0, -10).Format(time.RFC3339)
	require.NoError(t, store.HSetField(ctx, "apikey:key-1", "createdAt", createdAt))

	require.NoError(t, m.RecordRequest(ctx, TokenUsageParams{
		KeyID:        "key-1",
		InputTokens:  100,
		OutputTokens: 200,
	}))

	stats, err := m.Stats(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, int64(300), stats.Total.TotalTokens)
	assert.Equal(t, int64(1), stats.Total.RequestCount)
	assert.Equal(t, int64(300), stats.Daily.TotalTokens)
	assert.Equal(t, int64(300), stats.Monthly.TotalTokens)
	assert.InDelta(t, 0.1, stats.Averages.DailyRequests, 1e-9)
	assert.InDelta(t, 30.0, stats.Averages.DailyTokens, 1e-9)
}

func TestDailyModelStatsAndAllUsedModels(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestMeter(t)

	require.NoError(t, m.RecordRequest(ctx, TokenUsageParams{
		KeyID: "key-1", Model: "claude-sonnet-4-20250514", OutputTokens: 10,
	}))
	require.NoError(t, m.RecordRequest(ctx, TokenUsageParams{
		KeyID: "key-1", Model: "claude-opus-4-20250514", OutputTokens: 20,
	}))

	byModel, err := m.DailyModelStats(ctx, "key-1", m.now())
	require.NoError(t, err)
	require.Len(t, byModel, 2)
	assert.Equal(t, int64(10), byModel["claude-sonnet-4"].OutputTokens)
	assert.Equal(t, int64(20), byModel["claude-opus-4"].OutputTokens)

	models, err := m.AllUsedModels(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"claude-opus-4", "claude-sonnet-4"}, models)
}

func TestSessionWindowUsage(t *testing.T) {
	ctx := context.Background()
	m, _, clock := newTestMeter(t)

	params := TokenUsageParams{
		KeyID:        "key-1",
		AccountID:    "acct-1",
		Model:        "claude-sonnet-4",
		InputTokens:  100,
		OutputTokens: 200,
	}
	require.NoError(t, m.RecordRequest(ctx, params))

	// 3 小时前的请求仍在 5 小时窗口内
	clock.Advance(3 * time.Hour)
	require.NoError(t, m.RecordRequest(ctx, params))

	stats, err := m.SessionWindowUsage(ctx, "acct-1", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.RequestCount)
	assert.Equal(t, int64(600), stats.TotalTokens)

	// 2 小时窗口只看到最近一条
	stats, err = m.SessionWindowUsage(ctx, "acct-1", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.RequestCount)

	byModel, err := m.SessionWindowUsageByModel(ctx, "acct-1", 5)
	require.NoError(t, err)
	require.Contains(t, byModel, "claude-sonnet-4")
	assert.Equal(t, int64(2), byModel["claude-sonnet-4"].RequestCount)
	assert.Equal(t, int64(600), byModel["claude-sonnet-4"].TotalTokens)
}

func TestRealtimeSystemMetrics(t *testing.T) {
	ctx := context.Background()
	m, _, clock := newTestMeter(t)

	params := TokenUsageParams{KeyID: "key-1", InputTokens: 50, OutputTokens: 50}
	require.NoError(t, m.RecordRequest(ctx, params))

	clock.Advance(time.Minute)
	require.NoError(t, m.RecordRequest(ctx, params))

	// 窗口外的旧分钟不计入
	clock.Advance(10 * time.Minute)
	require.NoError(t, m.RecordRequest(ctx, params))

	// 非正窗口回退到配置的默认窗口
	metrics, err := m.RealtimeSystemMetrics(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, metrics.WindowMinutes)
	assert.Equal(t, int64(1), metrics.TotalRequests)
	assert.Equal(t, int64(100), metrics.TotalTokens)
	assert.InDelta(t, 0.2, metrics.RequestsPerMinute, 1e-9)

	// 显式加宽窗口覆盖全部三次请求
	metrics, err = m.RealtimeSystemMetrics(ctx, 15)
	require.NoError(t, err)
	assert.Equal(t, 15, metrics.WindowMinutes)
	assert.Equal(t, int64(3), metrics.TotalRequests)
	assert.InDelta(t, 0.2, metrics.RequestsPerMinute, 1e-9)
}

func TestParseUsageDataFallback(t *testing.T) {
	// 总量 Hash 的 total 前缀字段
	stats := parseUsageData(map[string]string{
		"totalTokens":   "300",
		"totalRequests": "3",
	})
	assert.Equal(t, int64(300), stats.TotalTokens)
	assert.Equal(t, int64(3), stats.RequestCount)

	// 时间桶的无前缀字段
	stats = parseUsageData(map[string]string{
		"tokens":   "100",
		"requests": "1",
	})
	assert.Equal(t, int64(100), stats.TotalTokens)
	assert.Equal(t, int64(1), stats.RequestCount)

	// 空数据
	stats = parseUsageData(map[string]string{})
	assert.Equal(t, int64(0), stats.TotalTokens)
}

func TestNormalizeModel(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "simple claude model name",
			input:    "claude-3-5-sonnet",
			expected: "claude-3-5-sonnet",
		},
		{
			name:     "claude model with date suffix removed",
			input:    "claude-3-5-sonnet-20241022",
			expected: "claude-3-5-sonnet",
		},
		{
			name:     "claude model with version suffix removed",
			input:    "claude-3-5-sonnet-v1:0",
			expected: "claude-3-5-sonnet",
		},
		{
			name:     "bedrock id with region and vendor prefix folded",
			input:    "us.anthropic.claude-sonnet-4-20250514-v1:0",
			expected: "claude-sonnet-4",
		},
		{
			name:     "bedrock id without region prefix",
			input:    "anthropic.claude-3-5-sonnet-20241022-v2:0",
			expected: "claude-3-5-sonnet",
		},
		{
			name:     "non-claude model with latest tag removed",
			input:    "gpt-4o:latest",
			expected: "gpt-4o",
		},
		{
			name:     "non-claude model unchanged",
			input:    "gemini-2.0-flash",
			expected: "gemini-2.0-flash",
		},
		{
			name:     "empty model falls back to unknown",
			input:    "",
			expected: "unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeModel(tt.input); got != tt.expected {
				t.Errorf("NormalizeModel(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestAccountStats(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestMeter(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, m.RecordRequest(ctx, TokenUsageParams{
			KeyID:        fmt.Sprintf("key-%d", i),
			AccountID:    "acct-1",
			InputTokens:  10,
			OutputTokens: 10,
		}))
	}

	stats, err := m.AccountStats(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.RequestCount)
	assert.Equal(t, int64(60), stats.TotalTokens)
}
