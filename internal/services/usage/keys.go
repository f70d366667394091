package usage

import "time"

// Key 前缀常量
const (
	PrefixAPIKey = "apikey:"

	PrefixUsage        = "usage:"
	PrefixUsageDaily   = "usage:daily:"
	PrefixUsageMonthly = "usage:monthly:"
	PrefixUsageHourly  = "usage:hourly:"
	PrefixUsageModel   = "usage:model:"

	PrefixAccountUsage = "account_usage:"

	PrefixSystemMetrics = "system:metrics:minute:"
)

// TTL 常量
const (
	TTLUsageDaily   = 32 * 24 * time.Hour  // 32天
	TTLUsageMonthly = 365 * 24 * time.Hour // 1年
	TTLUsageHourly  = 7 * 24 * time.Hour   // 7天
	// TTLWeeklyOpusCost 8 天过期，确保跨周时仍可读取
	TTLWeeklyOpusCost = 8 * 24 * time.Hour
)
