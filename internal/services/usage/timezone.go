package usage

import (
	"fmt"
	"time"
)

// 计费桶边界按配置的固定时区偏移计算（默认 UTC+8），与存储中的历史
// 数据保持一致。偏移以小时为单位显式传入，不读取进程时区。

// dateInTimezone 换算到偏移时区
func dateInTimezone(t time.Time, offsetHours int) time.Time {
	return t.UTC().Add(time.Duration(offsetHours) * time.Hour)
}

// dateString 偏移时区的日期字符串 (YYYY-MM-DD)
func dateString(t time.Time, offsetHours int) string {
	return dateInTimezone(t, offsetHours).Format("2006-01-02")
}

// monthString 偏移时区的月份字符串 (YYYY-MM)
func monthString(t time.Time, offsetHours int) string {
	return dateInTimezone(t, offsetHours).Format("2006-01")
}

// hourString 偏移时区的小时字符串 (YYYY-MM-DD:HH)
func hourString(t time.Time, offsetHours int) string {
	tz := dateInTimezone(t, offsetHours)
	return fmt.Sprintf("%s:%02d", tz.Format("2006-01-02"), tz.Hour())
}

// weekStartDate 本周一的日期字符串（周界以偏移时区的日历为准）
func weekStartDate(t time.Time, offsetHours int) string {
	tz := dateInTimezone(t, offsetHours)
	weekday := int(tz.Weekday())
	if weekday == 0 {
		weekday = 7 // 周日
	}
	monday := tz.AddDate(0, 0, -(weekday - 1))
	return monday.Format("2006-01-02")
}

// minuteTimestamp 分钟级时间戳（UTC 秒，截断到整分）
func minuteTimestamp(t time.Time) int64 {
	return t.Unix() / 60 * 60
}

// daysInRange 日期范围内的所有日期字符串
func daysInRange(start, end time.Time, offsetHours int) []string {
	var days []string
	current := start
	for !current.After(end) {
		days = append(days, dateString(current, offsetHours))
		current = current.AddDate(0, 0, 1)
	}
	return days
}
