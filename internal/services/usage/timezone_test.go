package usage

import (
	"testing"
	"time"
)

func TestDateStringCrossesMidnight(t *testing.T) {
	tests := []struct {
		name     string
		utc      time.Time
		offset   int
		expected string
	}{
		{
			name:     "UTC 午后在 UTC+8 仍是当日",
			utc:      time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
			offset:   8,
			expected: "2026-08-30",
		},
		{
			name:     "UTC 晚间在 UTC+8 已是次日",
			utc:      time.Date(2026, 8, 30, 16, 30, 0, 0, time.UTC),
			offset:   8,
			expected: "2026-08-31",
		},
		{
			name:     "零偏移按 UTC 日历",
			utc:      time.Date(2026, 8, 30, 23, 59, 0, 0, time.UTC),
			offset:   0,
			expected: "2026-08-30",
		},
		{
			name:     "负偏移回退到前一日",
			utc:      time.Date(2026, 8, 30, 2, 0, 0, 0, time.UTC),
			offset:   -5,
			expected: "2026-08-29",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := dateString(tt.utc, tt.offset); got != tt.expected {
				t.Errorf("dateString() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestMonthAndHourStrings(t *testing.T) {
	// UTC 2026-08-31 16:30 = UTC+8 2026-09-01 00:30，月份随之翻转
	utc := time.Date(2026, 8, 31, 16, 30, 0, 0, time.UTC)

	if got := monthString(utc, 8); got != "2026-09" {
		t.Errorf("monthString() = %q, want %q", got, "2026-09")
	}
	if got := hourString(utc, 8); got != "2026-09-01:00" {
		t.Errorf("hourString() = %q, want %q", got, "2026-09-01:00")
	}
}

func TestWeekStartDate(t *testing.T) {
	tests := []struct {
		name     string
		utc      time.Time
		expected string
	}{
		{
			name:     "周三回退到周一",
			utc:      time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC), // 周三
			expected: "2026-08-24",
		},
		{
			name:     "周一是其本身",
			utc:      time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
			expected: "2026-08-24",
		},
		{
			name:     "周日回退到上周一",
			utc:      time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC), // 周日
			expected: "2026-08-24",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := weekStartDate(tt.utc, 8); got != tt.expected {
				t.Errorf("weekStartDate() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestMinuteTimestamp(t *testing.T) {
	ts := time.Date(2026, 8, 30, 12, 34, 56, 0, time.UTC)
	got := minuteTimestamp(ts)
	want := time.Date(2026, 8, 30, 12, 34, 0, 0, time.UTC).Unix()
	if got != want {
		t.Errorf("minuteTimestamp() = %d, want %d", got, want)
	}
}

func TestDaysInRange(t *testing.T) {
	start := time.Date(2026, 8, 29, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC)

	days := daysInRange(start, end, 8)
	if len(days) != 3 {
		t.Fatalf("Expected 3 days, got %d", len(days))
	}
	if days[0] != "2026-08-29" || days[2] != "2026-08-31" {
		t.Errorf("Unexpected range: %v", days)
	}
}
