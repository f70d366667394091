package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// 默认值常量
const (
	// DefaultTimezoneOffset 默认时区偏移（小时，UTC+8）
	DefaultTimezoneOffset = 8
	// DefaultMetricsWindow 默认系统指标窗口（分钟）
	DefaultMetricsWindow = 5

	// DefaultLeaseSeconds 默认并发租约时间（秒）
	DefaultLeaseSeconds = 300
	// DefaultMinLeaseSeconds 最小并发租约时间（秒）
	DefaultMinLeaseSeconds = 30
	// DefaultCleanupGraceSeconds 租约清理宽限期（秒）
	DefaultCleanupGraceSeconds = 60

	// DefaultStickySessionTTL 默认粘性会话 TTL
	DefaultStickySessionTTL = 1 * time.Hour
	// DefaultRenewalThreshold 粘性会话懒续期阈值（剩余 TTL 低于该值才写续期）
	DefaultRenewalThreshold = 15 * time.Minute
)

// Config 全局配置结构
type Config struct {
	Env         string
	LogDir      string
	Redis       RedisConfig
	System      SystemConfig
	Concurrency ConcurrencyConfig
	Session     SessionConfig
}

type RedisConfig struct {
	Host           string
	Port           int
	Password       string
	DB             int
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	MaxRetries     int
	EnableTLS      bool
}

type SystemConfig struct {
	TimezoneOffset int // 计费桶边界使用的时区偏移（小时）
	MetricsWindow  int // 实时指标窗口（分钟）
}

type ConcurrencyConfig struct {
	LeaseSeconds        int // 租约时间（秒）
	MinLeaseSeconds     int // 最小租约时间（秒）
	CleanupGraceSeconds int // 清理宽限期（秒）
}

type SessionConfig struct {
	StickyTTL        time.Duration // 粘性会话 TTL
	RenewalThreshold time.Duration // 懒续期阈值，0 表示关闭续期
}

// Load 加载配置
func Load() (*Config, error) {
	// 尝试从多个路径加载 .env
	envPaths := []string{
		".env",
		"../.env",
		"../../.env",
	}

	for _, p := range envPaths {
		if _, err := os.Stat(p); err == nil {
			if err := godotenv.Load(p); err != nil {
				fmt.Printf("⚠️  Failed to load .env from %s: %v\n", p, err)
			} else {
				break
			}
		}
	}

	cfg := &Config{
		Env:    getEnv("RELAY_ENV", "development"),
		LogDir: getEnv("LOG_DIR", ""),
		Redis: RedisConfig{
			Host:           getEnv("REDIS_HOST", "127.0.0.1"),
			Port:           getEnvInt("REDIS_PORT", 6379),
			Password:       getEnv("REDIS_PASSWORD", ""),
			DB:             getEnvInt("REDIS_DB", 0),
			ConnectTimeout: time.Duration(getEnvInt("REDIS_CONNECT_TIMEOUT", 10000)) * time.Millisecond,
			CommandTimeout: time.Duration(getEnvInt("REDIS_COMMAND_TIMEOUT", 5000)) * time.Millisecond,
			MaxRetries:     getEnvInt("REDIS_MAX_RETRIES", 3),
			EnableTLS:      getEnvBool("REDIS_ENABLE_TLS", false),
		},
		System: SystemConfig{
			TimezoneOffset: getEnvInt("TIMEZONE_OFFSET", DefaultTimezoneOffset),
			MetricsWindow:  getEnvInt("METRICS_WINDOW", DefaultMetricsWindow),
		},
		Concurrency: ConcurrencyConfig{
			LeaseSeconds:        getEnvInt("CONCURRENCY_LEASE_SECONDS", DefaultLeaseSeconds),
			MinLeaseSeconds:     getEnvInt("CONCURRENCY_MIN_LEASE_SECONDS", DefaultMinLeaseSeconds),
			CleanupGraceSeconds: getEnvInt("CONCURRENCY_CLEANUP_GRACE_SECONDS", DefaultCleanupGraceSeconds),
		},
		Session: SessionConfig{
			StickyTTL:        time.Duration(getEnvInt("STICKY_SESSION_TTL_SECONDS", int(DefaultStickySessionTTL/time.Second))) * time.Second,
			RenewalThreshold: time.Duration(getEnvInt("STICKY_SESSION_RENEWAL_THRESHOLD_SECONDS", int(DefaultRenewalThreshold/time.Second))) * time.Second,
		},
	}

	if cfg.Concurrency.LeaseSeconds <= 0 {
		return nil, fmt.Errorf("CONCURRENCY_LEASE_SECONDS must be positive")
	}
	if cfg.System.MetricsWindow <= 0 {
		return nil, fmt.Errorf("METRICS_WINDOW must be positive")
	}

	return cfg, nil
}

// 辅助函数
func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}
