package config

import (
	"os"
	"testing"
)

func TestGetEnv(t *testing.T) {
	tests := []struct {
		name        string
		key         string
		defaultVal  string
		envVal      string
		setEnv      bool
		expectedVal string
	}{
		{
			name:        "环境变量存在",
			key:         "TEST_KEY",
			defaultVal:  "default",
			envVal:      "custom",
			setEnv:      true,
			expectedVal: "custom",
		},
		{
			name:        "环境变量不存在",
			key:         "TEST_KEY_NOT_EXISTS",
			defaultVal:  "default",
			envVal:      "",
			setEnv:      false,
			expectedVal: "default",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.setEnv {
				os.Setenv(tt.key, tt.envVal)
				defer os.Unsetenv(tt.key)
			}

			result := getEnv(tt.key, tt.defaultVal)
			if result != tt.expectedVal {
				t.Errorf("getEnv() = %v, want %v", result, tt.expectedVal)
			}
		})
	}
}

func TestGetEnvInt(t *testing.T) {
	tests := []struct {
		name        string
		key         string
		defaultVal  int
		envVal      string
		setEnv      bool
		expectedVal int
	}{
		{
			name:        "有效整数",
			key:         "TEST_INT",
			defaultVal:  300,
			envVal:      "600",
			setEnv:      true,
			expectedVal: 600,
		},
		{
			name:        "无效整数",
			key:         "TEST_INT_INVALID",
			defaultVal:  300,
			envVal:      "invalid",
			setEnv:      true,
			expectedVal: 300, // 应返回默认值
		},
		{
			name:        "环境变量不存在",
			key:         "TEST_INT_NOT_EXISTS",
			defaultVal:  300,
			envVal:      "",
			setEnv:      false,
			expectedVal: 300,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.setEnv {
				os.Setenv(tt.key, tt.envVal)
				defer os.Unsetenv(tt.key)
			}

			result := getEnvInt(tt.key, tt.defaultVal)
			if result != tt.expectedVal {
				t.Errorf("getEnvInt() = %v, want %v", result, tt.expectedVal)
			}
		})
	}
}

func TestGetEnvBool(t *testing.T) {
	tests := []struct {
		name        string
		key         string
		defaultVal  bool
		envVal      string
		setEnv      bool
		expectedVal bool
	}{
		{
			name:        "true 值",
			key:         "TEST_BOOL",
			defaultVal:  false,
			envVal:      "true",
			setEnv:      true,
			expectedVal: true,
		},
		{
			name:        "1 值",
			key:         "TEST_BOOL",
			defaultVal:  false,
			envVal:      "1",
			setEnv:      true,
			expectedVal: true,
		},
		{
			name:        "false 值",
			key:         "TEST_BOOL",
			defaultVal:  true,
			envVal:      "false",
			setEnv:      true,
			expectedVal: false,
		},
		{
			name:        "环境变量不存在",
			key:         "TEST_BOOL_NOT_EXISTS",
			defaultVal:  true,
			envVal:      "",
			setEnv:      false,
			expectedVal: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.setEnv {
				os.Setenv(tt.key, tt.envVal)
				defer os.Unsetenv(tt.key)
			}

			result := getEnvBool(tt.key, tt.defaultVal)
			if result != tt.expectedVal {
				t.Errorf("getEnvBool() = %v, want %v", result, tt.expectedVal)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg == nil {
		t.Fatal("Load() returned nil config")
	}

	// 验证默认值
	if cfg.Redis.Host != "127.0.0.1" {
		t.Errorf("Redis.Host = %v, want 127.0.0.1", cfg.Redis.Host)
	}
	if cfg.System.TimezoneOffset != DefaultTimezoneOffset {
		t.Errorf("System.TimezoneOffset = %v, want %v", cfg.System.TimezoneOffset, DefaultTimezoneOffset)
	}
	if cfg.Concurrency.LeaseSeconds != DefaultLeaseSeconds {
		t.Errorf("Concurrency.LeaseSeconds = %v, want %v", cfg.Concurrency.LeaseSeconds, DefaultLeaseSeconds)
	}
	if cfg.Session.StickyTTL != DefaultStickySessionTTL {
		t.Errorf("Session.StickyTTL = %v, want %v", cfg.Session.StickyTTL, DefaultStickySessionTTL)
	}
	if cfg.Session.RenewalThreshold != DefaultRenewalThreshold {
		t.Errorf("Session.RenewalThreshold = %v, want %v", cfg.Session.RenewalThreshold, DefaultRenewalThreshold)
	}
}

func TestLoadOverrides(t *testing.T) {
	os.Setenv("CONCURRENCY_LEASE_SECONDS", "120")
	os.Setenv("STICKY_SESSION_RENEWAL_THRESHOLD_SECONDS", "0")
	defer os.Unsetenv("CONCURRENCY_LEASE_SECONDS")
	defer os.Unsetenv("STICKY_SESSION_RENEWAL_THRESHOLD_SECONDS")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Concurrency.LeaseSeconds != 120 {
		t.Errorf("Concurrency.LeaseSeconds = %v, want 120", cfg.Concurrency.LeaseSeconds)
	}
	// 阈值为 0 表示关闭懒续期
	if cfg.Session.RenewalThreshold != 0 {
		t.Errorf("Session.RenewalThreshold = %v, want 0", cfg.Session.RenewalThreshold)
	}
}

func TestLoadInvalid(t *testing.T) {
	os.Setenv("CONCURRENCY_LEASE_SECONDS", "-1")
	defer os.Unsetenv("CONCURRENCY_LEASE_SECONDS")

	if _, err := Load(); err == nil {
		t.Error("Load() should fail with non-positive lease seconds")
	}

	os.Unsetenv("CONCURRENCY_LEASE_SECONDS")
	os.Setenv("METRICS_WINDOW", "0")
	defer os.Unsetenv("METRICS_WINDOW")

	if _, err := Load(); err == nil {
		t.Error("Load() should fail with non-positive metrics window")
	}
}
