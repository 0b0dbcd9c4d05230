package config

import (
	"errors"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	cfgPath := testConfigPath(t, "valid.toml")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.StoragePath == "" {
		t.Fatalf("StoragePath 应该被保留")
	}
	if cfg.Global.ListenPort != 8000 {
		t.Fatalf("ListenPort 应当被解析")
	}
	if cfg.Validation.MinValidSize.Int64() != 500000 {
		t.Fatalf("500kB 应解析为 500000，得到 %d", cfg.Validation.MinValidSize)
	}
	if cfg.Resolver.URLCacheTTL.DurationValue() != 30*time.Minute {
		t.Fatalf("整数秒应被解析为 Duration")
	}
	if cfg.Resolver.ResolveTimeout.DurationValue() != 2*time.Minute {
		t.Fatalf("ResolveTimeout 默认应为 2m，得到 %s", cfg.Resolver.ResolveTimeout.DurationValue())
	}
	if cfg.Aria2.Enabled {
		t.Fatalf("Aria2.Enabled 应读取文件中的 false")
	}
	if len(cfg.Acquire.ImpersonationProfiles) != 2 {
		t.Fatalf("应使用文件中的伪装配置列表")
	}
	if cfg.Catalog.Referer != "https://apkpure.com/" {
		t.Fatalf("Referer 默认取站点根地址，得到 %s", cfg.Catalog.Referer)
	}
}

func TestValidateEnforcesListenPortRange(t *testing.T) {
	cfg := Default()
	cfg.Global.ListenPort = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatalf("ListenPort 超出范围应当报错")
	}
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("默认配置应通过校验: %v", err)
	}
}

func TestValidateReportsFieldPath(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"confidence", func(c *Config) { c.Resolver.HighConfidence = 1.5 }, "Resolver.HighConfidence"},
		{"max age", func(c *Config) { c.Cache.MaxAge = Duration(time.Second) }, "Cache.MaxAge"},
		{"concurrency", func(c *Config) { c.Cache.MaxConcurrent = -1 }, "Cache.MaxConcurrent"},
		{"retries", func(c *Config) { c.Acquire.MaxRetries = 0 }, "Acquire.MaxRetries"},
		{"hosts", func(c *Config) { c.Catalog.DownloadHosts = []string{"https://x/y"} }, "Catalog.DownloadHosts"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			var fieldErr FieldError
			if !errors.As(err, &fieldErr) {
				t.Fatalf("expected FieldError, got %v", err)
			}
			if fieldErr.Field != tc.field {
				t.Fatalf("expected field %s, got %s", tc.field, fieldErr.Field)
			}
		})
	}
}

func TestValidateChecksCatalogURL(t *testing.T) {
	cfg := Default()
	cfg.Catalog.BaseURL = "ftp://apkpure.com"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("非 http/https 的站点地址应报错")
	}
}

func TestByteSizeUnmarshalText(t *testing.T) {
	var size ByteSize
	if err := size.UnmarshalText([]byte("150MiB")); err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if size.Int64() != 150*1024*1024 {
		t.Fatalf("150MiB 解析错误: %d", size)
	}
	if err := size.UnmarshalText([]byte("0x10")); err != nil || size.Int64() != 16 {
		t.Fatalf("十六进制整数应可解析")
	}
}
