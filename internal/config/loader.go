package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// DefaultUserAgents 与目录站点期望的桌面 Safari 指纹保持一致。
var DefaultUserAgents = []string{
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/18.4.1 Safari/605.1.15",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.6 Safari/605.1.15",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Safari/605.1.15",
}

// DefaultImpersonationProfiles 对应 tls-client 的 profiles.MappedTLSClients 键名。
var DefaultImpersonationProfiles = []string{
	"safari_16_0",
	"safari_15_6_1",
	"safari_ios_16_0",
	"safari_ios_17_0",
}

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	hooks := mapstructure.ComposeDecodeHookFunc(durationDecodeHook(), byteSizeDecodeHook())
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hooks)); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

// Default 返回不依赖配置文件的默认配置，-resolve 一次性命令与测试会用到。
func Default() *Config {
	cfg := &Config{
		Global: GlobalConfig{
			LogLevel:      "info",
			LogMaxSize:    100,
			LogMaxBackups: 10,
			LogCompress:   true,
			StoragePath:   "./app_cache",
		},
		Validation: ValidationConfig{RejectUndersized: true},
		Resolver:   ResolverConfig{PreferComplete: true},
		Aria2:      Aria2Config{Enabled: true, Spawn: true},
	}
	applyDefaults(cfg)
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 8000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./app_cache")
	v.SetDefault("UpstreamTimeout", "30s")

	v.SetDefault("Catalog.BaseURL", "https://apkpure.com")
	v.SetDefault("Catalog.DownloadBase", "https://d.apkpure.com/b")
	v.SetDefault("Catalog.DownloadHosts", []string{"d.apkpure.com", "download.apkpure.com"})
	v.SetDefault("Catalog.Referer", "https://apkpure.com/")

	v.SetDefault("Validation.MinValidSize", 500000)
	v.SetDefault("Validation.RejectUndersized", true)

	v.SetDefault("Resolver.HighConfidence", 0.8)
	v.SetDefault("Resolver.MinProbeSize", 100000)
	v.SetDefault("Resolver.CompleteFloor", "150MiB")
	v.SetDefault("Resolver.PreferComplete", true)
	v.SetDefault("Resolver.URLCacheTTL", "30m")
	v.SetDefault("Resolver.ResolveTimeout", "2m")

	v.SetDefault("Acquire.MaxRetries", 3)
	v.SetDefault("Acquire.RetryBackoff", "1s")
	v.SetDefault("Acquire.SegmentedTimeout", "600s")
	v.SetDefault("Acquire.PollInterval", "500ms")
	v.SetDefault("Acquire.ImpersonationTimeout", "300s")
	v.SetDefault("Acquire.StreamTimeout", "300s")

	v.SetDefault("Cache.GracePeriod", "30s")
	v.SetDefault("Cache.MaxAge", "5m")
	v.SetDefault("Cache.SweepInterval", "60s")
	v.SetDefault("Cache.MaxConcurrent", 200)

	v.SetDefault("Aria2.Enabled", true)
	v.SetDefault("Aria2.Spawn", true)
	v.SetDefault("Aria2.Binary", "aria2c")
	v.SetDefault("Aria2.RPCURL", "http://127.0.0.1:6800/jsonrpc")
	v.SetDefault("Aria2.Split", 16)
	v.SetDefault("Aria2.MaxConnectionPerServer", 16)
}

func applyDefaults(cfg *Config) {
	g := &cfg.Global
	if g.ListenPort == 0 {
		g.ListenPort = 8000
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}

	c := &cfg.Catalog
	if c.BaseURL == "" {
		c.BaseURL = "https://apkpure.com"
	}
	if c.DownloadBase == "" {
		c.DownloadBase = "https://d.apkpure.com/b"
	}
	if len(c.DownloadHosts) == 0 {
		c.DownloadHosts = []string{"d.apkpure.com", "download.apkpure.com"}
	}
	if len(c.UserAgents) == 0 {
		c.UserAgents = append([]string(nil), DefaultUserAgents...)
	}
	if c.Referer == "" {
		c.Referer = c.BaseURL + "/"
	}

	if cfg.Validation.MinValidSize == 0 {
		cfg.Validation.MinValidSize = 500000
	}

	r := &cfg.Resolver
	if r.HighConfidence == 0 {
		r.HighConfidence = 0.8
	}
	if r.MinProbeSize == 0 {
		r.MinProbeSize = 100000
	}
	if r.CompleteFloor == 0 {
		r.CompleteFloor = 150 * 1024 * 1024
	}
	if r.URLCacheTTL.DurationValue() == 0 {
		r.URLCacheTTL = Duration(30 * time.Minute)
	}
	if r.ResolveTimeout.DurationValue() == 0 {
		r.ResolveTimeout = Duration(2 * time.Minute)
	}

	a := &cfg.Acquire
	if a.MaxRetries == 0 {
		a.MaxRetries = 3
	}
	if a.RetryBackoff.DurationValue() == 0 {
		a.RetryBackoff = Duration(time.Second)
	}
	if a.SegmentedTimeout.DurationValue() == 0 {
		a.SegmentedTimeout = Duration(600 * time.Second)
	}
	if a.PollInterval.DurationValue() == 0 {
		a.PollInterval = Duration(500 * time.Millisecond)
	}
	if a.ImpersonationProfiles == nil {
		a.ImpersonationProfiles = append([]string(nil), DefaultImpersonationProfiles...)
	}
	if a.ImpersonationTimeout.DurationValue() == 0 {
		a.ImpersonationTimeout = Duration(300 * time.Second)
	}
	if a.StreamTimeout.DurationValue() == 0 {
		a.StreamTimeout = Duration(300 * time.Second)
	}

	ca := &cfg.Cache
	if ca.GracePeriod.DurationValue() == 0 {
		ca.GracePeriod = Duration(30 * time.Second)
	}
	if ca.MaxAge.DurationValue() == 0 {
		ca.MaxAge = Duration(5 * time.Minute)
	}
	if ca.SweepInterval.DurationValue() == 0 {
		ca.SweepInterval = Duration(60 * time.Second)
	}
	if ca.MaxConcurrent == 0 {
		ca.MaxConcurrent = 200
	}

	ar := &cfg.Aria2
	if ar.Binary == "" {
		ar.Binary = "aria2c"
	}
	if ar.RPCURL == "" {
		ar.RPCURL = "http://127.0.0.1:6800/jsonrpc"
	}
	if ar.Split == 0 {
		ar.Split = 16
	}
	if ar.MaxConnectionPerServer == 0 {
		ar.MaxConnectionPerServer = 16
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(ByteSize(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			parsed, err := parseByteSize(v)
			if err != nil {
				return nil, fmt.Errorf("无法解析大小字段: %w", err)
			}
			return parsed, nil
		case int:
			return ByteSize(v), nil
		case int64:
			return ByteSize(v), nil
		case float64:
			return ByteSize(int64(v)), nil
		case ByteSize:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的大小类型: %T", v)
		}
	}
}
