package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// ByteSize 接受整数字节或 "150MiB"、"500 kB" 这类可读写法。
type ByteSize int64

// UnmarshalText 通过 humanize 解析可读大小。
func (b *ByteSize) UnmarshalText(text []byte) error {
	parsed, err := parseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// Int64 返回字节数。
func (b ByteSize) Int64() int64 {
	return int64(b)
}

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

func parseByteSize(raw string) (ByteSize, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}
	if n, err := parseInt(trimmed); err == nil {
		return ByteSize(n), nil
	}
	n, err := humanize.ParseBytes(trimmed)
	if err != nil {
		return 0, fmt.Errorf("invalid size value: %s", raw)
	}
	return ByteSize(n), nil
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述进程级运行参数。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
}

// CatalogConfig 描述目录站点的地址模板与浏览器伪装头。
type CatalogConfig struct {
	BaseURL       string   `mapstructure:"BaseURL"`
	DownloadBase  string   `mapstructure:"DownloadBase"`
	DownloadHosts []string `mapstructure:"DownloadHosts"`
	UserAgents    []string `mapstructure:"UserAgents"`
	Referer       string   `mapstructure:"Referer"`
}

// ValidationConfig 控制下载内容校验。
type ValidationConfig struct {
	MinValidSize     ByteSize `mapstructure:"MinValidSize"`
	RejectUndersized bool     `mapstructure:"RejectUndersized"`
}

// ResolverConfig 控制类型判定、地址探测与完整包升级。
type ResolverConfig struct {
	HighConfidence float64  `mapstructure:"HighConfidence"`
	MinProbeSize   ByteSize `mapstructure:"MinProbeSize"`
	CompleteFloor  ByteSize `mapstructure:"CompleteFloor"`
	PreferComplete bool     `mapstructure:"PreferComplete"`
	URLCacheTTL    Duration `mapstructure:"URLCacheTTL"`
	ResolveTimeout Duration `mapstructure:"ResolveTimeout"`
}

// AcquireConfig 控制下载策略链。
type AcquireConfig struct {
	MaxRetries            int      `mapstructure:"MaxRetries"`
	RetryBackoff          Duration `mapstructure:"RetryBackoff"`
	SegmentedTimeout      Duration `mapstructure:"SegmentedTimeout"`
	PollInterval          Duration `mapstructure:"PollInterval"`
	ImpersonationProfiles []string `mapstructure:"ImpersonationProfiles"`
	ImpersonationTimeout  Duration `mapstructure:"ImpersonationTimeout"`
	StreamTimeout         Duration `mapstructure:"StreamTimeout"`
}

// CacheConfig 控制临时文件缓存与并发上限。
type CacheConfig struct {
	GracePeriod   Duration `mapstructure:"GracePeriod"`
	MaxAge        Duration `mapstructure:"MaxAge"`
	SweepInterval Duration `mapstructure:"SweepInterval"`
	MaxConcurrent int      `mapstructure:"MaxConcurrent"`
}

// Aria2Config 描述分段下载守护进程的连接与启动方式。
type Aria2Config struct {
	Enabled                bool   `mapstructure:"Enabled"`
	Spawn                  bool   `mapstructure:"Spawn"`
	Binary                 string `mapstructure:"Binary"`
	RPCURL                 string `mapstructure:"RPCURL"`
	Secret                 string `mapstructure:"Secret"`
	Split                  int    `mapstructure:"Split"`
	MaxConnectionPerServer int    `mapstructure:"MaxConnectionPerServer"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global     GlobalConfig     `mapstructure:",squash"`
	Catalog    CatalogConfig    `mapstructure:"Catalog"`
	Validation ValidationConfig `mapstructure:"Validation"`
	Resolver   ResolverConfig   `mapstructure:"Resolver"`
	Acquire    AcquireConfig    `mapstructure:"Acquire"`
	Cache      CacheConfig      `mapstructure:"Cache"`
	Aria2      Aria2Config      `mapstructure:"Aria2"`
}

// Summary 返回启动日志使用的关键参数摘要。
func (c *Config) Summary() map[string]interface{} {
	return map[string]interface{}{
		"catalog":          c.Catalog.BaseURL,
		"min_valid_size":   c.Validation.MinValidSize.String(),
		"complete_floor":   c.Resolver.CompleteFloor.String(),
		"grace_period":     c.Cache.GracePeriod.DurationValue().String(),
		"max_concurrent":   c.Cache.MaxConcurrent,
		"aria2_enabled":    c.Aria2.Enabled,
		"impersonation":    len(c.Acquire.ImpersonationProfiles),
		"url_cache_ttl":    c.Resolver.URLCacheTTL.DurationValue().String(),
		"storage_path":     c.Global.StoragePath,
		"upstream_timeout": c.Global.UpstreamTimeout.DurationValue().String(),
	}
}
