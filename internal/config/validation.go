package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}

	if err := validateUpstream(c.Catalog.BaseURL); err != nil {
		return fmt.Errorf("%s: %w", sectionField("Catalog", "BaseURL"), err)
	}
	if err := validateUpstream(c.Catalog.DownloadBase); err != nil {
		return fmt.Errorf("%s: %w", sectionField("Catalog", "DownloadBase"), err)
	}
	for _, host := range c.Catalog.DownloadHosts {
		if strings.TrimSpace(host) == "" || strings.Contains(host, "/") {
			return newFieldError(sectionField("Catalog", "DownloadHosts"), "只允许填写主机名")
		}
	}

	if c.Validation.MinValidSize <= 0 {
		return newFieldError(sectionField("Validation", "MinValidSize"), "必须大于 0")
	}

	r := c.Resolver
	if r.HighConfidence <= 0 || r.HighConfidence > 1 {
		return newFieldError(sectionField("Resolver", "HighConfidence"), "必须在 (0, 1] 区间")
	}
	if r.MinProbeSize <= 0 {
		return newFieldError(sectionField("Resolver", "MinProbeSize"), "必须大于 0")
	}
	if r.CompleteFloor <= 0 {
		return newFieldError(sectionField("Resolver", "CompleteFloor"), "必须大于 0")
	}
	if r.URLCacheTTL.DurationValue() <= 0 {
		return newFieldError(sectionField("Resolver", "URLCacheTTL"), "必须大于 0")
	}
	if r.ResolveTimeout.DurationValue() < 0 {
		return newFieldError(sectionField("Resolver", "ResolveTimeout"), "不能为负数")
	}

	a := c.Acquire
	if a.MaxRetries < 1 {
		return newFieldError(sectionField("Acquire", "MaxRetries"), "至少为 1")
	}
	if a.RetryBackoff.DurationValue() < 0 {
		return newFieldError(sectionField("Acquire", "RetryBackoff"), "不能为负数")
	}
	if a.PollInterval.DurationValue() <= 0 {
		return newFieldError(sectionField("Acquire", "PollInterval"), "必须大于 0")
	}
	if a.SegmentedTimeout.DurationValue() < a.PollInterval.DurationValue() {
		return newFieldError(sectionField("Acquire", "SegmentedTimeout"), "不能小于 PollInterval")
	}
	if a.ImpersonationTimeout.DurationValue() <= 0 || a.StreamTimeout.DurationValue() <= 0 {
		return newFieldError(sectionField("Acquire", "ImpersonationTimeout/StreamTimeout"), "必须大于 0")
	}

	ca := c.Cache
	if ca.GracePeriod.DurationValue() <= 0 {
		return newFieldError(sectionField("Cache", "GracePeriod"), "必须大于 0")
	}
	if ca.MaxAge.DurationValue() < ca.GracePeriod.DurationValue() {
		return newFieldError(sectionField("Cache", "MaxAge"), "不能小于 GracePeriod")
	}
	if ca.SweepInterval.DurationValue() <= 0 {
		return newFieldError(sectionField("Cache", "SweepInterval"), "必须大于 0")
	}
	if ca.MaxConcurrent <= 0 {
		return newFieldError(sectionField("Cache", "MaxConcurrent"), "必须大于 0")
	}

	if c.Aria2.Enabled {
		if err := validateUpstream(c.Aria2.RPCURL); err != nil {
			return fmt.Errorf("%s: %w", sectionField("Aria2", "RPCURL"), err)
		}
		if c.Aria2.Split <= 0 || c.Aria2.MaxConnectionPerServer <= 0 {
			return newFieldError(sectionField("Aria2", "Split/MaxConnectionPerServer"), "必须大于 0")
		}
	}

	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("缺少 Host: %s", raw)
	}
	return nil
}
