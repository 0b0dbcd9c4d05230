package logging

import (
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// PackageFields 提供包名/格式/命中状态字段，供下载与缓存日志复用。
func PackageFields(action, pkg, variant string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"action":    action,
		"package":   pkg,
		"file_type": variant,
		"cache_hit": cacheHit,
	}
}

// StrategyFields 标记某个下载策略的一次尝试。
func StrategyFields(pkg, strategy string, attempt int) logrus.Fields {
	return logrus.Fields{
		"action":   "acquire",
		"package":  pkg,
		"strategy": strategy,
		"attempt":  attempt,
	}
}

// WithSize 追加字节数与可读大小。
func WithSize(fields logrus.Fields, size int64) logrus.Fields {
	fields["size_bytes"] = size
	if size >= 0 {
		fields["size_human"] = humanize.IBytes(uint64(size))
	}
	return fields
}
