// Package artifact holds the value types shared by the resolver, the
// acquisition strategies and the ephemeral cache.
package artifact

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Key 是包的逻辑标识，例如 com.example.app。
type Key string

var keyPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*(\.[A-Za-z][A-Za-z0-9_]*)+$`)

// ParseKey 校验并返回逻辑标识，非法输入统一返回 ErrInvalidInput。
func ParseKey(raw string) (Key, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || len(trimmed) > 255 || !keyPattern.MatchString(trimmed) {
		return "", &Failure{Kind: KindInvalidInput, Key: Key(trimmed), Err: fmt.Errorf("%w: %q", ErrInvalidInput, raw)}
	}
	return Key(trimmed), nil
}

func (k Key) String() string {
	return string(k)
}

// Variant 表示产物的打包格式。
type Variant string

const (
	VariantUnknown Variant = ""
	VariantAPK     Variant = "apk"
	VariantXAPK    Variant = "xapk"
	VariantAPKS    Variant = "apks"
)

// ParseVariant 宽松解析格式名称，无法识别时返回 VariantUnknown。
func ParseVariant(raw string) Variant {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "apk":
		return VariantAPK
	case "xapk":
		return VariantXAPK
	case "apks":
		return VariantAPKS
	default:
		return VariantUnknown
	}
}

// Suffix 返回落盘文件扩展名（不含点）。
func (v Variant) Suffix() string {
	if v == VariantUnknown {
		return string(VariantAPK)
	}
	return string(v)
}

// PathToken 返回直链模板中使用的大写格式段，APKS 没有对应模板。
func (v Variant) PathToken() string {
	switch v {
	case VariantXAPK:
		return "XAPK"
	case VariantAPK:
		return "APK"
	default:
		return ""
	}
}

// Alternate 返回 APK 与 XAPK 之间的互补格式。
func (v Variant) Alternate() Variant {
	switch v {
	case VariantAPK:
		return VariantXAPK
	case VariantXAPK:
		return VariantAPK
	default:
		return VariantUnknown
	}
}

// ContentType 返回下发给客户端的 MIME 类型。
func (v Variant) ContentType() string {
	switch v {
	case VariantXAPK:
		return "application/xapk-package-archive"
	case VariantAPKS:
		return "application/octet-stream"
	default:
		return "application/vnd.android.package-archive"
	}
}

func (v Variant) String() string {
	if v == VariantUnknown {
		return "unknown"
	}
	return string(v)
}

// DetectionResult 是一次页面分析的结论，只在解析流程内部使用。
type DetectionResult struct {
	Variant    Variant
	Confidence float64
	Source     string
	Evidence   string
}

// Provenance 记录 ResolvedSource 是通过哪条路径得到的。
type Provenance string

const (
	ProvenanceButtonAttr     Provenance = "button_data_attr"
	ProvenanceButtonText     Provenance = "button_text"
	ProvenanceFileTypeSpan   Provenance = "file_type_span"
	ProvenanceMetadata       Provenance = "metadata"
	ProvenanceDownloadHref   Provenance = "download_href"
	ProvenancePageTally      Provenance = "page_tally"
	ProvenanceFallback       Provenance = "fallback_variant"
	ProvenanceProbedBoth     Provenance = "probed_both"
	ProvenanceVersionsPage   Provenance = "versions_page"
	ProvenanceDownloadPage   Provenance = "download_page"
	ProvenanceDirectFallback Provenance = "direct_fallback"
)

// ResolvedSource 描述一个已验证可下载的地址，创建后不可修改。
type ResolvedSource struct {
	Key         Key        `json:"package"`
	DownloadURL string     `json:"download_url"`
	Variant     Variant    `json:"file_type"`
	SizeBytes   int64      `json:"size_bytes"`
	Version     string     `json:"version,omitempty"`
	Provenance  Provenance `json:"source"`
	ResolvedAt  time.Time  `json:"resolved_at"`
}

// SizeMB 返回以 MiB 计的大小，方便日志和接口输出。
func (s ResolvedSource) SizeMB() float64 {
	return float64(s.SizeBytes) / (1024 * 1024)
}
