// Package verify probes candidate download URLs with metadata-only requests
// and refines the artifact variant from response headers and the final URL.
package verify

import (
	"context"
	"encoding/base64"
	"mime"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/apkrelay/internal/artifact"
	"github.com/any-hub/apkrelay/internal/transport"
)

// Verdict 是一次探测的结论。
type Verdict struct {
	Valid     bool
	SizeBytes int64
	Variant   artifact.Variant
	FinalURL  string
	Prober    string
	Reason    string
}

// Verifier 依次使用各探测客户端发送 HEAD，第一个判定有效的结果即返回。
type Verifier struct {
	probers []transport.Client
	headers func() http.Header
	minSize int64
	logger  *logrus.Logger
}

// New 构造 Verifier。probers 按优先级排列，通常是各浏览器指纹再加普通客户端。
func New(probers []transport.Client, headers func() http.Header, minSize int64, logger *logrus.Logger) *Verifier {
	if headers == nil {
		headers = func() http.Header { return http.Header{} }
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Verifier{probers: probers, headers: headers, minSize: minSize, logger: logger}
}

// Verify 判定 url 是否指向可下载的二进制：200、非 HTML、Content-Length 超过阈值。
func (v *Verifier) Verify(ctx context.Context, rawURL string) Verdict {
	last := Verdict{Reason: "no prober configured"}
	for idx, prober := range v.probers {
		if ctx.Err() != nil {
			return Verdict{Reason: ctx.Err().Error()}
		}
		name := transport.Named(prober, "standard")
		verdict := v.probe(ctx, prober, rawURL)
		verdict.Prober = name
		if verdict.Valid {
			v.logger.WithFields(logrus.Fields{
				"action":     "verify",
				"url":        rawURL,
				"prober":     name,
				"size_bytes": verdict.SizeBytes,
				"file_type":  verdict.Variant.String(),
			}).Debug("verify_valid")
			return verdict
		}
		v.logger.WithFields(logrus.Fields{
			"action": "verify",
			"url":    rawURL,
			"prober": name,
			"index":  idx,
			"reason": verdict.Reason,
		}).Debug("verify_invalid")
		last = verdict
	}
	return last
}

func (v *Verifier) probe(ctx context.Context, prober transport.Client, rawURL string) Verdict {
	resp, err := prober.Do(ctx, transport.Request{Method: http.MethodHead, URL: rawURL, Header: v.headers()})
	if err != nil {
		return Verdict{Reason: err.Error()}
	}
	defer resp.Close()

	if resp.StatusCode != http.StatusOK {
		return Verdict{FinalURL: resp.FinalURL, Reason: "status " + strconv.Itoa(resp.StatusCode)}
	}
	if strings.Contains(resp.ContentType(), "html") {
		return Verdict{FinalURL: resp.FinalURL, Reason: "html content type"}
	}
	size := contentLength(resp)
	if size <= v.minSize {
		return Verdict{FinalURL: resp.FinalURL, SizeBytes: size, Reason: "content length below threshold"}
	}
	return Verdict{
		Valid:     true,
		SizeBytes: size,
		Variant:   RefineVariant(resp.Header, resp.FinalURL),
		FinalURL:  resp.FinalURL,
	}
}

func contentLength(resp *transport.Response) int64 {
	if raw := strings.TrimSpace(resp.Header.Get("Content-Length")); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return n
		}
	}
	if resp.ContentLength > 0 {
		return resp.ContentLength
	}
	return 0
}

var dispositionFilename = regexp.MustCompile(`(?i)filename[^;=\n]*=(["']?)([^"'\n;]+)`)

// RefineVariant 依次参考 Content-Disposition、_fn 参数、最终 URL 与 Content-Type。
// 都无法判断时返回 VariantUnknown，由调用方沿用请求的格式。
func RefineVariant(header http.Header, finalURL string) artifact.Variant {
	if v := variantFromFilename(dispositionName(header.Get("Content-Disposition"))); v != artifact.VariantUnknown {
		return v
	}
	if v := variantFromFilename(encodedName(finalURL)); v != artifact.VariantUnknown {
		return v
	}
	lowered := strings.ToLower(finalURL)
	switch {
	case strings.Contains(lowered, "/b/xapk/") || strings.Contains(lowered, ".xapk"):
		return artifact.VariantXAPK
	case strings.Contains(lowered, ".apks"):
		return artifact.VariantAPKS
	case strings.Contains(lowered, "/b/apk/") || strings.Contains(lowered, ".apk"):
		return artifact.VariantAPK
	}
	if strings.Contains(strings.ToLower(header.Get("Content-Type")), "xapk") {
		return artifact.VariantXAPK
	}
	return artifact.VariantUnknown
}

func dispositionName(disposition string) string {
	if disposition == "" {
		return ""
	}
	if _, params, err := mime.ParseMediaType(disposition); err == nil {
		if name := params["filename"]; name != "" {
			return name
		}
	}
	if m := dispositionFilename.FindStringSubmatch(disposition); m != nil {
		return m[2]
	}
	return ""
}

// encodedName 解码下载链接 _fn 参数中 base64 编码的文件名。
func encodedName(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	fn := parsed.Query().Get("_fn")
	if fn == "" {
		return ""
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		if decoded, err := enc.DecodeString(fn); err == nil {
			return string(decoded)
		}
	}
	return ""
}

func variantFromFilename(name string) artifact.Variant {
	lowered := strings.ToLower(name)
	switch {
	case strings.Contains(lowered, ".xapk"):
		return artifact.VariantXAPK
	case strings.Contains(lowered, ".apks"):
		return artifact.VariantAPKS
	case strings.Contains(lowered, ".apk"):
		return artifact.VariantAPK
	default:
		return artifact.VariantUnknown
	}
}
