package catalog

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/apkrelay/internal/artifact"
	"github.com/any-hub/apkrelay/internal/cascade"
)

const (
	confidenceButtonAttr = 1.0
	confidenceButtonText = 0.95
	confidenceFileType   = 0.9
	confidenceMetadata   = 0.85
	confidenceHref       = 0.85
	confidenceTally      = 0.6

	metadataMaxLen = 100
)

var (
	downloadClass = regexp.MustCompile(`(?i)download`)
	fileTypeClass = regexp.MustCompile(`(?i)file.?type|ftype|info-sdk`)
	metadataClass = regexp.MustCompile(`(?i)info|detail|meta|spec`)
	downloadHref  = regexp.MustCompile(`(?i)/download`)
	wordXAPK      = regexp.MustCompile(`\bxapk\b`)
	wordAPK       = regexp.MustCompile(`\bapk\b`)

	ambiguousPhrases = []string{
		"how to install", "install xapk", "what is xapk", "xapk installer",
		"xapk / apk", "apk / xapk", "xapk or apk", "apk or xapk",
	}
)

// signalInput 是单个信号提取器的输入。
type signalInput struct {
	key  artifact.Key
	page *Page
}

type signal = cascade.Step[signalInput, artifact.DetectionResult]

// Detector 依照固定优先级在详情页上寻找格式信号，第一个命中即返回，不做加权。
type Detector struct {
	site    *Site
	signals []signal
	logger  *logrus.Logger
}

// NewDetector 构造检测器。
func NewDetector(site *Site, logger *logrus.Logger) *Detector {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Detector{
		site:   site,
		logger: logger,
		signals: []signal{
			cascade.Func[signalInput, artifact.DetectionResult]{Label: string(artifact.ProvenanceButtonAttr), Fn: buttonAttrSignal},
			cascade.Func[signalInput, artifact.DetectionResult]{Label: string(artifact.ProvenanceButtonText), Fn: buttonTextSignal},
			cascade.Func[signalInput, artifact.DetectionResult]{Label: string(artifact.ProvenanceFileTypeSpan), Fn: fileTypeSpanSignal},
			cascade.Func[signalInput, artifact.DetectionResult]{Label: string(artifact.ProvenanceMetadata), Fn: metadataSignal},
			cascade.Func[signalInput, artifact.DetectionResult]{Label: string(artifact.ProvenanceDownloadHref), Fn: downloadHrefSignal},
			cascade.Func[signalInput, artifact.DetectionResult]{Label: string(artifact.ProvenancePageTally), Fn: pageTallySignal},
		},
	}
}

// Detect 抓取详情页并判定格式。slug 为空时先查找短名。
// 页面不可访问时返回 Unknown/0/error，不返回错误。
func (d *Detector) Detect(ctx context.Context, key artifact.Key, slug string) artifact.DetectionResult {
	if slug == "" {
		slug = d.site.Slug(ctx, key)
	}
	pageURL := d.site.AppPageURL(slug, key)
	page, err := d.site.Fetch(ctx, pageURL)
	if err != nil {
		d.logger.WithError(err).WithFields(logrus.Fields{
			"action":  "detect",
			"package": key,
			"url":     pageURL,
		}).Warn("detect_page_unavailable")
		return artifact.DetectionResult{Variant: artifact.VariantUnknown, Source: "error", Evidence: err.Error()}
	}
	return d.DetectPage(ctx, key, page)
}

// DetectPage 在已解析的页面上运行信号级联。
func (d *Detector) DetectPage(ctx context.Context, key artifact.Key, page *Page) artifact.DetectionResult {
	result, _, err := cascade.Run(ctx, signalInput{key: key, page: page}, d.signals, nil)
	if err != nil {
		return artifact.DetectionResult{Variant: artifact.VariantUnknown, Source: "none", Evidence: "no clear signals found"}
	}
	d.logger.WithFields(logrus.Fields{
		"action":     "detect",
		"package":    key,
		"file_type":  result.Variant.String(),
		"confidence": result.Confidence,
		"source":     result.Source,
	}).Debug("detect_complete")
	return result
}

func detection(v artifact.Variant, confidence float64, source artifact.Provenance, evidence string) artifact.DetectionResult {
	return artifact.DetectionResult{Variant: v, Confidence: confidence, Source: string(source), Evidence: evidence}
}

// variantFromText 只区分 xapk 与 apk 两种写法，xapk 优先。
func variantFromText(text string) artifact.Variant {
	switch {
	case strings.Contains(text, "xapk"):
		return artifact.VariantXAPK
	case strings.Contains(text, "apk"):
		return artifact.VariantAPK
	default:
		return artifact.VariantUnknown
	}
}

func classMatches(pattern *regexp.Regexp) func(int, *goquery.Selection) bool {
	return func(_ int, s *goquery.Selection) bool {
		class, ok := s.Attr("class")
		return ok && pattern.MatchString(class)
	}
}

func downloadButton(page *Page) *goquery.Selection {
	return page.Doc.Find("a").FilterFunction(classMatches(downloadClass)).First()
}

func buttonAttrSignal(_ context.Context, in signalInput) (artifact.DetectionResult, error) {
	btn := downloadButton(in.page)
	if btn.Length() == 0 {
		return artifact.DetectionResult{}, cascade.ErrSkip
	}
	attr := strings.ToLower(strings.TrimSpace(btn.AttrOr("data-dt-file-type", "")))
	if v := variantFromText(attr); v != artifact.VariantUnknown {
		return detection(v, confidenceButtonAttr, artifact.ProvenanceButtonAttr, "data-dt-file-type="+attr), nil
	}
	return artifact.DetectionResult{}, cascade.ErrSkip
}

func buttonTextSignal(_ context.Context, in signalInput) (artifact.DetectionResult, error) {
	btn := downloadButton(in.page)
	if btn.Length() == 0 {
		return artifact.DetectionResult{}, cascade.ErrSkip
	}
	text := strings.ToLower(strings.TrimSpace(btn.Text()))
	if v := variantFromText(text); v != artifact.VariantUnknown {
		return detection(v, confidenceButtonText, artifact.ProvenanceButtonText, text), nil
	}
	return artifact.DetectionResult{}, cascade.ErrSkip
}

func fileTypeSpanSignal(_ context.Context, in signalInput) (artifact.DetectionResult, error) {
	var result artifact.DetectionResult
	found := false
	in.page.Doc.Find("span").FilterFunction(classMatches(fileTypeClass)).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := strings.ToLower(strings.TrimSpace(s.Text()))
		if v := variantFromText(text); v != artifact.VariantUnknown {
			result = detection(v, confidenceFileType, artifact.ProvenanceFileTypeSpan, text)
			found = true
			return false
		}
		return true
	})
	if !found {
		return artifact.DetectionResult{}, cascade.ErrSkip
	}
	return result, nil
}

func metadataSignal(_ context.Context, in signalInput) (artifact.DetectionResult, error) {
	var result artifact.DetectionResult
	found := false
	in.page.Doc.Find("span, div, p, li").FilterFunction(classMatches(metadataClass)).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := strings.ToLower(s.Text())
		if utf8.RuneCountInString(text) >= metadataMaxLen || isAmbiguous(text) {
			return true
		}
		if wordXAPK.MatchString(text) && !hasStandaloneAPK(text) {
			result = detection(artifact.VariantXAPK, confidenceMetadata, artifact.ProvenanceMetadata, truncate(text, 50))
			found = true
			return false
		}
		return true
	})
	if !found {
		return artifact.DetectionResult{}, cascade.ErrSkip
	}
	return result, nil
}

func downloadHrefSignal(_ context.Context, in signalInput) (artifact.DetectionResult, error) {
	var href string
	in.page.Doc.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		candidate, _ := a.Attr("href")
		if downloadHref.MatchString(candidate) && strings.Contains(candidate, string(in.key)) {
			href = candidate
			return false
		}
		return true
	})
	if href != "" && strings.Contains(strings.ToLower(href), "xapk") {
		return detection(artifact.VariantXAPK, confidenceHref, artifact.ProvenanceDownloadHref, href), nil
	}
	return artifact.DetectionResult{}, cascade.ErrSkip
}

// pageTallySignal 按整词统计 xapk 与 apk，站名 apkpure 之类的子串不计票。
func pageTallySignal(_ context.Context, in signalInput) (artifact.DetectionResult, error) {
	lowered := strings.ToLower(string(in.page.Raw))
	xapk := len(wordXAPK.FindAllStringIndex(lowered, -1))
	apk := len(wordAPK.FindAllStringIndex(lowered, -1))
	evidence := "xapk=" + strconv.Itoa(xapk) + " apk=" + strconv.Itoa(apk)
	switch {
	case xapk > apk:
		return detection(artifact.VariantXAPK, confidenceTally, artifact.ProvenancePageTally, evidence), nil
	case apk > xapk:
		return detection(artifact.VariantAPK, confidenceTally, artifact.ProvenancePageTally, evidence), nil
	default:
		return artifact.DetectionResult{}, cascade.ErrSkip
	}
}

func isAmbiguous(text string) bool {
	for _, phrase := range ambiguousPhrases {
		if strings.Contains(text, phrase) {
			return true
		}
	}
	return false
}

// hasStandaloneAPK 判断文本中是否存在后面不跟 "/" 的独立 apk 单词。
func hasStandaloneAPK(text string) bool {
	for _, loc := range wordAPK.FindAllStringIndex(text, -1) {
		rest := strings.TrimLeft(text[loc[1]:], " \t\r\n")
		if !strings.HasPrefix(rest, "/") {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
