package catalog

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var (
	refreshURL = regexp.MustCompile(`(?i)url\s*=\s*['"]?([^'"\s]+)`)
	scriptURL  = regexp.MustCompile(`https?://[^\s"'<>\\]+?\.(?:xapk|apk)(?:\?[^\s"'<>\\]*)?`)
)

// Candidate 是下载页上找到的一个候选直链。
type Candidate struct {
	URL string
	Via string
}

type extractor struct {
	name string
	find func(s *Site, page *Page) []string
}

// downloadExtractors 按可信度排序，越靠前越接近站点自己的下载按钮。
var downloadExtractors = []extractor{
	{name: "download_link", find: func(s *Site, page *Page) []string {
		href := strings.TrimSpace(page.Doc.Find("a#download_link").First().AttrOr("href", ""))
		return httpOnly(s.Absolute(href))
	}},
	{name: "download_host_link", find: func(s *Site, page *Page) []string {
		var out []string
		page.Doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
			href := s.Absolute(a.AttrOr("href", ""))
			if s.IsDownloadHost(href) {
				out = append(out, href)
			}
		})
		return out
	}},
	{name: "iframe", find: func(s *Site, page *Page) []string {
		src := strings.TrimSpace(page.Doc.Find("iframe#iframe_download").First().AttrOr("src", ""))
		return httpOnly(s.Absolute(src))
	}},
	{name: "meta_refresh", find: func(s *Site, page *Page) []string {
		var out []string
		page.Doc.Find("meta[http-equiv]").Each(func(_ int, m *goquery.Selection) {
			if !strings.EqualFold(strings.TrimSpace(m.AttrOr("http-equiv", "")), "refresh") {
				return
			}
			if match := refreshURL.FindStringSubmatch(m.AttrOr("content", "")); match != nil {
				out = append(out, httpOnly(s.Absolute(match[1]))...)
			}
		})
		return out
	}},
	{name: "script", find: func(_ *Site, page *Page) []string {
		var out []string
		page.Doc.Find("script").Each(func(_ int, sc *goquery.Selection) {
			out = append(out, scriptURL.FindAllString(sc.Text(), -1)...)
		})
		return out
	}},
}

// DownloadCandidates 依次运行各提取器，返回去重后的候选链接。
func (s *Site) DownloadCandidates(page *Page) []Candidate {
	seen := make(map[string]struct{})
	var out []Candidate
	for _, ex := range downloadExtractors {
		for _, raw := range ex.find(s, page) {
			if raw == "" {
				continue
			}
			if _, dup := seen[raw]; dup {
				continue
			}
			seen[raw] = struct{}{}
			out = append(out, Candidate{URL: raw, Via: ex.name})
		}
	}
	return out
}

func httpOnly(raw string) []string {
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return []string{raw}
	}
	return nil
}
