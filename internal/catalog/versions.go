package catalog

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var (
	listingSize    = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(MB|GB)`)
	listingVersion = regexp.MustCompile(`/(\d+(?:\.\d+){1,3})`)
)

// Listing 是版本列表页上的一行：下载页链接、版本号与标注的大小。
type Listing struct {
	DownloadPage string
	Version      string
	SizeBytes    int64
}

// ParseVersions 解析历史版本页，按版本号从新到旧排序。无法解析大小的行被丢弃。
func (s *Site) ParseVersions(page *Page) []Listing {
	seen := make(map[string]struct{})
	var out []Listing
	page.Doc.Find(`a[href*="/download"]`).Each(func(_ int, a *goquery.Selection) {
		href := strings.TrimSpace(a.AttrOr("href", ""))
		container := a.Closest("div, li, tr")
		if href == "" || container.Length() == 0 {
			return
		}
		size, ok := parseListingSize(container.Text())
		if !ok {
			return
		}
		abs := s.Absolute(href)
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}

		listing := Listing{DownloadPage: abs, SizeBytes: size}
		if m := listingVersion.FindStringSubmatch(href); m != nil {
			listing.Version = m[1]
		}
		out = append(out, listing)
	})

	sort.SliceStable(out, func(i, j int) bool {
		return compareVersions(out[i].Version, out[j].Version) > 0
	})
	return out
}

// parseListingSize 解析 "123.4 MB" / "1.2 GB"，GB 按 1024 MB 换算。
func parseListingSize(text string) (int64, bool) {
	m := listingSize.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	val, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	mb := val
	if strings.EqualFold(m[2], "GB") {
		mb *= 1024
	}
	return int64(mb * 1024 * 1024), true
}

// compareVersions 按数字段逐段比较，缺失的版本号视为最旧。
func compareVersions(a, b string) int {
	if a == b {
		return 0
	}
	if a == "" {
		return -1
	}
	if b == "" {
		return 1
	}
	pa, pb := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(pa) || i < len(pb); i++ {
		var na, nb int
		if i < len(pa) {
			na, _ = strconv.Atoi(pa[i])
		}
		if i < len(pb) {
			nb, _ = strconv.Atoi(pb[i])
		}
		if na != nb {
			if na > nb {
				return 1
			}
			return -1
		}
	}
	return 0
}
