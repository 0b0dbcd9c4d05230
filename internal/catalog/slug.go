package catalog

import (
	"context"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/any-hub/apkrelay/internal/artifact"
)

// Slug 查找应用在站点 URL 中的短名，查不到时退回包名本身。
// 成功的结果在进程内缓存，短名在站点上是稳定的。
func (s *Site) Slug(ctx context.Context, key artifact.Key) string {
	if cached, ok := s.slugs.Load(key); ok {
		return cached.(string)
	}

	page, err := s.Fetch(ctx, s.SearchURL(string(key)))
	if err != nil {
		s.logger.WithError(err).WithField("package", key).Debug("slug_lookup_failed")
		return string(key)
	}
	slug, ok := SlugFromSearch(page, key)
	if !ok {
		return string(key)
	}
	s.slugs.Store(key, slug)
	return slug
}

// SlugFromSearch 在搜索结果页中寻找形如 /<slug>/<key> 的站内链接。
func SlugFromSearch(page *Page, key artifact.Key) (string, bool) {
	needle := "/" + string(key)
	var found string
	page.Doc.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		href, _ := a.Attr("href")
		if !strings.Contains(href, needle) || strings.Contains(href, "/download") {
			return true
		}
		if strings.HasPrefix(href, "http") {
			return true
		}
		if idx := strings.IndexAny(href, "?#"); idx >= 0 {
			href = href[:idx]
		}
		parts := strings.Split(strings.Trim(href, "/"), "/")
		if len(parts) < 2 || parts[len(parts)-1] != string(key) {
			return true
		}
		slug := parts[len(parts)-2]
		if slug == "" || slug == string(key) {
			return true
		}
		found = slug
		return false
	})
	return found, found != ""
}
