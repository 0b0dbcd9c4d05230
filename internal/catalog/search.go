package catalog

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/any-hub/apkrelay/internal/artifact"
)

var (
	searchItemClass = regexp.MustCompile(`(?i)list-item|search-item|apk-item`)
	titleClass      = regexp.MustCompile(`(?i)title|name`)
	developerClass  = regexp.MustCompile(`(?i)developer|author|by`)
	scoreClass      = regexp.MustCompile(`(?i)score-search|score|rating`)
	scoreNumber     = regexp.MustCompile(`(\d+(?:\.\d+)?)`)
	packageID       = regexp.MustCompile(`(?i)^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)+$`)

	navigationTokens = []string{"search", "download", "developer", "category", "group", "top-", "trending", "article"}
)

// SearchResult 是一条搜索结果。
type SearchResult struct {
	AppID     string   `json:"appId"`
	Title     string   `json:"title"`
	Developer string   `json:"developer"`
	Icon      string   `json:"icon"`
	Score     *float64 `json:"score"`
	URL       string   `json:"url"`
	Source    string   `json:"source"`
}

// Search 抓取搜索页并解析结果，最多返回 limit 条。
func (s *Site) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	page, err := s.Fetch(ctx, s.SearchURL(query))
	if err != nil {
		return nil, err
	}
	return s.ParseSearch(page, limit), nil
}

// ParseSearch 解析搜索结果页。
func (s *Site) ParseSearch(page *Page, limit int) []SearchResult {
	if limit <= 0 {
		limit = 20
	}
	items := page.Doc.Find("a.dd")
	if items.Length() == 0 {
		items = page.Doc.Find("div").FilterFunction(classMatches(searchItemClass))
	}

	titleCaser := cases.Title(language.Und)
	seen := make(map[string]struct{})
	var results []SearchResult
	items.EachWithBreak(func(_ int, item *goquery.Selection) bool {
		if len(results) >= limit {
			return false
		}
		link, container := item, item
		if goquery.NodeName(item) == "a" {
			if li := item.Closest("li"); li.Length() > 0 {
				container = li
			}
		} else {
			link = item.Find("a[href]").First()
		}
		href := strings.TrimSpace(link.AttrOr("href", ""))
		if href == "" || isNavigation(href) {
			return true
		}
		parts := strings.Split(strings.Trim(href, "/"), "/")
		if len(parts) < 2 {
			return true
		}
		appID, slug := parts[len(parts)-1], parts[len(parts)-2]
		if !packageID.MatchString(appID) {
			return true
		}
		if _, dup := seen[appID]; dup {
			return true
		}
		seen[appID] = struct{}{}

		title := firstText(container.Find("p.p1, span.p1, div.p1"))
		if title == "" {
			title = firstText(container.Find("h2, h3, p, span").FilterFunction(classMatches(titleClass)))
		}
		if title == "" {
			title = titleCaser.String(strings.ReplaceAll(slug, "-", " "))
		}
		developer := firstText(container.Find("p.p2, span.p2"))
		if developer == "" {
			developer = firstText(container.Find("span, a, p").FilterFunction(classMatches(developerClass)))
		}
		if developer == "" {
			developer = "Unknown"
		}

		results = append(results, SearchResult{
			AppID:     appID,
			Title:     truncate(title, 100),
			Developer: truncate(developer, 50),
			Icon:      iconOf(container),
			Score:     scoreOf(container),
			URL:       s.AppPageURL(slug, artifact.Key(appID)),
			Source:    "apkpure",
		})
		return true
	})
	return results
}

func isNavigation(href string) bool {
	lowered := strings.ToLower(href)
	for _, token := range navigationTokens {
		if strings.Contains(lowered, token) {
			return true
		}
	}
	return false
}

func firstText(sel *goquery.Selection) string {
	return strings.TrimSpace(sel.First().Text())
}

func iconOf(container *goquery.Selection) string {
	img := container.Find("img").First()
	for _, attr := range []string{"data-original", "src", "data-src"} {
		if v := strings.TrimSpace(img.AttrOr(attr, "")); v != "" {
			return v
		}
	}
	return ""
}

func scoreOf(container *goquery.Selection) *float64 {
	text := firstText(container.Find("span, div").FilterFunction(classMatches(scoreClass)))
	m := scoreNumber.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	score, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return nil
	}
	return &score
}
