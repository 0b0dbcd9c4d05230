// Package catalog knows the layout of the package catalog site: its URL
// templates, how to find an app's slug, which page signals reveal the
// artifact variant, and where download links hide on the download and
// versions pages. Markup is parsed with goquery.
package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/apkrelay/internal/artifact"
	"github.com/any-hub/apkrelay/internal/transport"
)

// ErrPageStatus 表示页面返回了非 200 状态。
var ErrPageStatus = errors.New("unexpected page status")

// Options 描述站点地址与请求身份。
type Options struct {
	BaseURL       string
	DownloadBase  string
	DownloadHosts []string
	UserAgents    []string
	Referer       string
	Client        transport.Client
	Logger        *logrus.Logger
}

// Site 是目录站点的只读视图，可并发使用。
type Site struct {
	baseURL       string
	downloadBase  string
	downloadHosts []string
	agents        transport.UserAgents
	referer       string
	client        transport.Client
	logger        *logrus.Logger

	slugs sync.Map // artifact.Key -> string
}

// NewSite 构造站点视图，BaseURL/DownloadBase 末尾的斜杠会被去掉。
func NewSite(opts Options) *Site {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	hosts := make([]string, 0, len(opts.DownloadHosts))
	for _, h := range opts.DownloadHosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			hosts = append(hosts, h)
		}
	}
	return &Site{
		baseURL:       strings.TrimRight(opts.BaseURL, "/"),
		downloadBase:  strings.TrimRight(opts.DownloadBase, "/"),
		downloadHosts: hosts,
		agents:        transport.UserAgents(opts.UserAgents),
		referer:       opts.Referer,
		client:        opts.Client,
		logger:        logger,
	}
}

// BaseURL 返回站点根地址。
func (s *Site) BaseURL() string {
	return s.baseURL
}

// AppPageURL 返回应用详情页地址。
func (s *Site) AppPageURL(slug string, key artifact.Key) string {
	return fmt.Sprintf("%s/%s/%s", s.baseURL, slug, key)
}

// VersionsURL 返回历史版本列表页地址。
func (s *Site) VersionsURL(slug string, key artifact.Key) string {
	return s.AppPageURL(slug, key) + "/versions"
}

// DownloadPageURL 返回下载中转页地址。
func (s *Site) DownloadPageURL(slug string, key artifact.Key) string {
	return s.AppPageURL(slug, key) + "/download"
}

// DirectURL 返回指定格式的直链模板，APKS 等没有模板的格式返回空串。
func (s *Site) DirectURL(key artifact.Key, variant artifact.Variant) string {
	token := variant.PathToken()
	if token == "" {
		return ""
	}
	return fmt.Sprintf("%s/%s/%s?version=latest", s.downloadBase, token, key)
}

// SearchURL 返回搜索页地址。
func (s *Site) SearchURL(query string) string {
	return fmt.Sprintf("%s/search?q=%s", s.baseURL, url.QueryEscape(query))
}

// Headers 返回一次请求使用的浏览器头，User-Agent 随机轮换。
func (s *Site) Headers() http.Header {
	return transport.BrowserHeaders(s.agents.Pick(), s.referer)
}

// DownloadHeaders 返回交给外部下载器的稳定请求头。
func (s *Site) DownloadHeaders() http.Header {
	return transport.BrowserHeaders(s.agents.First(), s.referer)
}

// IsDownloadHost 判断链接是否指向已知的下载主机。
func (s *Site) IsDownloadHost(raw string) bool {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return false
	}
	host := strings.ToLower(parsed.Hostname())
	for _, h := range s.downloadHosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}

// Absolute 把站内相对链接补全为绝对地址。
func (s *Site) Absolute(href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return href
	}
	if strings.HasPrefix(href, "//") {
		return "https:" + href
	}
	if parsed, err := url.Parse(href); err != nil || parsed.Scheme != "" {
		return href
	}
	if !strings.HasPrefix(href, "/") {
		href = "/" + href
	}
	return s.baseURL + href
}

// Page 是抓取并解析后的 HTML 页面。
type Page struct {
	URL string
	Raw []byte
	Doc *goquery.Document
}

// NewPage 从原始 HTML 构造 Page，测试与离线解析可直接使用。
func NewPage(pageURL string, raw []byte) (*Page, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", pageURL, err)
	}
	return &Page{URL: pageURL, Raw: raw, Doc: doc}, nil
}

// Fetch 抓取页面并解析，非 200 状态返回 ErrPageStatus。
func (s *Site) Fetch(ctx context.Context, pageURL string) (*Page, error) {
	if s.client == nil {
		return nil, errors.New("catalog client not configured")
	}
	headers := transport.PageHeaders(s.agents.Pick(), s.referer)
	resp, err := s.client.Do(ctx, transport.Request{Method: http.MethodGet, URL: pageURL, Header: headers})
	if err != nil {
		return nil, err
	}
	defer resp.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned %d", ErrPageStatus, pageURL, resp.StatusCode)
	}
	raw, err := transport.ReadPage(resp)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", pageURL, err)
	}
	return NewPage(pageURL, raw)
}
