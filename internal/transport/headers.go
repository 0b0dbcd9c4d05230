package transport

import (
	"math/rand/v2"
	"net/http"
)

// BrowserHeaders 构造目录站点认可的浏览器请求头。
func BrowserHeaders(userAgent, referer string) http.Header {
	h := http.Header{}
	h.Set("User-Agent", userAgent)
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	h.Set("Accept-Language", "en-US,en;q=0.9")
	h.Set("Connection", "keep-alive")
	h.Set("Upgrade-Insecure-Requests", "1")
	if referer != "" {
		h.Set("Referer", referer)
	}
	return h
}

// PageHeaders 在 BrowserHeaders 基础上声明可接受的压缩格式，只用于抓取 HTML。
func PageHeaders(userAgent, referer string) http.Header {
	h := BrowserHeaders(userAgent, referer)
	h.Set("Accept-Encoding", "gzip, deflate, br, zstd")
	return h
}

// UserAgents 轮换 User-Agent。
type UserAgents []string

// Pick 随机返回一个 User-Agent，列表为空时返回空字符串。
func (u UserAgents) Pick() string {
	if len(u) == 0 {
		return ""
	}
	return u[rand.IntN(len(u))]
}

// First 返回第一个 User-Agent，交给外部下载器时保持确定性。
func (u UserAgents) First() string {
	if len(u) == 0 {
		return ""
	}
	return u[0]
}
