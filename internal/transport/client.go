// Package transport wraps the HTTP capabilities used to talk to the catalog
// and its download hosts: a plain client sharing one tuned transport, and an
// impersonating client that presents a browser TLS fingerprint.
package transport

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"
)

// Request 描述一次上游请求，Timeout 为 0 时使用客户端默认值。
type Request struct {
	Method  string
	URL     string
	Header  http.Header
	Timeout time.Duration
}

// Response 屏蔽 net/http 与 fhttp 的差异，Body 由调用方关闭。
type Response struct {
	StatusCode    int
	Header        http.Header
	FinalURL      string
	ContentLength int64
	Body          io.ReadCloser
}

// ContentType 返回小写的 Content-Type。
func (r *Response) ContentType() string {
	if r == nil || r.Header == nil {
		return ""
	}
	return strings.ToLower(r.Header.Get("Content-Type"))
}

// IsHTML 判断响应声明的类型是否为 HTML 页面。
func (r *Response) IsHTML() bool {
	return strings.Contains(r.ContentType(), "text/html")
}

// Close 释放响应体，可重复调用。
func (r *Response) Close() error {
	if r == nil || r.Body == nil {
		return nil
	}
	return r.Body.Close()
}

// Client 是 resolver 与下载策略依赖的最小 HTTP 能力。重定向总是跟随。
type Client interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

// ClientFunc 把函数适配为 Client，测试中用来构造假上游。
type ClientFunc func(ctx context.Context, req Request) (*Response, error)

// Do makes ClientFunc satisfy Client.
func (f ClientFunc) Do(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// cancelOnClose 在 Body 关闭时释放请求级超时 context。
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func methodOrGet(method string) string {
	if method == "" {
		return http.MethodGet
	}
	return method
}
