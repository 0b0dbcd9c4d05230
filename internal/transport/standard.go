package transport

import (
	"context"
	"net"
	"net/http"
	"time"
)

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// Standard 基于 net/http 的普通客户端，所有请求共享一份 Transport。
type Standard struct {
	client  *http.Client
	timeout time.Duration
}

// NewStandard 返回共享连接池的客户端；timeout 是未显式指定时的单请求超时。
func NewStandard(timeout time.Duration) *Standard {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Standard{
		client:  &http.Client{Transport: defaultTransport.Clone()},
		timeout: timeout,
	}
}

// NewStandardFromHTTP 包装已有的 http.Client，测试中可传入 httptest 服务器的客户端。
func NewStandardFromHTTP(client *http.Client, timeout time.Duration) *Standard {
	if client == nil {
		client = &http.Client{Transport: defaultTransport.Clone()}
	}
	return &Standard{client: client, timeout: timeout}
}

// Do 发送请求并跟随重定向，FinalURL 为最后一跳地址。
func (s *Standard) Do(ctx context.Context, req Request) (*Response, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.timeout
	}
	reqCtx, cancel := withTimeout(ctx, timeout)

	httpReq, err := http.NewRequestWithContext(reqCtx, methodOrGet(req.Method), req.URL, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	for key, values := range req.Header {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		cancel()
		return nil, err
	}

	finalURL := req.URL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	return &Response{
		StatusCode:    resp.StatusCode,
		Header:        resp.Header,
		FinalURL:      finalURL,
		ContentLength: resp.ContentLength,
		Body:          cancelOnClose{ReadCloser: resp.Body, cancel: cancel},
	}, nil
}
