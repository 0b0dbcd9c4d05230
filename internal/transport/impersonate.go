package transport

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	fhttp "github.com/bogdanfinn/fhttp"
	tls_client "github.com/bogdanfinn/tls-client"
	"github.com/bogdanfinn/tls-client/profiles"
)

// Impersonator 按名称持有多个浏览器 TLS 指纹客户端，惰性创建并复用。
type Impersonator struct {
	names   []string
	timeout time.Duration

	mu      sync.Mutex
	clients map[string]tls_client.HttpClient
}

// NewImpersonator 校验指纹名称，未知名称直接报错以便启动时发现配置问题。
func NewImpersonator(names []string, timeout time.Duration) (*Impersonator, error) {
	for _, name := range names {
		if _, ok := profiles.MappedTLSClients[name]; !ok {
			return nil, fmt.Errorf("unknown impersonation profile %q (known: %v)", name, KnownProfiles())
		}
	}
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	return &Impersonator{
		names:   append([]string(nil), names...),
		timeout: timeout,
		clients: make(map[string]tls_client.HttpClient),
	}, nil
}

// KnownProfiles 列出 tls-client 内置的指纹名称。
func KnownProfiles() []string {
	names := make([]string, 0, len(profiles.MappedTLSClients))
	for name := range profiles.MappedTLSClients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Profiles 返回按配置顺序排列的指纹名称。
func (i *Impersonator) Profiles() []string {
	if i == nil {
		return nil
	}
	return append([]string(nil), i.names...)
}

// Client 返回绑定某个指纹的 Client。
func (i *Impersonator) Client(name string) (Client, error) {
	hc, err := i.httpClient(name)
	if err != nil {
		return nil, err
	}
	return &profileClient{name: name, client: hc, timeout: i.timeout}, nil
}

// Clients 按配置顺序返回全部指纹客户端，创建失败的指纹被跳过。
func (i *Impersonator) Clients() []Client {
	if i == nil {
		return nil
	}
	out := make([]Client, 0, len(i.names))
	for _, name := range i.names {
		c, err := i.Client(name)
		if err != nil {
			continue
		}
		out = append(out, c)
	}
	return out
}

func (i *Impersonator) httpClient(name string) (tls_client.HttpClient, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if hc, ok := i.clients[name]; ok {
		return hc, nil
	}
	profile, ok := profiles.MappedTLSClients[name]
	if !ok {
		return nil, fmt.Errorf("unknown impersonation profile %q", name)
	}
	hc, err := tls_client.NewHttpClient(tls_client.NewNoopLogger(),
		tls_client.WithClientProfile(profile),
		tls_client.WithTimeoutSeconds(int(i.timeout/time.Second)),
		tls_client.WithCookieJar(tls_client.NewCookieJar()),
	)
	if err != nil {
		return nil, fmt.Errorf("build %s client: %w", name, err)
	}
	i.clients[name] = hc
	return hc, nil
}

type profileClient struct {
	name    string
	client  tls_client.HttpClient
	timeout time.Duration
}

// Name 返回指纹名称，日志中用于区分尝试。
func (p *profileClient) Name() string {
	return p.name
}

func (p *profileClient) Do(ctx context.Context, req Request) (*Response, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = p.timeout
	}
	reqCtx, cancel := withTimeout(ctx, timeout)

	fReq, err := fhttp.NewRequestWithContext(reqCtx, methodOrGet(req.Method), req.URL, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	for key, values := range req.Header {
		for _, value := range values {
			fReq.Header.Add(key, value)
		}
	}

	resp, err := p.client.Do(fReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%s: %w", p.name, err)
	}

	finalURL := req.URL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	return &Response{
		StatusCode:    resp.StatusCode,
		Header:        http.Header(resp.Header),
		FinalURL:      finalURL,
		ContentLength: resp.ContentLength,
		Body:          cancelOnClose{ReadCloser: resp.Body, cancel: cancel},
	}, nil
}

// Named 返回 Client 的可读名称；非指纹客户端返回 fallback。
func Named(c Client, fallback string) string {
	if n, ok := c.(interface{ Name() string }); ok {
		return n.Name()
	}
	return fallback
}
