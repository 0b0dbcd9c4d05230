package resolver

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/any-hub/apkrelay/internal/artifact"
)

type cachedSource struct {
	source    artifact.ResolvedSource
	expiresAt time.Time
}

// SourceCache 在内存中保存解析结果，过期后下一次读取视为未命中。
type SourceCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[artifact.Key]cachedSource
}

// NewSourceCache 创建缓存，ttl<=0 时不缓存。
func NewSourceCache(ttl time.Duration) *SourceCache {
	return &SourceCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[artifact.Key]cachedSource),
	}
}

func (c *SourceCache) Get(key artifact.Key) (artifact.ResolvedSource, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return artifact.ResolvedSource{}, false
	}
	if !c.now().Before(entry.expiresAt) {
		delete(c.entries, key)
		return artifact.ResolvedSource{}, false
	}
	return entry.source, true
}

func (c *SourceCache) Put(src artifact.ResolvedSource) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.entries[src.Key] = cachedSource{source: src, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

// Evict 删除单个条目，下载失败后用于强制重新解析。
func (c *SourceCache) Evict(key artifact.Key) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Purge 清空全部条目并返回清除数量。
func (c *SourceCache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.entries)
	c.entries = make(map[artifact.Key]cachedSource)
	return n
}

func (c *SourceCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Cached 为 Resolver 加上读穿缓存，同一个包的并发解析只执行一次。
// 共享的解析不受发起者取消的影响，只受 timeout 约束。
type Cached struct {
	inner   *Resolver
	cache   *SourceCache
	timeout time.Duration
	group   singleflight.Group
}

// NewCached 构造读穿缓存，timeout<=0 时共享解析不设上限。
func NewCached(inner *Resolver, cache *SourceCache, timeout time.Duration) *Cached {
	return &Cached{inner: inner, cache: cache, timeout: timeout}
}

// Resolve 返回结果以及是否来自缓存。调用方自己的 ctx 结束时立即返回，
// 正在进行的解析继续完成并写入缓存，供其他等待者使用。
func (c *Cached) Resolve(ctx context.Context, key artifact.Key) (artifact.ResolvedSource, bool, error) {
	if src, ok := c.cache.Get(key); ok {
		return src, true, nil
	}
	ch := c.group.DoChan(string(key), func() (any, error) {
		shared := context.WithoutCancel(ctx)
		if c.timeout > 0 {
			var cancel context.CancelFunc
			shared, cancel = context.WithTimeout(shared, c.timeout)
			defer cancel()
		}
		src, err := c.inner.Resolve(shared, key)
		if err != nil {
			return artifact.ResolvedSource{}, err
		}
		c.cache.Put(src)
		return src, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return artifact.ResolvedSource{}, false, res.Err
		}
		return res.Val.(artifact.ResolvedSource), false, nil
	case <-ctx.Done():
		return artifact.ResolvedSource{}, false, ctx.Err()
	}
}

// Remember 写入由其他途径得到的结果，例如直链兜底。
func (c *Cached) Remember(src artifact.ResolvedSource) {
	c.cache.Put(src)
}

func (c *Cached) Resolver() *Resolver {
	return c.inner
}

func (c *Cached) Evict(key artifact.Key) {
	c.cache.Evict(key)
}

func (c *Cached) Purge() int {
	return c.cache.Purge()
}

func (c *Cached) Len() int {
	return c.cache.Len()
}
