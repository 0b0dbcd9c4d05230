package relay

import (
	"time"

	"github.com/any-hub/apkrelay/internal/acquire"
	"github.com/any-hub/apkrelay/internal/cache"
)

// DaemonStats 描述 aria2 的可用状态。
type DaemonStats struct {
	Enabled   bool   `json:"enabled"`
	Available bool   `json:"available"`
	RPCURL    string `json:"rpc_url,omitempty"`
}

// Stats 是 /stats 的响应体。
type Stats struct {
	TotalRequests   int64                            `json:"total_requests"`
	CacheHits       int64                            `json:"cache_hits"`
	Downloads       int64                            `json:"downloads"`
	ActiveDownloads int64                            `json:"active_downloads"`
	Failures        int64                            `json:"failures"`
	ResolvedSources int                              `json:"resolved_sources"`
	Strategies      map[string]acquire.StrategyStats `json:"strategies"`
	Cache           cache.Stats                      `json:"cache"`
	Daemon          DaemonStats                      `json:"daemon"`
	Uptime          string                           `json:"uptime"`
}

// Stats 返回计数器与各组件快照。
func (s *Service) Stats() Stats {
	st := Stats{
		TotalRequests:   s.counters.requests.Load(),
		CacheHits:       s.counters.cacheHits.Load(),
		Downloads:       s.counters.downloads.Load(),
		ActiveDownloads: s.counters.active.Load(),
		Failures:        s.counters.failures.Load(),
		ResolvedSources: s.resolver.Len(),
		Strategies:      s.orch.Stats(),
		Cache:           s.cache.Snapshot(),
		Daemon: DaemonStats{
			Enabled:   s.cfg.Aria2.Enabled,
			Available: s.daemon.Load() != nil,
		},
	}
	if st.Daemon.Enabled {
		st.Daemon.RPCURL = s.cfg.Aria2.RPCURL
	}
	if !s.startedAt.IsZero() {
		st.Uptime = time.Since(s.startedAt).Round(time.Second).String()
	}
	return st
}

// DaemonAvailable 表示分段下载是否可用。
func (s *Service) DaemonAvailable() bool {
	return s.segmented.Available()
}
