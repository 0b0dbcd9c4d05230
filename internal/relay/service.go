// Package relay wires resolution, acquisition and the ephemeral cache into a
// single process-scoped service. HTTP handlers and the CLI only talk to
// Service.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/apkrelay/internal/acquire"
	"github.com/any-hub/apkrelay/internal/aria2"
	"github.com/any-hub/apkrelay/internal/artifact"
	"github.com/any-hub/apkrelay/internal/cache"
	"github.com/any-hub/apkrelay/internal/catalog"
	"github.com/any-hub/apkrelay/internal/config"
	"github.com/any-hub/apkrelay/internal/logging"
	"github.com/any-hub/apkrelay/internal/resolver"
	"github.com/any-hub/apkrelay/internal/transport"
	"github.com/any-hub/apkrelay/internal/validate"
	"github.com/any-hub/apkrelay/internal/verify"
)

// FetchResult 是一次下载请求的结果。
type FetchResult struct {
	Path      string                  `json:"path"`
	Source    artifact.ResolvedSource `json:"source"`
	SizeBytes int64                   `json:"size_bytes"`
	CacheHit  bool                    `json:"cache_hit"`
	Strategy  string                  `json:"strategy,omitempty"`
	CacheKey  string                  `json:"-"`
}

// Service 持有所有进程级状态，Start/Stop 管理其生命周期。
type Service struct {
	cfg    *config.Config
	logger *logrus.Logger

	site      *catalog.Site
	resolver  *resolver.Cached
	orch      *acquire.Orchestrator
	segmented *acquire.SegmentedStrategy
	cache     *cache.Ephemeral

	supervisor *aria2.Supervisor
	daemon     atomic.Pointer[aria2.Client]

	counters  counters
	startedAt time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

type counters struct {
	requests  atomic.Int64
	cacheHits atomic.Int64
	downloads atomic.Int64
	active    atomic.Int64
	failures  atomic.Int64
}

// Option 调整 Service 的构造，主要用于测试注入。
type Option func(*buildOptions)

type buildOptions struct {
	standard      transport.Client
	impersonation []transport.Client
}

// WithClients 替换默认的 HTTP 客户端；impersonation 为空表示不使用浏览器指纹。
func WithClients(standard transport.Client, impersonation []transport.Client) Option {
	return func(o *buildOptions) {
		o.standard = standard
		o.impersonation = impersonation
	}
}

// New 按配置组装各组件，不会启动任何后台任务。
func New(cfg *config.Config, logger *logrus.Logger, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	var build buildOptions
	for _, opt := range opts {
		opt(&build)
	}
	if build.standard == nil {
		build.standard = transport.NewStandard(cfg.Global.UpstreamTimeout.DurationValue())
		imp, err := transport.NewImpersonator(cfg.Acquire.ImpersonationProfiles, cfg.Acquire.ImpersonationTimeout.DurationValue())
		if err != nil {
			return nil, err
		}
		build.impersonation = imp.Clients()
	}

	site := catalog.NewSite(catalog.Options{
		BaseURL:       cfg.Catalog.BaseURL,
		DownloadBase:  cfg.Catalog.DownloadBase,
		DownloadHosts: cfg.Catalog.DownloadHosts,
		UserAgents:    cfg.Catalog.UserAgents,
		Referer:       cfg.Catalog.Referer,
		Client:        build.standard,
		Logger:        logger,
	})

	probers := append(append([]transport.Client{}, build.impersonation...), build.standard)
	verifier := verify.New(probers, site.DownloadHeaders, cfg.Resolver.MinProbeSize.Int64(), logger)
	res := resolver.New(site, catalog.NewDetector(site, logger), verifier, resolver.Options{
		HighConfidence: cfg.Resolver.HighConfidence,
		CompleteFloor:  cfg.Resolver.CompleteFloor.Int64(),
		PreferComplete: cfg.Resolver.PreferComplete,
	}, logger)

	validator := validate.New(cfg.Validation.MinValidSize.Int64(), cfg.Validation.RejectUndersized)
	segmented := &acquire.SegmentedStrategy{
		Headers: site.DownloadHeaders,
		Timeout: cfg.Acquire.SegmentedTimeout.DurationValue(),
		Poll:    cfg.Acquire.PollInterval.DurationValue(),
		Logger:  logger,
	}
	orch := acquire.New(validator, logger,
		segmented,
		&acquire.ImpersonationStrategy{
			Clients:   build.impersonation,
			Headers:   site.DownloadHeaders,
			Timeout:   cfg.Acquire.ImpersonationTimeout.DurationValue(),
			Validator: validator,
			Logger:    logger,
		},
		&acquire.StreamingStrategy{
			Client:    build.standard,
			Headers:   site.DownloadHeaders,
			Timeout:   cfg.Acquire.StreamTimeout.DurationValue(),
			Validator: validator,
		},
	)

	store, err := cache.NewEphemeral(cache.Options{
		Dir:           cfg.Global.StoragePath,
		GracePeriod:   cfg.Cache.GracePeriod.DurationValue(),
		MaxAge:        cfg.Cache.MaxAge.DurationValue(),
		SweepInterval: cfg.Cache.SweepInterval.DurationValue(),
		Validator:     validator,
		Governor:      cache.NewGovernor(cfg.Cache.MaxConcurrent),
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}

	return &Service{
		cfg:       cfg,
		logger:    logger,
		site:      site,
		resolver:  resolver.NewCached(res, resolver.NewSourceCache(cfg.Resolver.URLCacheTTL.DurationValue()), cfg.Resolver.ResolveTimeout.DurationValue()),
		orch:      orch,
		segmented: segmented,
		cache:     store,
		supervisor: &aria2.Supervisor{
			Binary: cfg.Aria2.Binary,
			Spawn:  cfg.Aria2.Spawn,
			Options: aria2.Options{
				RPCURL:                 cfg.Aria2.RPCURL,
				Secret:                 cfg.Aria2.Secret,
				Split:                  cfg.Aria2.Split,
				MaxConnectionPerServer: cfg.Aria2.MaxConnectionPerServer,
			},
			Logger: logger,
		},
		sleep: sleepContext,
	}, nil
}

// Start 锁定存储目录、启动过期队列与清扫，并尽力连接或启动 aria2。
func (s *Service) Start(ctx context.Context) error {
	if err := s.cache.Start(ctx); err != nil {
		return err
	}
	s.startedAt = time.Now()
	if !s.cfg.Aria2.Enabled {
		return nil
	}
	client, err := s.supervisor.Start(ctx)
	if err != nil {
		s.logger.WithError(err).WithField("action", "aria2").Warn("aria2_unavailable")
		return nil
	}
	s.daemon.Store(client)
	s.segmented.SetDaemon(client)
	return nil
}

// Stop 丢弃待执行的删除、停止清扫、结束自行启动的 aria2 并释放目录锁。
func (s *Service) Stop() {
	s.segmented.SetDaemon(nil)
	s.daemon.Store(nil)
	s.supervisor.Stop()
	s.cache.Stop()
}

// Info 返回包的下载源。解析失败时直接探测 XAPK 与 APK 直链作为兜底。
func (s *Service) Info(ctx context.Context, raw string) (artifact.ResolvedSource, bool, error) {
	key, err := artifact.ParseKey(raw)
	if err != nil {
		return artifact.ResolvedSource{}, false, err
	}
	return s.info(ctx, key)
}

func (s *Service) info(ctx context.Context, key artifact.Key) (artifact.ResolvedSource, bool, error) {
	src, hit, err := s.resolver.Resolve(ctx, key)
	if err == nil {
		return src, hit, nil
	}
	if !errors.Is(err, artifact.ErrResolution) {
		return artifact.ResolvedSource{}, false, err
	}
	if direct, ok := s.resolver.Resolver().ProbeDirect(ctx, key, artifact.VariantXAPK, artifact.VariantAPK); ok {
		s.logger.WithFields(logging.PackageFields("resolve", string(key), direct.Variant.String(), false)).
			Info("resolve_direct_fallback")
		s.resolver.Remember(direct)
		return direct, false, nil
	}
	return artifact.ResolvedSource{}, false, err
}

// DirectURL 返回下载源以及客户端自行下载时需要携带的请求头。
func (s *Service) DirectURL(ctx context.Context, raw string) (artifact.ResolvedSource, http.Header, error) {
	src, _, err := s.Info(ctx, raw)
	if err != nil {
		return artifact.ResolvedSource{}, nil, err
	}
	return src, s.site.DownloadHeaders(), nil
}

// Fetch 解析并下载，最多尝试 MaxRetries 次，每次重试前丢弃缓存的解析结果。
func (s *Service) Fetch(ctx context.Context, raw string) (FetchResult, error) {
	s.counters.requests.Add(1)
	key, err := artifact.ParseKey(raw)
	if err != nil {
		return FetchResult{}, err
	}

	attempts := s.cfg.Acquire.MaxRetries
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			s.resolver.Evict(key)
			if err := s.sleep(ctx, s.cfg.Acquire.RetryBackoff.DurationValue()); err != nil {
				break
			}
		}
		res, err := s.fetchOnce(ctx, key)
		if err == nil {
			if res.CacheHit {
				s.counters.cacheHits.Add(1)
			}
			return res, nil
		}
		lastErr = err
		if !retryable(ctx, err) {
			break
		}
		fields := logging.PackageFields("fetch", string(key), "", false)
		fields["attempt"] = attempt
		s.logger.WithFields(fields).WithError(err).Warn("fetch_retry")
	}

	s.counters.failures.Add(1)
	if lastErr == nil {
		lastErr = ctx.Err()
	}
	return FetchResult{}, lastErr
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	return !errors.Is(err, artifact.ErrInvalidInput) &&
		!errors.Is(err, artifact.ErrBackpressure) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

func (s *Service) fetchOnce(ctx context.Context, key artifact.Key) (FetchResult, error) {
	src, _, err := s.info(ctx, key)
	if err != nil {
		return FetchResult{}, err
	}

	var strategy string
	hit, err := s.cache.Fetch(ctx, src, func(ctx context.Context, target string) (int64, error) {
		s.counters.active.Add(1)
		defer s.counters.active.Add(-1)
		res, err := s.orch.Acquire(ctx, acquire.Job{Key: key, Source: src, TargetPath: target})
		if err != nil {
			return 0, err
		}
		s.counters.downloads.Add(1)
		strategy = res.Strategy
		return res.SizeBytes, nil
	})
	if err != nil {
		return FetchResult{}, err
	}
	return FetchResult{
		Path:      hit.Entry.Path,
		Source:    hit.Entry.Source,
		SizeBytes: hit.Entry.SizeBytes,
		CacheHit:  hit.CacheHit,
		Strategy:  strategy,
		CacheKey:  hit.Entry.CacheKey,
	}, nil
}

// Search 调用目录站点搜索。
func (s *Service) Search(ctx context.Context, query string, limit int) ([]catalog.SearchResult, error) {
	if query == "" {
		return nil, artifact.NewFailure(artifact.KindInvalidInput, "", fmt.Errorf("%w: empty query", artifact.ErrInvalidInput))
	}
	if limit <= 0 {
		limit = 20
	}
	if limit > 50 {
		limit = 50
	}
	results, err := s.site.Search(ctx, query, limit)
	if err != nil {
		return nil, artifact.NewFailure(artifact.KindResolution, "", err)
	}
	return results, nil
}

// ClearCache 清空解析缓存与磁盘缓存，返回各自清除的数量。
func (s *Service) ClearCache() (sources, files int) {
	sources = s.resolver.Purge()
	files = s.cache.Clear()
	return sources, files
}

// Touch 续期下载结果对应的缓存文件，条目已被删除时返回 false。
func (s *Service) Touch(res FetchResult) bool {
	if res.CacheKey == "" {
		return false
	}
	return s.cache.Touch(res.CacheKey)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
