// Package resolver turns a package key into a verified download source. It
// combines page detection, direct URL probing, download-page scraping and the
// versions-page escalation toward complete builds.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/apkrelay/internal/artifact"
	"github.com/any-hub/apkrelay/internal/cascade"
	"github.com/any-hub/apkrelay/internal/catalog"
	"github.com/any-hub/apkrelay/internal/logging"
	"github.com/any-hub/apkrelay/internal/verify"
)

// Catalog 是 resolver 需要的站点能力，*catalog.Site 即为实现。
type Catalog interface {
	Slug(ctx context.Context, key artifact.Key) string
	DirectURL(key artifact.Key, variant artifact.Variant) string
	DownloadPageURL(slug string, key artifact.Key) string
	VersionsURL(slug string, key artifact.Key) string
	Fetch(ctx context.Context, pageURL string) (*catalog.Page, error)
	DownloadCandidates(page *catalog.Page) []catalog.Candidate
	ParseVersions(page *catalog.Page) []catalog.Listing
}

// Detector 判定详情页上的格式信号。
type Detector interface {
	Detect(ctx context.Context, key artifact.Key, slug string) artifact.DetectionResult
}

// Prober 校验候选直链。
type Prober interface {
	Verify(ctx context.Context, rawURL string) verify.Verdict
}

// Options 控制判定阈值与完整包升级。
type Options struct {
	HighConfidence float64
	CompleteFloor  int64
	PreferComplete bool
}

// Resolver 无状态，可并发使用；缓存由 Cached 负责。
type Resolver struct {
	catalog  Catalog
	detector Detector
	prober   Prober
	opts     Options
	logger   *logrus.Logger
	now      func() time.Time
}

// New 构造 Resolver。
func New(cat Catalog, detector Detector, prober Prober, opts Options, logger *logrus.Logger) *Resolver {
	if opts.HighConfidence <= 0 {
		opts.HighConfidence = 0.8
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Resolver{
		catalog:  cat,
		detector: detector,
		prober:   prober,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}
}

// Resolve 执行完整的解析流程，失败时返回匹配 artifact.ErrResolution 的错误。
func (r *Resolver) Resolve(ctx context.Context, key artifact.Key) (artifact.ResolvedSource, error) {
	slug := r.catalog.Slug(ctx, key)
	det := r.detector.Detect(ctx, key, slug)

	fields := logging.PackageFields("resolve", string(key), det.Variant.String(), false)
	fields["confidence"] = det.Confidence
	fields["signal"] = det.Source
	r.logger.WithFields(fields).Info("resolve_detected")

	var (
		src artifact.ResolvedSource
		ok  bool
	)
	if det.Variant.Alternate() != artifact.VariantUnknown && det.Confidence >= r.opts.HighConfidence {
		src, ok = r.primaryThenFallback(ctx, key, det)
	} else {
		src, ok = r.ProbeBoth(ctx, key)
	}
	if !ok {
		src, ok = r.fromDownloadPage(ctx, key, slug)
	}
	if err := ctx.Err(); err != nil {
		return artifact.ResolvedSource{}, err
	}
	if !ok {
		r.logger.WithFields(logging.PackageFields("resolve", string(key), "", false)).Warn("resolve_failed")
		return artifact.ResolvedSource{}, artifact.NewFailure(artifact.KindResolution, key, errors.New("no verified download source"))
	}

	if r.opts.PreferComplete && src.SizeBytes < r.opts.CompleteFloor {
		if complete, found := r.findComplete(ctx, key, slug); found {
			src = complete
		}
	}

	r.logger.WithFields(logging.WithSize(logging.PackageFields("resolve", string(key), src.Variant.String(), false), src.SizeBytes)).
		WithField("source", src.Provenance).
		Info("resolve_complete")
	return src, nil
}

func (r *Resolver) primaryThenFallback(ctx context.Context, key artifact.Key, det artifact.DetectionResult) (artifact.ResolvedSource, bool) {
	primary := det.Variant
	if src, ok := r.tryDirect(ctx, key, primary, artifact.Provenance(det.Source)); ok {
		return src, true
	}
	return r.tryDirect(ctx, key, primary.Alternate(), artifact.ProvenanceFallback)
}

func (r *Resolver) tryDirect(ctx context.Context, key artifact.Key, variant artifact.Variant, provenance artifact.Provenance) (artifact.ResolvedSource, bool) {
	target := r.catalog.DirectURL(key, variant)
	if target == "" {
		return artifact.ResolvedSource{}, false
	}
	verdict := r.prober.Verify(ctx, target)
	if !verdict.Valid {
		return artifact.ResolvedSource{}, false
	}
	return r.source(key, target, verdict, variant, provenance, ""), true
}

// ProbeBoth 不做任何检测，直接探测 APK 与 XAPK 两个直链，取体积较大的有效结果。
func (r *Resolver) ProbeBoth(ctx context.Context, key artifact.Key) (artifact.ResolvedSource, bool) {
	var best artifact.ResolvedSource
	found := false
	for _, variant := range []artifact.Variant{artifact.VariantAPK, artifact.VariantXAPK} {
		src, ok := r.tryDirect(ctx, key, variant, artifact.ProvenanceProbedBoth)
		if !ok {
			continue
		}
		if !found || src.SizeBytes > best.SizeBytes {
			best, found = src, true
		}
	}
	return best, found
}

// ProbeDirect 按给定顺序探测直链，返回第一个有效结果，用于最终兜底。
func (r *Resolver) ProbeDirect(ctx context.Context, key artifact.Key, order ...artifact.Variant) (artifact.ResolvedSource, bool) {
	for _, variant := range order {
		if src, ok := r.tryDirect(ctx, key, variant, artifact.ProvenanceDirectFallback); ok {
			return src, true
		}
	}
	return artifact.ResolvedSource{}, false
}

func (r *Resolver) fromDownloadPage(ctx context.Context, key artifact.Key, slug string) (artifact.ResolvedSource, bool) {
	pageURL := r.catalog.DownloadPageURL(slug, key)
	page, err := r.catalog.Fetch(ctx, pageURL)
	if err != nil {
		r.logger.WithError(err).WithFields(logging.PackageFields("resolve", string(key), "", false)).Debug("download_page_unavailable")
		return artifact.ResolvedSource{}, false
	}
	src, err := r.firstVerified(ctx, key, r.catalog.DownloadCandidates(page), 0, artifact.ProvenanceDownloadPage, "")
	return src, err == nil
}

// firstVerified 依次校验候选链接，返回第一个有效且不小于 minSize 的结果。
func (r *Resolver) firstVerified(ctx context.Context, key artifact.Key, candidates []catalog.Candidate, minSize int64, provenance artifact.Provenance, version string) (artifact.ResolvedSource, error) {
	steps := make([]cascade.Step[artifact.Key, artifact.ResolvedSource], 0, len(candidates))
	for _, c := range candidates {
		candidate := c
		steps = append(steps, cascade.Func[artifact.Key, artifact.ResolvedSource]{
			Label: candidate.Via,
			Fn: func(ctx context.Context, key artifact.Key) (artifact.ResolvedSource, error) {
				verdict := r.prober.Verify(ctx, candidate.URL)
				if !verdict.Valid {
					return artifact.ResolvedSource{}, fmt.Errorf("%w: %s", artifact.ErrVerification, verdict.Reason)
				}
				if verdict.SizeBytes < minSize {
					return artifact.ResolvedSource{}, fmt.Errorf("%w: %d bytes below floor", artifact.ErrVerification, verdict.SizeBytes)
				}
				return r.source(key, candidate.URL, verdict, artifact.VariantUnknown, provenance, version), nil
			},
		})
	}
	src, _, err := cascade.Run(ctx, key, steps, nil)
	return src, err
}

// findComplete 在历史版本页中寻找不小于 CompleteFloor 的完整包，从新到旧尝试。
func (r *Resolver) findComplete(ctx context.Context, key artifact.Key, slug string) (artifact.ResolvedSource, bool) {
	fields := logging.PackageFields("escalate", string(key), "", false)
	page, err := r.catalog.Fetch(ctx, r.catalog.VersionsURL(slug, key))
	if err != nil {
		r.logger.WithError(err).WithFields(fields).Debug("versions_page_unavailable")
		return artifact.ResolvedSource{}, false
	}

	for _, listing := range r.catalog.ParseVersions(page) {
		if ctx.Err() != nil {
			return artifact.ResolvedSource{}, false
		}
		if listing.SizeBytes < r.opts.CompleteFloor {
			continue
		}
		dlPage, err := r.catalog.Fetch(ctx, listing.DownloadPage)
		if err != nil {
			continue
		}
		src, err := r.firstVerified(ctx, key, r.catalog.DownloadCandidates(dlPage), r.opts.CompleteFloor, artifact.ProvenanceVersionsPage, listing.Version)
		if err == nil {
			r.logger.WithFields(logging.WithSize(fields, src.SizeBytes)).WithField("version", listing.Version).Info("escalate_found_complete")
			return src, true
		}
	}
	r.logger.WithFields(fields).Debug("escalate_nothing_found")
	return artifact.ResolvedSource{}, false
}

func (r *Resolver) source(key artifact.Key, target string, verdict verify.Verdict, requested artifact.Variant, provenance artifact.Provenance, version string) artifact.ResolvedSource {
	variant := verdict.Variant
	if variant == artifact.VariantUnknown {
		variant = requested
	}
	if variant == artifact.VariantUnknown {
		variant = artifact.VariantAPK
	}
	return artifact.ResolvedSource{
		Key:         key,
		DownloadURL: target,
		Variant:     variant,
		SizeBytes:   verdict.SizeBytes,
		Version:     version,
		Provenance:  provenance,
		ResolvedAt:  r.now().UTC(),
	}
}
