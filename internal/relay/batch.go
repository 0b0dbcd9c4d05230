package relay

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/any-hub/apkrelay/internal/artifact"
)

const (
	// MaxBatchSize 是单次批量请求允许的包数量。
	MaxBatchSize = 100
	batchWorkers = 8
)

// BatchItem 是批量下载中单个包的结果。
type BatchItem struct {
	Package   string  `json:"package"`
	Success   bool    `json:"success"`
	FileType  string  `json:"file_type,omitempty"`
	SizeBytes int64   `json:"size_bytes,omitempty"`
	SizeMB    float64 `json:"size_mb,omitempty"`
	CacheHit  bool    `json:"cache_hit,omitempty"`
	Error     string  `json:"error,omitempty"`
	Kind      string  `json:"kind,omitempty"`
}

// Batch 并发下载多个包，单个失败不影响其他包。
func (s *Service) Batch(ctx context.Context, keys []string) ([]BatchItem, error) {
	if len(keys) == 0 {
		return nil, artifact.NewFailure(artifact.KindInvalidInput, "", fmt.Errorf("%w: empty batch", artifact.ErrInvalidInput))
	}
	if len(keys) > MaxBatchSize {
		return nil, artifact.NewFailure(artifact.KindInvalidInput, "", fmt.Errorf("%w: at most %d packages per batch", artifact.ErrInvalidInput, MaxBatchSize))
	}

	items := make([]BatchItem, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchWorkers)
	for i, raw := range keys {
		g.Go(func() error {
			item := BatchItem{Package: raw}
			res, err := s.Fetch(gctx, raw)
			if err != nil {
				item.Error = err.Error()
				item.Kind = string(artifact.KindOf(err))
			} else {
				item.Success = true
				item.FileType = res.Source.Variant.String()
				item.SizeBytes = res.SizeBytes
				item.SizeMB = float64(res.SizeBytes) / (1024 * 1024)
				item.CacheHit = res.CacheHit
			}
			items[i] = item
			return nil
		})
	}
	_ = g.Wait()
	return items, nil
}
