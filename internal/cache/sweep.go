package cache

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// SweepReport 汇总一次清扫。
type SweepReport struct {
	Removed int
	Bytes   int64
}

// Sweep 删除修改时间早于 now-MaxAge 的普通文件，跳过进行中的获取与实例锁文件。
// 被删文件若对应某个条目，条目一并移除。
func (e *Ephemeral) Sweep(now time.Time) SweepReport {
	var report SweepReport
	files, err := os.ReadDir(e.dir)
	if err != nil {
		e.logger.WithError(err).Warn("sweep_read_failed")
		return report
	}
	cutoff := now.Add(-e.opts.MaxAge)

	byPath := make(map[string]string)
	e.mu.Lock()
	for ck, entry := range e.entries {
		byPath[entry.Path] = ck
	}
	e.mu.Unlock()

	for _, f := range files {
		if !f.Type().IsRegular() || f.Name() == LockFileName {
			continue
		}
		path := filepath.Join(e.dir, f.Name())
		if e.isReserved(path) {
			continue
		}
		info, err := f.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if ck, ok := byPath[path]; ok {
			e.purge(ck)
		} else if err := removeQuietly(path); err != nil {
			continue
		}
		report.Removed++
		report.Bytes += info.Size()
	}

	if report.Removed > 0 {
		e.logger.WithFields(logrus.Fields{
			"action":     "sweep",
			"removed":    report.Removed,
			"size_human": humanize.IBytes(uint64(report.Bytes)),
		}).Info("sweep_complete")
	}
	return report
}

func (e *Ephemeral) sweepLoop(ctx context.Context) {
	defer close(e.loopDone)
	e.Sweep(e.now())

	ticker := time.NewTicker(e.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Sweep(e.now())
		}
	}
}
