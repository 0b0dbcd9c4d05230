package server

import (
	"context"
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/apkrelay/internal/artifact"
	"github.com/any-hub/apkrelay/internal/logging"
	"github.com/any-hub/apkrelay/internal/relay"
)

type handlers struct {
	relay   Relay
	logger  *logrus.Logger
	version string
}

func requestContext(c fiber.Ctx) context.Context {
	if ctx := c.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func (h *handlers) index(c fiber.Ctx) error {
	stats := h.relay.Stats()
	return c.JSON(fiber.Map{
		"service":  "apkrelay",
		"version":  h.version,
		"status":   "running",
		"aria2":    daemonState(stats.Daemon),
		"features": []string{"segmented_downloads", "browser_impersonation", "ephemeral_cache", "complete_build_escalation"},
	})
}

func (h *handlers) health(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "healthy",
		"aria2":     daemonState(h.relay.Stats().Daemon),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func daemonState(d relay.DaemonStats) string {
	switch {
	case d.Available:
		return "running"
	case d.Enabled:
		return "not available"
	default:
		return "disabled"
	}
}

func (h *handlers) stats(c fiber.Ctx) error {
	return c.JSON(h.relay.Stats())
}

func (h *handlers) info(c fiber.Ctx) error {
	pkg := c.Params("pkg")
	src, hit, err := h.relay.Info(requestContext(c), pkg)
	if err != nil {
		return h.writeError(c, "info", pkg, err)
	}
	return c.JSON(fiber.Map{
		"package_name": src.Key,
		"source":       src.Provenance,
		"size":         src.SizeBytes,
		"size_mb":      roundMB(src.SizeMB()),
		"file_type":    src.Variant,
		"version":      versionOrLatest(src.Version),
		"cache_hit":    hit,
	})
}

func (h *handlers) url(c fiber.Ctx) error {
	pkg := c.Params("pkg")
	src, _, err := h.relay.Info(requestContext(c), pkg)
	if err != nil {
		return h.writeError(c, "url", pkg, err)
	}
	return c.JSON(fiber.Map{
		"success":   true,
		"url":       src.DownloadURL,
		"filename":  filename(src),
		"size":      src.SizeBytes,
		"source":    src.Provenance,
		"file_type": src.Variant,
	})
}

func (h *handlers) directURL(c fiber.Ctx) error {
	pkg := c.Params("pkg")
	src, header, err := h.relay.DirectURL(requestContext(c), pkg)
	if err != nil {
		return h.writeError(c, "direct_url", pkg, err)
	}
	flat := make(map[string]string, len(header))
	for name := range header {
		flat[name] = header.Get(name)
	}
	return c.JSON(fiber.Map{
		"success":   true,
		"url":       src.DownloadURL,
		"filename":  filename(src),
		"size":      src.SizeBytes,
		"source":    src.Provenance,
		"file_type": src.Variant,
		"headers":   flat,
	})
}

func (h *handlers) download(c fiber.Ctx) error {
	pkg := c.Params("pkg")
	started := time.Now()
	res, err := h.relay.Fetch(requestContext(c), pkg)
	if err != nil {
		return h.writeError(c, "download", pkg, err)
	}

	f, err := os.Open(res.Path)
	if err != nil {
		return h.writeError(c, "download", pkg, artifact.NewFailure(artifact.KindAcquisition, res.Source.Key, err))
	}
	// 发送前后各续期一次，宽限期从传输结束时重新计算
	h.relay.Touch(res)
	body := &servedFile{File: f, onClose: func() { h.relay.Touch(res) }}

	c.Attachment(filename(res.Source))
	c.Set(fiber.HeaderContentType, res.Source.Variant.ContentType())
	c.Set("X-Source", string(res.Source.Provenance))
	c.Set("X-File-Type", res.Source.Variant.Suffix())
	c.Set("X-File-Size", strconv.FormatInt(res.SizeBytes, 10))
	c.Set("X-Cache-Hit", strconv.FormatBool(res.CacheHit))
	c.Set(fiber.HeaderCacheControl, "no-cache")

	fields := logging.WithSize(logging.PackageFields("download", string(res.Source.Key), res.Source.Variant.String(), res.CacheHit), res.SizeBytes)
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	fields["request_id"] = RequestID(c)
	h.logger.WithFields(fields).Info("download_served")

	// fasthttp 发送完毕后会调用 body.Close
	return c.SendStream(body, int(res.SizeBytes))
}

// servedFile 在关闭时回调一次 onClose。
type servedFile struct {
	*os.File
	once    sync.Once
	onClose func()
}

func (f *servedFile) Close() error {
	err := f.File.Close()
	f.once.Do(func() {
		if f.onClose != nil {
			f.onClose()
		}
	})
	return err
}

func (h *handlers) file(c fiber.Ctx) error {
	pkg := c.Params("pkg")
	res, err := h.relay.Fetch(requestContext(c), pkg)
	if err != nil {
		return h.writeError(c, "file", pkg, err)
	}
	return c.JSON(fiber.Map{
		"success":      true,
		"file_path":    res.Path,
		"file_type":    res.Source.Variant,
		"size":         res.SizeBytes,
		"package_name": res.Source.Key,
		"source":       res.Source.Provenance,
		"cache_hit":    res.CacheHit,
	})
}

func (h *handlers) search(c fiber.Ctx) error {
	query := strings.TrimSpace(c.Params("query"))
	limit, err := strconv.Atoi(c.Query("limit", "20"))
	if err != nil {
		limit = 20
	}
	results, err := h.relay.Search(requestContext(c), query, limit)
	if err != nil {
		return h.writeError(c, "search", query, err)
	}
	return c.JSON(fiber.Map{
		"success": true,
		"query":   query,
		"count":   len(results),
		"results": results,
	})
}

func (h *handlers) clearCache(c fiber.Ctx) error {
	sources, files := h.relay.ClearCache()
	return c.JSON(fiber.Map{
		"status":          "cache_cleared",
		"sources_removed": sources,
		"files_removed":   files,
	})
}

func (h *handlers) batch(c fiber.Ctx) error {
	var pkgs []string
	if err := json.Unmarshal(c.Body(), &pkgs); err != nil {
		return h.writeError(c, "batch", "", artifact.NewFailure(artifact.KindInvalidInput, "", err))
	}
	items, err := h.relay.Batch(requestContext(c), pkgs)
	if err != nil {
		return h.writeError(c, "batch", "", err)
	}
	succeeded := 0
	for _, item := range items {
		if item.Success {
			succeeded++
		}
	}
	return c.JSON(fiber.Map{
		"total":     len(items),
		"succeeded": succeeded,
		"failed":    len(items) - succeeded,
		"results":   items,
	})
}

func filename(src artifact.ResolvedSource) string {
	return string(src.Key) + "." + src.Variant.Suffix()
}

func versionOrLatest(v string) string {
	if v == "" {
		return "Latest"
	}
	return v
}

func roundMB(mb float64) float64 {
	return float64(int64(mb*100+0.5)) / 100
}
