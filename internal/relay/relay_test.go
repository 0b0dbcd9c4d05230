package relay

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/any-hub/apkrelay/internal/artifact"
	"github.com/any-hub/apkrelay/internal/config"
	"github.com/any-hub/apkrelay/internal/logging"
	"github.com/any-hub/apkrelay/internal/transport"
)

const mb = 1024 * 1024

var payload = bytes.Repeat([]byte("PK\x03\x04"), 1024)

// fakeCatalog 模拟目录站点与下载主机。
type fakeCatalog struct {
	heads     atomic.Int32
	gets      atomic.Int32
	htmlFirst atomic.Bool
}

func (f *fakeCatalog) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><a href="/example-app/com.example.app">Example</a>
			<a href="/small-app/com.example.small">Small</a></html>`))
	})
	mux.HandleFunc("/example-app/com.example.app", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><a class="da download_apk_news">Download XAPK</a></html>`))
	})
	mux.HandleFunc("/small-app/com.example.small", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><a class="da download_apk_news">Download APK</a></html>`))
	})
	mux.HandleFunc("/small-app/com.example.small/versions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<ul><li><a href="/small-app/com.example.small/download/1.0.0">1.0.0</a> <span>30 MB</span></li></ul>`))
	})
	mux.HandleFunc("/b/XAPK/com.example.app", f.binary(220*mb, "xapk"))
	mux.HandleFunc("/b/APK/com.example.small", f.binary(40*mb, "apk"))
	return mux
}

func (f *fakeCatalog) binary(advertised int64, ext string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			f.heads.Add(1)
			w.Header().Set("Content-Type", "application/octet-stream")
			w.Header().Set("Content-Disposition", `attachment; filename="app.`+ext+`"`)
			w.Header().Set("Content-Length", strconv.FormatInt(advertised, 10))
			w.WriteHeader(http.StatusOK)
			return
		}
		if f.gets.Add(1) == 1 && f.htmlFirst.Load() {
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("<!DOCTYPE html><html><body>rate limited</body></html>"))
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(payload)
	}
}

func newTestService(t *testing.T, upstream *fakeCatalog) *Service {
	t.Helper()
	srv := httptest.NewServer(upstream.handler())
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.Global.StoragePath = t.TempDir()
	cfg.Catalog.BaseURL = srv.URL
	cfg.Catalog.DownloadBase = srv.URL + "/b"
	cfg.Catalog.DownloadHosts = []string{"127.0.0.1"}
	cfg.Catalog.UserAgents = []string{"test-agent"}
	cfg.Validation.MinValidSize = 1000
	cfg.Aria2.Enabled = false
	cfg.Acquire.MaxRetries = 2

	svc, err := New(cfg, logging.Discard(), WithClients(transport.NewStandard(5*time.Second), nil))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	svc.sleep = func(context.Context, time.Duration) error { return nil }
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(svc.Stop)
	return svc
}

func TestInfoLargeAppSkipsEscalation(t *testing.T) {
	svc := newTestService(t, &fakeCatalog{})
	src, hit, err := svc.Info(context.Background(), "com.example.app")
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if hit {
		t.Fatalf("first lookup cannot be a cache hit")
	}
	if src.Variant != artifact.VariantXAPK || src.SizeBytes != 220*mb || src.Provenance != artifact.ProvenanceButtonText {
		t.Fatalf("unexpected source: %+v", src)
	}
	if _, hit, _ := svc.Info(context.Background(), "com.example.app"); !hit {
		t.Fatalf("second lookup should come from the source cache")
	}
}

func TestInfoSmallAppKeepsOriginalWhenNoCompleteBuild(t *testing.T) {
	svc := newTestService(t, &fakeCatalog{})
	src, _, err := svc.Info(context.Background(), "com.example.small")
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if src.SizeBytes != 40*mb || src.Variant != artifact.VariantAPK || src.Provenance == artifact.ProvenanceVersionsPage {
		t.Fatalf("small source should be returned unchanged: %+v", src)
	}
}

func TestInfoErrors(t *testing.T) {
	svc := newTestService(t, &fakeCatalog{})
	if _, _, err := svc.Info(context.Background(), "not a package"); !errors.Is(err, artifact.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, _, err := svc.Info(context.Background(), "com.missing.app"); !errors.Is(err, artifact.ErrResolution) {
		t.Fatalf("expected ErrResolution, got %v", err)
	}
}

func TestFetchDownloadsAndReuses(t *testing.T) {
	upstream := &fakeCatalog{}
	svc := newTestService(t, upstream)

	first, err := svc.Fetch(context.Background(), "com.example.app")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if first.CacheHit || first.Strategy != "streaming" {
		t.Fatalf("first fetch should stream: %+v", first)
	}
	body, err := os.ReadFile(first.Path)
	if err != nil || !bytes.Equal(body, payload) {
		t.Fatalf("cached file content mismatch: %v", err)
	}

	second, err := svc.Fetch(context.Background(), "com.example.app")
	if err != nil || !second.CacheHit || second.Path != first.Path {
		t.Fatalf("second fetch should hit: %+v err=%v", second, err)
	}
	if upstream.gets.Load() != 1 {
		t.Fatalf("file should be downloaded once, gets=%d", upstream.gets.Load())
	}

	stats := svc.Stats()
	if stats.TotalRequests != 2 || stats.CacheHits != 1 || stats.Downloads != 1 || stats.Cache.Entries != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.Strategies["segmented"].Skipped != 1 {
		t.Fatalf("segmented should be skipped without a daemon: %+v", stats.Strategies)
	}
}

func TestFetchRetriesAfterInvalidBody(t *testing.T) {
	upstream := &fakeCatalog{}
	upstream.htmlFirst.Store(true)
	svc := newTestService(t, upstream)

	res, err := svc.Fetch(context.Background(), "com.example.app")
	if err != nil {
		t.Fatalf("retry should recover: %v", err)
	}
	if res.CacheHit || upstream.gets.Load() != 2 {
		t.Fatalf("expected a second download attempt, gets=%d", upstream.gets.Load())
	}
	if upstream.heads.Load() < 2 {
		t.Fatalf("resolution should be evicted and probed again, heads=%d", upstream.heads.Load())
	}
}

func TestBatch(t *testing.T) {
	svc := newTestService(t, &fakeCatalog{})
	items, err := svc.Batch(context.Background(), []string{"com.example.app", "bad key"})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if !items[0].Success || items[0].FileType != "xapk" {
		t.Fatalf("first item should succeed: %+v", items[0])
	}
	if items[1].Success || items[1].Kind != string(artifact.KindInvalidInput) {
		t.Fatalf("second item should be rejected: %+v", items[1])
	}

	tooMany := make([]string, MaxBatchSize+1)
	if _, err := svc.Batch(context.Background(), tooMany); !errors.Is(err, artifact.ErrInvalidInput) {
		t.Fatalf("oversized batch must be rejected, got %v", err)
	}
}

func TestClearCache(t *testing.T) {
	svc := newTestService(t, &fakeCatalog{})
	if _, err := svc.Fetch(context.Background(), "com.example.app"); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	res, err := svc.Fetch(context.Background(), "com.example.app")
	if err != nil || !svc.Touch(res) {
		t.Fatalf("touch should renew a cached file: err=%v", err)
	}
	sources, files := svc.ClearCache()
	if sources != 1 || files != 1 {
		t.Fatalf("expected 1 source and 1 file cleared, got %d/%d", sources, files)
	}
	if svc.Stats().Cache.Entries != 0 {
		t.Fatalf("cache should be empty after clear")
	}
	if svc.Touch(res) {
		t.Fatalf("touch after clear must report a missing entry")
	}
}
