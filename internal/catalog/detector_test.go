package catalog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/any-hub/apkrelay/internal/artifact"
	"github.com/any-hub/apkrelay/internal/logging"
	"github.com/any-hub/apkrelay/internal/transport"
)

func mustPage(t *testing.T, html string) *Page {
	t.Helper()
	page, err := NewPage("https://apkpure.com/app/com.example.app", []byte(html))
	if err != nil {
		t.Fatalf("parse fixture: %v", err)
	}
	return page
}

func testSite(base string, client transport.Client) *Site {
	base = strings.TrimRight(base, "/")
	return NewSite(Options{
		BaseURL:       base,
		DownloadBase:  base + "/b",
		DownloadHosts: []string{"d.apkpure.com", "download.apkpure.com"},
		UserAgents:    []string{"test-agent"},
		Referer:       base + "/",
		Client:        client,
		Logger:        logging.Discard(),
	})
}

func TestDetectSignalPriority(t *testing.T) {
	cases := []struct {
		name       string
		html       string
		variant    artifact.Variant
		confidence float64
		source     artifact.Provenance
	}{
		{
			name:       "button attribute wins over text",
			html:       `<a class="btn download-start" data-dt-file-type="XAPK">Download APK</a>`,
			variant:    artifact.VariantXAPK,
			confidence: 1.0,
			source:     artifact.ProvenanceButtonAttr,
		},
		{
			name:       "button text",
			html:       `<a class="da download_apk_news">Download APK (38 MB)</a><span class="info">XAPK</span>`,
			variant:    artifact.VariantAPK,
			confidence: 0.95,
			source:     artifact.ProvenanceButtonText,
		},
		{
			name:       "file type span",
			html:       `<a class="go-download">Get it</a><span class="file-type">XAPK</span>`,
			variant:    artifact.VariantXAPK,
			confidence: 0.9,
			source:     artifact.ProvenanceFileTypeSpan,
		},
		{
			name:       "metadata skips ambiguous phrases",
			html:       `<div class="info-tip">How to install XAPK / APK file</div><li class="details">XAPK</li>`,
			variant:    artifact.VariantXAPK,
			confidence: 0.85,
			source:     artifact.ProvenanceMetadata,
		},
		{
			name:       "metadata ignores apk slash",
			html:       `<p class="meta">xapk apk/obb</p>`,
			variant:    artifact.VariantXAPK,
			confidence: 0.85,
			source:     artifact.ProvenanceMetadata,
		},
		{
			name:       "download href",
			html:       `<p class="meta">xapk apk bundle</p><a href="/app/com.example.app/download?type=xapk">go</a>`,
			variant:    artifact.VariantXAPK,
			confidence: 0.85,
			source:     artifact.ProvenanceDownloadHref,
		},
		{
			name:       "page tally",
			html:       `<p>apk apk apk xapk</p>`,
			variant:    artifact.VariantAPK,
			confidence: 0.6,
			source:     artifact.ProvenancePageTally,
		},
		{
			name:       "page tally ignores brand name",
			html:       `<title>APKPure</title><p>APKPure APKPure, get it on APKPure</p><p>xapk xapk xapk</p><img src="https://image.apkpure.com/icon.png">`,
			variant:    artifact.VariantXAPK,
			confidence: 0.6,
			source:     artifact.ProvenancePageTally,
		},
	}

	detector := NewDetector(testSite("https://apkpure.com", nil), logging.Discard())
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := detector.DetectPage(context.Background(), "com.example.app", mustPage(t, tc.html))
			if got.Variant != tc.variant || got.Confidence != tc.confidence || got.Source != string(tc.source) {
				t.Fatalf("got %+v, want %s/%.2f/%s", got, tc.variant, tc.confidence, tc.source)
			}
		})
	}
}

func TestDetectNoSignals(t *testing.T) {
	detector := NewDetector(testSite("https://apkpure.com", nil), logging.Discard())
	got := detector.DetectPage(context.Background(), "com.example.app", mustPage(t, `<p>nothing to see</p>`))
	if got.Variant != artifact.VariantUnknown || got.Confidence != 0 || got.Source != "none" {
		t.Fatalf("expected unknown/none, got %+v", got)
	}
}

func TestDetectMetadataLongTextIgnored(t *testing.T) {
	detector := NewDetector(testSite("https://apkpure.com", nil), logging.Discard())
	long := strings.Repeat("word ", 30) + "xapk"
	got := detector.DetectPage(context.Background(), "com.example.app", mustPage(t, `<div class="detail">`+long+`</div>`))
	if got.Source == string(artifact.ProvenanceMetadata) {
		t.Fatalf("metadata longer than 100 chars must be ignored")
	}
}

func TestDetectFetchesSlugAndPage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("q") != "com.example.app" {
			t.Errorf("unexpected query %q", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`<a href="/example-app/com.example.app/download">dl</a><a href="/example-app/com.example.app">app</a>`))
	})
	mux.HandleFunc("/example-app/com.example.app", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<a class="download-btn">Download XAPK</a>`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	site := testSite(srv.URL, transport.NewStandard(0))
	got := NewDetector(site, logging.Discard()).Detect(context.Background(), "com.example.app", "")
	if got.Variant != artifact.VariantXAPK || got.Source != string(artifact.ProvenanceButtonText) {
		t.Fatalf("unexpected detection %+v", got)
	}
}

func TestDetectUnavailablePage(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	site := testSite(srv.URL, transport.NewStandard(0))
	got := NewDetector(site, logging.Discard()).Detect(context.Background(), "com.example.app", "app")
	if got.Variant != artifact.VariantUnknown || got.Source != "error" {
		t.Fatalf("expected error detection, got %+v", got)
	}
}
