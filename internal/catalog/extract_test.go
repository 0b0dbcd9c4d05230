package catalog

import "testing"

func TestDownloadCandidatesOrder(t *testing.T) {
	site := testSite("https://apkpure.com", nil)
	page := mustPage(t, `<html><head>
		<meta http-equiv="Refresh" content="5; url=https://cdn.example.net/refresh.apk">
		</head><body>
		<a href="https://d.apkpure.com/b/XAPK/com.example.app?version=latest">host</a>
		<a id="download_link" href="https://d.apkpure.com/b/APK/com.example.app?version=latest">main</a>
		<iframe id="iframe_download" src="https://download.apkpure.com/iframe.xapk"></iframe>
		<script>var u = "https://cdn.example.net/file.xapk?token=1";</script>
		</body></html>`)

	got := site.DownloadCandidates(page)
	want := []Candidate{
		{URL: "https://d.apkpure.com/b/APK/com.example.app?version=latest", Via: "download_link"},
		{URL: "https://d.apkpure.com/b/XAPK/com.example.app?version=latest", Via: "download_host_link"},
		{URL: "https://download.apkpure.com/iframe.xapk", Via: "iframe"},
		{URL: "https://cdn.example.net/refresh.apk", Via: "meta_refresh"},
		{URL: "https://cdn.example.net/file.xapk?token=1", Via: "script"},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d candidates, got %+v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("candidate %d: got %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestDownloadCandidatesEmpty(t *testing.T) {
	site := testSite("https://apkpure.com", nil)
	if got := site.DownloadCandidates(mustPage(t, `<a id="download_link" href="javascript:void(0)">x</a>`)); len(got) != 0 {
		t.Fatalf("non-http links must be ignored, got %+v", got)
	}
}
