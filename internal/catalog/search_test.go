package catalog

import "testing"

func TestParseSearch(t *testing.T) {
	site := testSite("https://apkpure.com", nil)
	page := mustPage(t, `<ul>
		<li><a class="dd" href="/example-app/com.example.app">
			<img data-original="https://img/icon1.png">
			<p class="p1">Example App</p><p class="p2">Example Inc</p>
			<span class="score-search">4.5</span></a></li>
		<li><a class="dd" href="/search?q=more">more</a></li>
		<li><a class="dd" href="/cool-game/com.cool.game"><img src="https://img/icon2.png"></a></li>
		<li><a class="dd" href="/example-app/com.example.app">dup</a></li>
		<li><a class="dd" href="/bad/NotAPackage">bad</a></li>
	</ul>`)

	results := site.ParseSearch(page, 10)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %+v", results)
	}
	first := results[0]
	if first.AppID != "com.example.app" || first.Title != "Example App" || first.Developer != "Example Inc" {
		t.Fatalf("unexpected first result %+v", first)
	}
	if first.Score == nil || *first.Score != 4.5 {
		t.Fatalf("score not parsed: %+v", first.Score)
	}
	if first.Icon != "https://img/icon1.png" {
		t.Fatalf("icon should prefer data-original, got %s", first.Icon)
	}
	second := results[1]
	if second.Title != "Cool Game" || second.Developer != "Unknown" {
		t.Fatalf("fallback title/developer wrong: %+v", second)
	}
	if second.URL != "https://apkpure.com/cool-game/com.cool.game" {
		t.Fatalf("unexpected url %s", second.URL)
	}

	if limited := site.ParseSearch(page, 1); len(limited) != 1 {
		t.Fatalf("limit not honoured: %d", len(limited))
	}
}

func TestParseSearchDivFallback(t *testing.T) {
	site := testSite("https://apkpure.com", nil)
	page := mustPage(t, `<div class="search-item"><a href="/tool/org.tools.x">x</a><h3 class="app-title">Tools X</h3></div>`)
	results := site.ParseSearch(page, 5)
	if len(results) != 1 || results[0].Title != "Tools X" {
		t.Fatalf("unexpected results %+v", results)
	}
}
