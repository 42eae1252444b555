package resolver

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	logx "vigil/pkg/logx"
)

func TestParseInfo(t *testing.T) {
	t.Parallel()

	t.Run("single video", func(t *testing.T) {
		t.Parallel()
		res, err := parseInfo([]byte(`{"title":"晚安曲","url":"https://cdn.example/stream"}`))
		if err != nil {
			t.Fatalf("parseInfo: %v", err)
		}
		if res.Title != "晚安曲" || res.StreamURL != "https://cdn.example/stream" {
			t.Fatalf("res = %+v", res)
		}
	})

	t.Run("playlist falls back to first entry", func(t *testing.T) {
		t.Parallel()
		res, err := parseInfo([]byte(`{"title":"list","entries":[{"title":"one","url":"u1"},{"title":"two","url":"u2"}]}`))
		if err != nil {
			t.Fatalf("parseInfo: %v", err)
		}
		if res.Title != "one" || res.StreamURL != "u1" {
			t.Fatalf("res = %+v", res)
		}
	})

	t.Run("missing title gets placeholder", func(t *testing.T) {
		t.Parallel()
		res, err := parseInfo([]byte(`{"url":"u"}`))
		if err != nil {
			t.Fatalf("parseInfo: %v", err)
		}
		if res.Title != "未知音樂" {
			t.Fatalf("title = %q", res.Title)
		}
	})

	t.Run("missing url is an error", func(t *testing.T) {
		t.Parallel()
		if _, err := parseInfo([]byte(`{"title":"x"}`)); err == nil {
			t.Fatal("expected error for missing stream url")
		}
	})

	t.Run("garbage is an error", func(t *testing.T) {
		t.Parallel()
		if _, err := parseInfo([]byte(`not json`)); err == nil {
			t.Fatal("expected error for non-JSON output")
		}
	})
}

func TestCookieStaging(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	jar := "# Netscape HTTP Cookie File\n.youtube.com\tTRUE\t/\tTRUE\t0\tk\tv\n"

	s := New(Config{
		StagingDir: dir,
		CookiesB64: base64.StdEncoding.EncodeToString([]byte(jar)),
	}, logx.Nop())

	path := s.cookieFile()
	if path != filepath.Join(dir, "yt_cookies.txt") {
		t.Fatalf("cookie path = %q", path)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != jar {
		t.Fatalf("cookie jar content mismatch: %q", got)
	}
	// Staged once; repeated calls return the same path.
	if again := s.cookieFile(); again != path {
		t.Fatalf("second call = %q", again)
	}
}

func TestCookieStagingAbsent(t *testing.T) {
	t.Parallel()
	s := New(Config{StagingDir: t.TempDir()}, logx.Nop())
	if path := s.cookieFile(); path != "" {
		t.Fatalf("expected no cookie file, got %q", path)
	}
}

func TestCookieStagingBadBase64(t *testing.T) {
	t.Parallel()
	s := New(Config{StagingDir: t.TempDir(), CookiesB64: "!!! not base64"}, logx.Nop())
	if path := s.cookieFile(); path != "" {
		t.Fatalf("expected decode failure to yield no file, got %q", path)
	}
}
