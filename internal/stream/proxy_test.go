package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/wwwzhouhui/seedance2.0/internal/domain"
)

// localHosts admits the httptest upstreams.
var localHosts = []string{"127.0.0.1"}

type flushCounter struct {
	*httptest.ResponseRecorder
	flushes int
}

func (f *flushCounter) Flush() { f.flushes++ }

func TestServeRelaysBodyAndHeaders(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789abcdef"), 100<<10/16)
	var gotUA, gotReferer string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotReferer = r.Header.Get("Referer")
		w.Header().Set("Content-Type", "video/mp4")
		w.Header().Set("X-Internal", "hidden")
		_, _ = w.Write(payload)
	}))
	defer upstream.Close()

	proxy := NewProxy(Options{UserAgent: "test-agent", AllowedHosts: localHosts})
	rec := &flushCounter{ResponseRecorder: httptest.NewRecorder()}
	req := httptest.NewRequest(http.MethodGet, "/api/video-proxy", nil)
	if err := proxy.Serve(rec, req, upstream.URL+"/v.mp4"); err != nil {
		t.Fatalf("serve: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !bytes.Equal(rec.Body.Bytes(), payload) {
		t.Fatalf("body mismatch: %d bytes", rec.Body.Len())
	}
	h := rec.Header()
	if h.Get("Content-Type") != "video/mp4" || h.Get("Accept-Ranges") != "bytes" || h.Get("Cache-Control") != "public, max-age=3600" {
		t.Fatalf("headers = %v", h)
	}
	if h.Get("X-Internal") != "" {
		t.Fatalf("unexpected header leaked")
	}
	if gotUA != "test-agent" || gotReferer != "https://jimeng.jianying.com/" {
		t.Fatalf("upstream saw ua=%q referer=%q", gotUA, gotReferer)
	}
	if rec.flushes < len(payload)/chunkSize {
		t.Fatalf("flushes = %d, want at least %d", rec.flushes, len(payload)/chunkSize)
	}
}

func TestServeForwardsRange(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "bytes=0-3" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Header().Set("Content-Range", "bytes 0-3/10")
		w.Header().Set("Content-Length", "4")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = io.WriteString(w, "abcd")
	}))
	defer upstream.Close()

	proxy := NewProxy(Options{AllowedHosts: localHosts})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/video-proxy", nil)
	req.Header.Set("Range", "bytes=0-3")
	if err := proxy.Serve(rec, req, upstream.URL); err != nil {
		t.Fatalf("serve: %v", err)
	}
	if rec.Code != http.StatusPartialContent || rec.Body.String() != "abcd" {
		t.Fatalf("status = %d body = %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Content-Range") != "bytes 0-3/10" || rec.Header().Get("Content-Length") != "4" {
		t.Fatalf("headers = %v", rec.Header())
	}
}

func TestServeUpstreamErrorWritesNothing(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusForbidden)
	}))
	defer upstream.Close()

	proxy := NewProxy(Options{AllowedHosts: localHosts})
	rec := httptest.NewRecorder()
	err := proxy.Serve(rec, httptest.NewRequest(http.MethodGet, "/", nil), upstream.URL)
	var se *domain.UpstreamStatusError
	if !errors.As(err, &se) || se.Status != http.StatusForbidden {
		t.Fatalf("err = %v", err)
	}
	if rec.Body.Len() != 0 || len(rec.Header()) != 0 {
		t.Fatalf("response written on upstream failure")
	}
}

func TestFetchRejectsBadURLs(t *testing.T) {
	proxy := NewProxy(Options{AllowedHosts: localHosts})
	cases := map[string]error{
		"":                              domain.ErrMissingURL,
		"   ":                           domain.ErrMissingURL,
		"ftp://example.com/x":           domain.ErrValidation,
		"/relative/path":                domain.ErrValidation,
		"http://169.254.169.254/latest": domain.ErrValidation,
	}
	for raw, want := range cases {
		if _, err := proxy.Fetch(context.Background(), raw, ""); !errors.Is(err, want) {
			t.Fatalf("Fetch(%q) err = %v, want %v", raw, err, want)
		}
	}
}

func TestFetchRejectsHostsOutsideAllowList(t *testing.T) {
	hits := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	defer upstream.Close()

	proxy := NewProxy(Options{})
	cases := []string{
		upstream.URL + "/v.mp4",
		"http://169.254.169.254/latest/meta-data/",
		"http://10.0.0.5/internal",
		"https://evil-jimeng.com/v.mp4",
		"https://jimeng.com.evil.example/v.mp4",
	}
	for _, raw := range cases {
		_, err := proxy.Fetch(context.Background(), raw, "")
		var verr *domain.ValidationError
		if !errors.As(err, &verr) || verr.Field != "url" {
			t.Fatalf("Fetch(%q) err = %v, want url ValidationError", raw, err)
		}
	}
	if hits != 0 {
		t.Fatalf("upstream was contacted %d times", hits)
	}

	for _, host := range []string{"v3-dreamnia.jimeng.com", "JIMENG.COM", "v26.vlabvod.com."} {
		if !proxy.hostAllowed(host) {
			t.Fatalf("hostAllowed(%q) = false", host)
		}
	}
}

func TestDownload(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "video-bytes")
	}))
	defer upstream.Close()

	var buf bytes.Buffer
	n, err := NewProxy(Options{AllowedHosts: localHosts}).Download(context.Background(), upstream.URL, &buf)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if n != int64(len("video-bytes")) || buf.String() != "video-bytes" {
		t.Fatalf("n = %d body = %q", n, buf.String())
	}
}

type failingReader struct {
	data []byte
	err  error
}

func (f *failingReader) Read(p []byte) (int, error) {
	if len(f.data) == 0 {
		return 0, f.err
	}
	n := copy(p, f.data)
	f.data = f.data[n:]
	return n, nil
}

func TestCopyStopsOnReadError(t *testing.T) {
	boom := errors.New("connection reset")
	var buf bytes.Buffer
	n, err := Copy(&buf, &failingReader{data: []byte(strings.Repeat("x", 10)), err: boom})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if n != 10 || buf.Len() != 10 {
		t.Fatalf("written = %d", n)
	}
}
