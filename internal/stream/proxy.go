// Package stream relays remote video bytes to a client.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/wwwzhouhui/seedance2.0/internal/domain"
	"github.com/wwwzhouhui/seedance2.0/internal/infra"
)

const (
	chunkSize      = 32 << 10
	defaultReferer = "https://jimeng.jianying.com/"
	cacheControl   = "public, max-age=3600"
)

// DefaultAllowedHosts are the vendor CDN domains videos are served from.
var DefaultAllowedHosts = []string{"jimeng.com", "vlabvod.com", "byteimg.com", "jianying.com"}

// mirroredHeaders are copied from the upstream response when present.
var mirroredHeaders = []string{"Content-Type", "Content-Length", "Content-Range", "Last-Modified", "ETag"}

type Options struct {
	HTTPClient *http.Client
	UserAgent  string
	Referer    string
	// AllowedHosts lists host suffixes that may be fetched; a host matches
	// when it equals an entry or is a subdomain of it.
	AllowedHosts []string
	Logger       *infra.Logger
}

// Proxy fetches CDN objects with a browser identity and streams them on.
type Proxy struct {
	client    *http.Client
	userAgent string
	referer   string
	allowed   []string
	logger    *infra.Logger
}

func NewProxy(opts Options) *Proxy {
	p := &Proxy{
		client:    opts.HTTPClient,
		userAgent: opts.UserAgent,
		referer:   opts.Referer,
		logger:    opts.Logger,
	}
	if p.client == nil {
		p.client = &http.Client{}
	}
	for _, h := range opts.AllowedHosts {
		if h = normalizeHost(h); h != "" {
			p.allowed = append(p.allowed, h)
		}
	}
	if len(p.allowed) == 0 {
		p.allowed = DefaultAllowedHosts
	}
	if p.referer == "" {
		p.referer = defaultReferer
	}
	if p.logger == nil {
		p.logger = infra.DiscardLogger()
	}
	return p
}

// Fetch opens rawURL upstream. On success the caller owns resp.Body.
// Non-2xx answers are returned as *domain.UpstreamStatusError.
func (p *Proxy) Fetch(ctx context.Context, rawURL, rangeHeader string) (*http.Response, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, domain.ErrMissingURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, &domain.ValidationError{Field: "url", Reason: "must be an absolute http(s) URL"}
	}
	if !p.hostAllowed(u.Hostname()) {
		return nil, &domain.ValidationError{Field: "url", Reason: "host " + u.Hostname() + " is not allowed"}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if p.userAgent != "" {
		req.Header.Set("User-Agent", p.userAgent)
	}
	req.Header.Set("Referer", p.referer)
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &domain.TransportError{Op: "stream: fetch", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, chunkSize))
		resp.Body.Close()
		return nil, &domain.UpstreamStatusError{Status: resp.StatusCode}
	}
	return resp, nil
}

func (p *Proxy) hostAllowed(host string) bool {
	host = normalizeHost(host)
	if host == "" {
		return false
	}
	for _, suffix := range p.allowed {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

func normalizeHost(h string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(h)), ".")
}

// Serve streams rawURL to w. An error is returned only while nothing has
// been written yet; failures after the headers went out end the response.
func (p *Proxy) Serve(w http.ResponseWriter, r *http.Request, rawURL string) error {
	resp, err := p.Fetch(r.Context(), rawURL, r.Header.Get("Range"))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	h := w.Header()
	for _, name := range mirroredHeaders {
		if v := resp.Header.Get(name); v != "" {
			h.Set(name, v)
		}
	}
	h.Set("Accept-Ranges", "bytes")
	h.Set("Cache-Control", cacheControl)
	w.WriteHeader(resp.StatusCode)

	n, err := Copy(w, resp.Body)
	if err != nil {
		p.logger.Warn().Err(err).Int64("bytes", n).Msg("stream: relay interrupted")
	}
	return nil
}

// Download writes rawURL to dst.
func (p *Proxy) Download(ctx context.Context, rawURL string, dst io.Writer) (int64, error) {
	resp, err := p.Fetch(ctx, rawURL, "")
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	n, err := Copy(dst, resp.Body)
	if err != nil {
		return n, fmt.Errorf("stream: download: %w", err)
	}
	return n, nil
}

// Copy moves src to dst in fixed-size chunks, flushing dst after each
// chunk when it supports it. A blocked write stalls further reads.
func Copy(dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, chunkSize)
	var (
		written int64
		flush   = flusher(dst)
	)
	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
			if flush != nil {
				if err := flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
					return written, err
				}
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

func flusher(w io.Writer) func() error {
	if rw, ok := w.(http.ResponseWriter); ok {
		rc := http.NewResponseController(rw)
		return rc.Flush
	}
	return nil
}
