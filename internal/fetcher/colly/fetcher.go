// Package collyfetcher fetches post images directly with gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/media-archiver/internal/archive"
	"github.com/JakeFAU/media-archiver/internal/downloader/toolexec"
)

// Config controls collector behavior.
type Config struct {
	UserAgent   string
	Timeout     time.Duration
	MaxBodySize int
}

// Limiter delays requests per host.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// Fetcher implements archive.ImageFetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	limiter       Limiter
	baseCollector *colly.Collector
}

var _ archive.ImageFetcher = (*Fetcher)(nil)

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. limiter may be nil.
func New(cfg Config, limiter Limiter) *Fetcher {
	if cfg.UserAgent == "" {
		cfg.UserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = 50 << 20
	}
	c := colly.NewCollector() // synchronous by default; colly v2.1.0's Async(false) enables async
	c.WithTransport(newHTTPTransport())
	c.IgnoreRobotsTxt = true
	c.AllowURLRevisit = true
	c.MaxBodySize = cfg.MaxBodySize
	c.UserAgent = cfg.UserAgent
	c.SetRequestTimeout(cfg.Timeout)

	return &Fetcher{cfg: cfg, limiter: limiter, baseCollector: c}
}

// FetchImage downloads one image. Non-2xx responses and non-image bodies are
// errors.
func (f *Fetcher) FetchImage(ctx context.Context, url string, headers http.Header, cookies map[string]string) (archive.Image, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, url); err != nil {
			return archive.Image{}, err
		}
	}

	var (
		img      archive.Image
		fetchErr error
	)
	collector := f.baseCollector.Clone()
	f.configureCollectorHooks(collector, withCookies(headers, cookies), &img, &fetchErr)
	if err := f.runCollector(ctx, collector, url, &fetchErr); err != nil {
		return archive.Image{}, err
	}
	if len(img.Body) == 0 {
		return archive.Image{}, fmt.Errorf("fetch %s: empty body", url)
	}
	if ct := strings.ToLower(img.ContentType); ct != "" && !strings.HasPrefix(ct, "image/") && !strings.HasPrefix(ct, "application/octet-stream") {
		return archive.Image{}, fmt.Errorf("fetch %s: unexpected content type %q", url, img.ContentType)
	}
	return img, nil
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	headers http.Header,
	img *archive.Image,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		for key, values := range headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		*img = archive.Image{
			Body:        append([]byte(nil), r.Body...),
			ContentType: r.Headers.Get("Content-Type"),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			*fetchErr = fmt.Errorf("status %d: %w", r.StatusCode, err)
			return
		}
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("image fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("image fetch failed: %w", *fetchErr)
		}
		if err != nil {
			return fmt.Errorf("image fetch failed: %w", err)
		}
		return nil
	}
}

func withCookies(headers http.Header, cookies map[string]string) http.Header {
	out := http.Header{}
	for k, v := range headers {
		out[k] = append([]string(nil), v...)
	}
	if cookie := toolexec.CookieHeader(cookies); cookie != "" {
		out.Set("Cookie", cookie)
	}
	return out
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
