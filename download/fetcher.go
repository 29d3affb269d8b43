package download

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultUserAgent is a desktop browser user agent. Some sources serve an
// interstitial to unknown clients.
const DefaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Gate obtains the cookies that let plain HTTP requests past a
// verification page. BrowserSession is the production implementation.
type Gate interface {
	Pass(ctx context.Context, target string) ([]*http.Cookie, error)
}

// Fetcher fetches one URL.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) ([]byte, error)
}

// FetcherConfig configures an HTTPFetcher.
type FetcherConfig struct {
	Timeout  time.Duration // Default: 120s.
	MaxBytes int64         // Default: 512 MiB.
	// UserAgent sent with every request. Default: DefaultUserAgent.
	UserAgent string
	// RequestsPerSecond caps outbound requests. Default: 2.
	RequestsPerSecond float64
	Burst             int // Default: 1.
	// Gate, when set, is used once the source redirects to a verification
	// page.
	Gate   Gate
	Logger *slog.Logger
}

func (c *FetcherConfig) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 120 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 512 << 20
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 2
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// HTTPFetcher performs rate-limited GETs sharing one cookie jar.
type HTTPFetcher struct {
	client  *http.Client
	jar     http.CookieJar
	limiter *rate.Limiter
	cfg     FetcherConfig

	gateMu sync.Mutex
	passed map[string]bool // hosts already through the gate
}

// NewHTTPFetcher creates a fetcher.
func NewHTTPFetcher(cfg FetcherConfig) *HTTPFetcher {
	cfg.defaults()
	jar, _ := cookiejar.New(nil)
	return &HTTPFetcher{
		client: &http.Client{
			Timeout: cfg.Timeout,
			Jar:     jar,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects (%d)", len(via))
				}
				return nil
			},
		},
		jar:     jar,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		cfg:     cfg,
		passed:  make(map[string]bool),
	}
}

// Jar returns the fetcher's cookie jar.
func (f *HTTPFetcher) Jar() http.CookieJar { return f.jar }

// Fetch downloads rawURL and requires a PDF body.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	body, err := f.Get(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	if !IsPDF(body) {
		return nil, fmt.Errorf("%w: %s", ErrNotPDF, rawURL)
	}
	return body, nil
}

// Get downloads rawURL. When the response lands on a verification page and
// a Gate is configured, the gate is passed once per host and the request
// is retried.
func (f *HTTPFetcher) Get(ctx context.Context, rawURL string) ([]byte, error) {
	body, final, err := f.get(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	if !isVerifyURL(final) || f.cfg.Gate == nil {
		return body, nil
	}

	if err := f.pass(ctx, rawURL, final); err != nil {
		return nil, err
	}
	body, final, err = f.get(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	if isVerifyURL(final) {
		return nil, fmt.Errorf("download: still gated after verification: %s", rawURL)
	}
	return body, nil
}

func (f *HTTPFetcher) get(ctx context.Context, rawURL string) ([]byte, *url.URL, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, nil, fmt.Errorf("download: rate limit: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("download: new request: %w", err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("download: http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, nil, fmt.Errorf("download: http %d: %s", resp.StatusCode, rawURL)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBytes+1))
	if err != nil {
		return nil, nil, fmt.Errorf("download: read body: %w", err)
	}
	if int64(len(body)) > f.cfg.MaxBytes {
		return nil, nil, fmt.Errorf("download: body exceeds %d bytes: %s", f.cfg.MaxBytes, rawURL)
	}
	return body, resp.Request.URL, nil
}

// pass runs the gate at most once per host. Concurrent workers hitting the
// gate together wait for the first one.
func (f *HTTPFetcher) pass(ctx context.Context, target string, landed *url.URL) error {
	f.gateMu.Lock()
	defer f.gateMu.Unlock()

	host := landed.Host
	if f.passed[host] {
		// Another worker passed while this one was fetching.
		return nil
	}

	f.cfg.Logger.InfoContext(ctx, "age verification required", "host", host, "url", target)
	cookies, err := f.cfg.Gate.Pass(ctx, target)
	if err != nil {
		return fmt.Errorf("download: verification gate: %w", err)
	}
	u, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("download: parse %s: %w", target, err)
	}
	f.jar.SetCookies(u, cookies)
	if landed.Host != u.Host {
		f.jar.SetCookies(landed, cookies)
	}
	f.passed[host] = true
	f.cfg.Logger.InfoContext(ctx, "age verification passed", "host", host, "cookies", len(cookies))
	return nil
}

func isVerifyURL(u *url.URL) bool {
	return u != nil && strings.Contains(u.String(), "age-verify")
}
