package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/html/charset"

	"github.com/c360studio/semresearch/research"
	"github.com/c360studio/semresearch/source/weburl"
)

// Defaults applied to zero Config fields.
const (
	DefaultTimeout        = 30 * time.Second
	DefaultUserAgent      = "semresearch/1.0 (+https://github.com/c360studio/semresearch)"
	DefaultMaxContentSize = 5 << 20
	DefaultConcurrency    = 4

	maxRedirects = 5
)

// Config controls the local fetcher.
type Config struct {
	Timeout        time.Duration
	UserAgent      string
	MaxContentSize int64
	AllowHTTP      bool
	Concurrency    int
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.MaxContentSize <= 0 {
		c.MaxContentSize = DefaultMaxContentSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	return c
}

// Fetcher retrieves selected sources directly instead of through the
// research backend. It implements research.ContentFetcher.
type Fetcher struct {
	cfg       Config
	policy    weburl.Policy
	client    *http.Client
	converter *Converter
	logger    *slog.Logger
}

var _ research.ContentFetcher = (*Fetcher)(nil)

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Fetcher) {
		f.logger = logger
	}
}

// WithTransport replaces the guarded transport. URL policy and redirect
// checks still apply.
func WithTransport(rt http.RoundTripper) Option {
	return func(f *Fetcher) {
		f.client.Transport = rt
	}
}

// New creates a fetcher. Its dialer refuses private addresses after DNS
// resolution, so a public name that resolves inward is still blocked.
func New(cfg Config, opts ...Option) *Fetcher {
	cfg = cfg.withDefaults()
	f := &Fetcher{
		cfg:       cfg,
		policy:    weburl.Policy{AllowHTTP: cfg.AllowHTTP},
		converter: NewConverter(),
		logger:    slog.Default(),
	}
	f.client = &http.Client{
		Timeout: cfg.Timeout,
		Transport: &http.Transport{
			DialContext:           guardedDial(&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}),
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: cfg.Timeout,
			MaxIdleConns:          10,
			IdleConnTimeout:       90 * time.Second,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("too many redirects (max %d)", maxRedirects)
			}
			if err := f.policy.Validate(req.URL.String()); err != nil {
				return fmt.Errorf("redirect blocked: %w", err)
			}
			return nil
		},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func guardedDial(dialer *net.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid address: %w", err)
		}
		ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
		if err != nil {
			return nil, fmt.Errorf("DNS lookup failed: %w", err)
		}
		for _, ip := range ips {
			if weburl.IsPrivateIP(ip.IP) {
				return nil, fmt.Errorf("connection to private IP %s is not allowed", ip.IP)
			}
		}
		var lastErr error
		for _, ip := range ips {
			conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip.IP.String(), port))
			if err == nil {
				return conn, nil
			}
			lastErr = err
		}
		if lastErr == nil {
			lastErr = errors.New("no addresses")
		}
		return nil, fmt.Errorf("connect %s: %w", host, lastErr)
	}
}

// FetchURLs fetches urls concurrently and returns one URLContent per URL in
// input order. A URL that fails carries its reason in Error; only context
// cancellation fails the batch.
func (f *Fetcher) FetchURLs(ctx context.Context, urls []string) ([]research.URLContent, error) {
	out := make([]research.URLContent, len(urls))
	sem := make(chan struct{}, f.cfg.Concurrency)
	var wg sync.WaitGroup

	for i, u := range urls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				out[i] = research.URLContent{URL: u, Error: ctx.Err().Error()}
				return
			}
			out[i] = f.fetch(ctx, u)
		}()
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	failed := 0
	for _, c := range out {
		if !c.OK() {
			failed++
		}
	}
	f.logger.Info("Fetched sources", "count", len(urls), "failed", failed)
	return out, nil
}

func (f *Fetcher) fetch(ctx context.Context, rawURL string) research.URLContent {
	content, err := f.fetchOne(ctx, rawURL)
	if err != nil {
		f.logger.Debug("Source fetch failed", "url", rawURL, "error", err)
		return research.URLContent{URL: rawURL, Error: err.Error()}
	}
	return *content
}

func (f *Fetcher) fetchOne(ctx context.Context, rawURL string) (*research.URLContent, error) {
	if err := f.policy.Validate(rawURL); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.5")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxContentSize+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(raw)) > f.cfg.MaxContentSize {
		return nil, fmt.Errorf("content too large (exceeds %d bytes)", f.cfg.MaxContentSize)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(raw)
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("parse content type %q: %w", contentType, err)
	}

	isHTML := mediaType == "text/html" || mediaType == "application/xhtml+xml"
	if !isHTML && !strings.HasPrefix(mediaType, "text/") && mediaType != "application/json" {
		return nil, fmt.Errorf("unsupported content type %q", mediaType)
	}

	body, err := toUTF8(raw, contentType)
	if err != nil {
		return nil, err
	}

	result := &research.URLContent{URL: rawURL, ContentType: mediaType}
	if isHTML {
		page, err := f.converter.Convert(body)
		if err != nil {
			return nil, fmt.Errorf("convert HTML: %w", err)
		}
		result.Title = page.Title
		result.Text = page.Markdown
	} else {
		result.Text = strings.TrimSpace(string(body))
		result.Title = firstHeading(result.Text)
	}
	if result.Text == "" {
		return nil, errors.New("no text content")
	}
	return result, nil
}

// toUTF8 decodes raw using the charset named in contentType or sniffed from
// the document.
func toUTF8(raw []byte, contentType string) ([]byte, error) {
	r, err := charset.NewReader(strings.NewReader(string(raw)), contentType)
	if err != nil {
		return nil, fmt.Errorf("decode charset: %w", err)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decode charset: %w", err)
	}
	return out, nil
}
