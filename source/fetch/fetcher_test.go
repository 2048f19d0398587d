package fetch

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// routeTo sends every request to srv regardless of the URL's host, so tests
// can use public-looking names that pass the URL policy.
func routeTo(srv *httptest.Server) http.RoundTripper {
	addr := srv.Listener.Addr().String()
	return &http.Transport{
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
	}
}

type agentLog struct {
	mu     sync.Mutex
	agents []string
}

func (l *agentLog) add(a string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.agents = append(l.agents, a)
}

func (l *agentLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.agents...)
}

func newSourceServer(t *testing.T) (*httptest.Server, *agentLog) {
	t.Helper()
	agents := &agentLog{}
	mux := http.NewServeMux()
	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		agents.add(r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(`<html><head><title>Guide</title></head><body><nav>Menu</nav>` +
			`<main><h2>Install</h2><p>Run the installer.</p></main></body></html>`))
	})
	mux.HandleFunc("/plain", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("# Notes\nplain body\n"))
	})
	mux.HandleFunc("/latin1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=iso-8859-1")
		w.Write([]byte("<html><body><p>caf\xe9 cr\xe8me</p></body></html>"))
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc("/big", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(strings.Repeat("a", 4096)))
	})
	mux.HandleFunc("/pdf", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		w.Write([]byte("%PDF-1.4"))
	})
	mux.HandleFunc("/hop", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/page", http.StatusFound)
	})
	mux.HandleFunc("/inward", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://127.0.0.1/admin", http.StatusFound)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, agents
}

func newTestFetcher(srv *httptest.Server) *Fetcher {
	return New(Config{AllowHTTP: true, MaxContentSize: 1024, UserAgent: "test-agent"},
		WithTransport(routeTo(srv)))
}

func TestFetchURLs_MixedBatchKeepsOrder(t *testing.T) {
	srv, agents := newSourceServer(t)
	f := newTestFetcher(srv)

	urls := []string{
		"http://docs.example.com/page",
		"http://docs.example.com/missing",
		"http://docs.example.com/plain",
		"https://localhost/secret",
		"http://docs.example.com/big",
		"http://docs.example.com/pdf",
	}
	got, err := f.FetchURLs(context.Background(), urls)
	require.NoError(t, err)
	require.Len(t, got, len(urls))

	for i, c := range got {
		assert.Equal(t, urls[i], c.URL, "result %d out of order", i)
	}

	page := got[0]
	assert.True(t, page.OK(), page.Error)
	assert.Equal(t, "Guide", page.Title)
	assert.Equal(t, "text/html", page.ContentType)
	assert.Contains(t, page.Text, "Run the installer.")
	assert.NotContains(t, page.Text, "Menu")

	assert.Equal(t, "HTTP 404: Not Found", got[1].Error)

	plain := got[2]
	assert.True(t, plain.OK(), plain.Error)
	assert.Equal(t, "text/plain", plain.ContentType)
	assert.Equal(t, "Notes", plain.Title)
	assert.Equal(t, "# Notes\nplain body", plain.Text)

	assert.Contains(t, got[3].Error, "localhost")
	assert.Contains(t, got[4].Error, "content too large")
	assert.Contains(t, got[5].Error, "unsupported content type")

	assert.Equal(t, []string{"test-agent"}, agents.all())
}

func TestFetchURLs_DecodesDeclaredCharset(t *testing.T) {
	srv, _ := newSourceServer(t)
	f := newTestFetcher(srv)

	got, err := f.FetchURLs(context.Background(), []string{"http://docs.example.com/latin1"})
	require.NoError(t, err)
	require.True(t, got[0].OK(), got[0].Error)
	assert.Contains(t, got[0].Text, "café crème")
}

func TestFetchURLs_Redirects(t *testing.T) {
	srv, _ := newSourceServer(t)
	f := newTestFetcher(srv)

	got, err := f.FetchURLs(context.Background(), []string{
		"http://docs.example.com/hop",
		"http://docs.example.com/inward",
	})
	require.NoError(t, err)

	assert.True(t, got[0].OK(), got[0].Error)
	assert.Equal(t, "Guide", got[0].Title)
	assert.Contains(t, got[1].Error, "redirect blocked")
}

func TestFetchURLs_HTTPRejectedByDefault(t *testing.T) {
	srv, _ := newSourceServer(t)
	f := New(Config{}, WithTransport(routeTo(srv)))

	got, err := f.FetchURLs(context.Background(), []string{"http://docs.example.com/page"})
	require.NoError(t, err)
	assert.Contains(t, got[0].Error, "only HTTPS")
}

func TestFetchURLs_CanceledContextFailsBatch(t *testing.T) {
	srv, _ := newSourceServer(t)
	f := newTestFetcher(srv)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.FetchURLs(ctx, []string{"http://docs.example.com/page", "http://docs.example.com/plain"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFetchURLs_Empty(t *testing.T) {
	f := New(Config{})
	got, err := f.FetchURLs(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestGuardedDial_RefusesPrivateAddresses(t *testing.T) {
	dial := guardedDial(&net.Dialer{Timeout: time.Second})

	for _, addr := range []string{"127.0.0.1:80", "[::1]:443", "10.1.2.3:8080"} {
		t.Run(addr, func(t *testing.T) {
			conn, err := dial(context.Background(), "tcp", addr)
			if conn != nil {
				conn.Close()
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), "private IP")
		})
	}
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultTimeout, cfg.Timeout)
	assert.Equal(t, DefaultUserAgent, cfg.UserAgent)
	assert.Equal(t, int64(DefaultMaxContentSize), cfg.MaxContentSize)
	assert.Equal(t, DefaultConcurrency, cfg.Concurrency)
}
