package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ferrum-labs/iris/cache"
	"github.com/ferrum-labs/iris/config"
	"github.com/ferrum-labs/iris/driver"
	"github.com/ferrum-labs/iris/fetchmodel"
	"github.com/ferrum-labs/iris/ratelimit"
	"github.com/ferrum-labs/iris/robots"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleHTML = `<html><head><title>T</title></head><body><p>hello</p></body></html>`

type fakePage struct {
	navResult     *driver.NavigateResult
	navErr        error
	waitHTML      []byte
	waitErr       error
	screenshot    []byte
	screenshotErr error
	closed        bool
}

func (p *fakePage) Navigate(ctx context.Context, url string, headers map[string]string, userAgent string) (*driver.NavigateResult, error) {
	return p.navResult, p.navErr
}
func (p *fakePage) Wait(ctx context.Context, req driver.WaitRequest) ([]byte, error) {
	return p.waitHTML, p.waitErr
}
func (p *fakePage) Evaluate(ctx context.Context, js string) (any, error) { return nil, nil }
func (p *fakePage) Screenshot(ctx context.Context) ([]byte, error) {
	return p.screenshot, p.screenshotErr
}
func (p *fakePage) Close() { p.closed = true }

// sequenceDriver hands out a different scripted page on each successive
// NewPage call, so tests can exercise the retry loop across attempts.
type sequenceDriver struct {
	mu    sync.Mutex
	calls int
	pages []*fakePage
	err   error
}

func (d *sequenceDriver) NewPage(ctx context.Context) (driver.Page, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	idx := d.calls
	d.calls++
	if idx >= len(d.pages) {
		idx = len(d.pages) - 1
	}
	return d.pages[idx], nil
}
func (d *sequenceDriver) Close() error { return nil }
func (d *sequenceDriver) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func testConfig() *config.Config {
	return &config.Config{
		Browser: config.BrowserConfig{
			PageTimeout:        5 * time.Second,
			MaxConcurrentPages: 0,
		},
		Default: config.DefaultConfig{
			Cache: config.CacheConfig{TTL: time.Minute},
			Fetch: config.FetchConfig{
				RespectRobotsTxt: false,
				MaxContentLength: 10_000,
			},
			RateLimit: config.RateLimitConfig{},
			Retry: config.RetryConfig{
				MaxRetries:   2,
				InitialDelay: time.Millisecond,
				MaxDelay:     5 * time.Millisecond,
				Multiplier:   2.0,
			},
		},
	}
}

func newTestFetcher(cfg *config.Config, drv driver.Driver) *Fetcher {
	store := cache.NewMemoryStore(cache.StoreConfig{CleanupInterval: time.Hour})
	respCache := cache.NewResponseCache(store, nil)
	limiter := ratelimit.New(config.RateLimitConfig{}, nil)
	return New(cfg, drv, respCache, limiter, nil, nil)
}

func htmlPage(status int) *fakePage {
	return &fakePage{
		navResult: &driver.NavigateResult{
			FinalURL:   "https://example.com/",
			StatusCode: status,
			Headers:    http.Header{"Content-Type": []string{"text/html; charset=utf-8"}},
		},
		waitHTML: []byte(sampleHTML),
	}
}

func TestFetchInvalidURLIsNonRetryable(t *testing.T) {
	f := newTestFetcher(testConfig(), &sequenceDriver{pages: []*fakePage{htmlPage(200)}})
	result := f.Fetch(context.Background(), fetchmodel.FetchRequest{URL: "ftp://example.com"})

	require.NotNil(t, result.Error)
	assert.Equal(t, fetchmodel.ErrorKindInvalidURL, result.Error.Kind)
	assert.False(t, result.Error.Retryable)
}

func TestFetchHTMLSuccessPopulatesFields(t *testing.T) {
	drv := &sequenceDriver{pages: []*fakePage{htmlPage(200)}}
	f := newTestFetcher(testConfig(), drv)

	req := fetchmodel.FetchRequest{URL: "https://example.com/", ExtractText: true, ExtractMetadata: true}
	result := f.Fetch(context.Background(), req)

	require.Nil(t, result.Error)
	assert.Equal(t, 200, result.StatusCode)
	assert.Contains(t, result.ContentText, "hello")
	assert.Equal(t, "T", result.Metadata.Title)
	assert.False(t, result.Cached)
	assert.Equal(t, 1, drv.callCount())
}

func TestFetchCachesSuccessfulResult(t *testing.T) {
	drv := &sequenceDriver{pages: []*fakePage{htmlPage(200), htmlPage(200)}}
	f := newTestFetcher(testConfig(), drv)

	req := fetchmodel.FetchRequest{URL: "https://example.com/", ExtractText: true, Cache: true}
	first := f.Fetch(context.Background(), req)
	require.Nil(t, first.Error)
	assert.False(t, first.Cached)

	second := f.Fetch(context.Background(), req)
	require.Nil(t, second.Error)
	assert.True(t, second.Cached)
	assert.Equal(t, first.ContentText, second.ContentText)
	assert.Equal(t, 1, drv.callCount(), "second fetch should be served from cache without opening a new page")
}

func TestFetchRetriesOnRetryableHTTPStatusThenSucceeds(t *testing.T) {
	drv := &sequenceDriver{pages: []*fakePage{htmlPage(503), htmlPage(503), htmlPage(200)}}
	f := newTestFetcher(testConfig(), drv)

	result := f.Fetch(context.Background(), fetchmodel.FetchRequest{URL: "https://example.com/", ExtractText: true})

	require.Nil(t, result.Error)
	assert.Equal(t, 200, result.StatusCode)
	assert.Equal(t, 3, drv.callCount())
}

func TestFetchNonRetryableHTTPStatusStopsImmediately(t *testing.T) {
	drv := &sequenceDriver{pages: []*fakePage{htmlPage(501), htmlPage(200)}}
	f := newTestFetcher(testConfig(), drv)

	result := f.Fetch(context.Background(), fetchmodel.FetchRequest{URL: "https://example.com/"})

	require.NotNil(t, result.Error)
	assert.Equal(t, fetchmodel.ErrorKindHTTPError, result.Error.Kind)
	assert.False(t, result.Error.Retryable)
	assert.Equal(t, 1, drv.callCount())
}

func TestFetchRateLimitedStatusIsRetryable(t *testing.T) {
	drv := &sequenceDriver{pages: []*fakePage{htmlPage(429)}}
	f := newTestFetcher(testConfig(), drv)

	cfg := testConfig()
	cfg.Default.Retry.MaxRetries = 0
	f = newTestFetcher(cfg, drv)

	result := f.Fetch(context.Background(), fetchmodel.FetchRequest{URL: "https://example.com/"})

	require.NotNil(t, result.Error)
	assert.Equal(t, fetchmodel.ErrorKindRateLimited, result.Error.Kind)
	assert.True(t, result.Error.Retryable)
}

func TestFetchOrdinary4xxIsNotAnError(t *testing.T) {
	drv := &sequenceDriver{pages: []*fakePage{htmlPage(404)}}
	f := newTestFetcher(testConfig(), drv)

	result := f.Fetch(context.Background(), fetchmodel.FetchRequest{URL: "https://example.com/", ExtractText: true})

	require.Nil(t, result.Error)
	assert.Equal(t, 404, result.StatusCode)
	assert.Contains(t, result.ContentText, "hello")
}

func TestFetchUnsupportedContentType(t *testing.T) {
	page := &fakePage{
		navResult: &driver.NavigateResult{
			FinalURL: "https://example.com/file.bin", StatusCode: 200,
			Headers: http.Header{"Content-Type": []string{"application/octet-stream"}},
		},
		waitHTML: []byte("binary"),
	}
	drv := &sequenceDriver{pages: []*fakePage{page}}
	f := newTestFetcher(testConfig(), drv)

	result := f.Fetch(context.Background(), fetchmodel.FetchRequest{URL: "https://example.com/file.bin"})

	require.NotNil(t, result.Error)
	assert.Equal(t, fetchmodel.ErrorKindUnsupportedType, result.Error.Kind)
	assert.False(t, result.Error.Retryable)
}

func TestFetchTruncatesContentText(t *testing.T) {
	longBody := `<html><body><p>` + strings.Repeat("a", 50) + `</p></body></html>`
	page := &fakePage{
		navResult: &driver.NavigateResult{FinalURL: "https://example.com/", StatusCode: 200, Headers: http.Header{"Content-Type": []string{"text/html"}}},
		waitHTML:  []byte(longBody),
	}
	drv := &sequenceDriver{pages: []*fakePage{page}}

	cfg := testConfig()
	cfg.Default.Fetch.MaxContentLength = 10
	f := newTestFetcher(cfg, drv)

	result := f.Fetch(context.Background(), fetchmodel.FetchRequest{URL: "https://example.com/", ExtractText: true})
	require.Nil(t, result.Error)
	assert.LessOrEqual(t, len(result.ContentText), 10)
}

func TestFetchBatchRejectsOver10(t *testing.T) {
	drv := &sequenceDriver{pages: []*fakePage{htmlPage(200)}}
	f := newTestFetcher(testConfig(), drv)

	reqs := make([]fetchmodel.FetchRequest, 11)
	for i := range reqs {
		reqs[i] = fetchmodel.FetchRequest{URL: "https://example.com/"}
	}

	_, err := f.FetchBatch(context.Background(), reqs)
	require.Error(t, err)
}

func TestFetchBatchReturnsOneResultPerRequest(t *testing.T) {
	drv := &sequenceDriver{pages: []*fakePage{htmlPage(200), htmlPage(200), htmlPage(200)}}
	f := newTestFetcher(testConfig(), drv)

	reqs := []fetchmodel.FetchRequest{
		{URL: "https://example.com/a"},
		{URL: "https://example.com/b"},
		{URL: "https://example.com/c"},
	}
	resp, err := f.FetchBatch(context.Background(), reqs)
	require.NoError(t, err)
	require.Len(t, resp.Results, 3)
	for _, r := range resp.Results {
		assert.Nil(t, r.Error)
	}
}

func TestFetchBlockedByRobotsTxt(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("User-agent: *\nDisallow: /\n"))
	}))
	defer server.Close()

	store := cache.NewMemoryStore(cache.StoreConfig{CleanupInterval: time.Hour})
	checker := robots.New("iris-test", time.Hour, http.DefaultClient, store)

	drv := &sequenceDriver{pages: []*fakePage{htmlPage(200)}}
	cfg := testConfig()
	cfg.Default.Fetch.RespectRobotsTxt = true

	respCache := cache.NewResponseCache(store, nil)
	limiter := ratelimit.New(config.RateLimitConfig{}, nil)
	f := New(cfg, drv, respCache, limiter, checker, nil)

	result := f.Fetch(context.Background(), fetchmodel.FetchRequest{URL: server.URL + "/secret"})

	require.NotNil(t, result.Error)
	assert.Equal(t, fetchmodel.ErrorKindBlockedByRobotsTxt, result.Error.Kind)
	assert.False(t, result.Error.Retryable)
	assert.Equal(t, 0, drv.callCount(), "a robots-blocked fetch should never open a page")
}

func TestTruncateUTF8DoesNotSplitRunes(t *testing.T) {
	s := "héllo wörld"
	for max := 0; max <= len(s)+2; max++ {
		truncated := truncateUTF8(s, max)
		assert.True(t, len(truncated) <= max || max == 0)
		assert.Contains(t, s, truncated)
	}
}

func TestClassifyStatusTable(t *testing.T) {
	assert.Nil(t, classifyStatus(200))
	assert.Nil(t, classifyStatus(404))

	rateLimited := classifyStatus(429)
	require.NotNil(t, rateLimited)
	assert.Equal(t, fetchmodel.ErrorKindRateLimited, rateLimited.Kind)
	assert.True(t, rateLimited.Retryable)

	for _, status := range []int{502, 503, 504} {
		ferr := classifyStatus(status)
		require.NotNil(t, ferr)
		assert.True(t, ferr.Retryable, "status %d should be retryable", status)
	}

	notRetryable := classifyStatus(500)
	require.NotNil(t, notRetryable)
	assert.False(t, notRetryable.Retryable)
}

func TestCalculateBackoffGrowsWithAttempt(t *testing.T) {
	cfg := config.RetryConfig{InitialDelay: 10 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2.0}
	d0 := calculateBackoff(cfg, 0)
	d3 := calculateBackoff(cfg, 3)
	assert.Less(t, d0, d3)
}
