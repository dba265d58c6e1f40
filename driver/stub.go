package driver

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// StubDriver backs IRIS_TESTING_MODE: a Driver that performs a plain HTTP
// GET instead of launching Chrome, so the fetcher's orchestration (cache,
// rate limiting, retry, extraction) can be exercised in CI and local tests
// without a browser binary on PATH. It satisfies the same Page contract as
// ChromeDriver; callers besides tests should never select it in production,
// since it cannot render JavaScript.
type StubDriver struct {
	client *http.Client
}

// NewStub creates a StubDriver. client defaults to a 30s-timeout
// http.Client when nil.
func NewStub(client *http.Client) *StubDriver {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &StubDriver{client: client}
}

func (d *StubDriver) NewPage(ctx context.Context) (Page, error) {
	return &stubPage{client: d.client}, nil
}

func (d *StubDriver) Close() error { return nil }

type stubPage struct {
	client *http.Client
	body   []byte
	status int
	header http.Header
}

func (p *stubPage) Navigate(ctx context.Context, url string, headers map[string]string, userAgent string) (*NavigateResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building stub request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stub navigation failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading stub response body: %w", err)
	}

	p.body = body
	p.status = resp.StatusCode
	p.header = resp.Header

	finalURL := url
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	return &NavigateResult{
		FinalURL:   finalURL,
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		HTML:       body,
	}, nil
}

// Wait is a no-op beyond WaitSelector, which the stub approximates by a
// literal substring search over the already-fetched body: there is no real
// DOM or JS execution to wait on without a browser.
func (p *stubPage) Wait(ctx context.Context, req WaitRequest) ([]byte, error) {
	if req.Strategy == WaitSelector && req.Selector != "" {
		if !strings.Contains(string(p.body), selectorNeedle(req.Selector)) {
			return nil, fmt.Errorf("stub driver cannot confirm selector %q without a DOM", req.Selector)
		}
	}
	return p.body, nil
}

// selectorNeedle reduces a CSS selector to a crude substring to search for,
// since the stub has no CSS engine. It strips the leading '#'/'.' sigils so
// a caller testing against #hero or .hero can at least match the literal
// id/class name appearing somewhere in the markup.
func selectorNeedle(selector string) string {
	return strings.TrimLeft(selector, "#.")
}

func (p *stubPage) Evaluate(ctx context.Context, js string) (any, error) {
	return nil, fmt.Errorf("stub driver does not support JavaScript evaluation")
}

func (p *stubPage) Screenshot(ctx context.Context) ([]byte, error) {
	return nil, fmt.Errorf("stub driver does not support screenshots")
}

func (p *stubPage) Close() {}
