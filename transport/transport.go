// Package transport performs the low-level HTTP fetch for a single URL:
// building the request, enforcing SSRF protection and redirect limits, and
// returning the raw response body. It has no knowledge of retries, rate
// limiting, or content extraction — retries and rate limiting are layered on
// top by the retry package.
package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/ferrum-labs/iris/config"
	irisurl "github.com/ferrum-labs/iris/url"
)

// Response is the raw result of fetching a single URL.
type Response struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// Transport fetches a single URL over HTTP(S) using the given configuration.
type Transport struct {
	config config.FetchConfig
	client *http.Client
}

// ssrfProtectedTransport wraps an http.RoundTripper and rejects requests
// whose destination resolves to a private, loopback, or link-local address.
type ssrfProtectedTransport struct {
	base http.RoundTripper
}

func (t *ssrfProtectedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := validateDial(req.URL.Host); err != nil {
		return nil, err
	}
	return t.base.RoundTrip(req)
}

func validateDial(hostport string) error {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		host = hostport
	}
	return irisurl.ValidateExternal("http://" + host + "/")
}

// New creates a Transport with the given configuration.
func New(cfg config.FetchConfig) *Transport {
	maxRedirects := cfg.GetMaxRedirects()

	var rt http.RoundTripper = http.DefaultTransport
	if cfg.EnableSSRFProtection {
		rt = &ssrfProtectedTransport{base: http.DefaultTransport}
	}

	client := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: rt,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if maxRedirects == 0 {
				return http.ErrUseLastResponse
			}
			if len(via) > maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}

	return &Transport{config: cfg, client: client}
}

// Fetch retrieves the content at urlStr, following redirects per the
// configured limit and returning the final response regardless of status
// code — callers decide what counts as success.
func (t *Transport) Fetch(ctx context.Context, urlStr string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for key, value := range t.config.GetHeaders() {
		req.Header.Set(key, value)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return &Response{
		URL:        resp.Request.URL.String(),
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       body,
	}, nil
}

// FetchWithHeaders behaves like Fetch but merges extraHeaders on top of the
// configured default headers, letting a single request override the
// User-Agent or add one-off headers without mutating Transport's config.
func (t *Transport) FetchWithHeaders(ctx context.Context, urlStr string, extraHeaders map[string]string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for key, value := range t.config.GetHeaders() {
		req.Header.Set(key, value)
	}
	for key, value := range extraHeaders {
		req.Header.Set(key, value)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return &Response{
		URL:        resp.Request.URL.String(),
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       body,
	}, nil
}

// SetTimeout updates the client timeout. Useful for testing.
func (t *Transport) SetTimeout(timeout time.Duration) {
	t.client.Timeout = timeout
}

// GetHTTPClient returns the underlying HTTP client.
func (t *Transport) GetHTTPClient() *http.Client {
	return t.client
}

// IsSuccessfulResponse reports whether statusCode represents a successful
// fetch. 2xx is always successful; 3xx counts as successful only when
// redirects are disabled (so the caller sees the redirect response itself).
func (t *Transport) IsSuccessfulResponse(statusCode int) bool {
	if statusCode >= 200 && statusCode < 300 {
		return true
	}
	if statusCode >= 300 && statusCode < 400 && t.config.GetMaxRedirects() == 0 {
		return true
	}
	return false
}
