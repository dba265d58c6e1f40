package driver

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// ChromeDriver is the production Driver, adapting the teacher's
// headless.Browser allocator setup into the scoped-page Driver contract.
type ChromeDriver struct {
	cdpURL string
	logger *slog.Logger
}

// Option configures a ChromeDriver.
type Option func(*ChromeDriver)

// WithCDPURL points the driver at a remote Chrome DevTools Protocol
// endpoint instead of launching a local browser.
func WithCDPURL(url string) Option {
	return func(d *ChromeDriver) { d.cdpURL = url }
}

// WithLogger sets the driver's logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *ChromeDriver) { d.logger = l }
}

// New creates a ChromeDriver. The CDP_URL environment variable, or
// WithCDPURL, points it at a remote Chrome DevTools Protocol endpoint;
// without either, every NewPage call launches its own local headless Chrome
// via chromedp's exec allocator.
func New(opts ...Option) *ChromeDriver {
	d := &ChromeDriver{
		cdpURL: os.Getenv("CDP_URL"),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// NewPage allocates a fresh browser tab (and, for the local allocator, a
// fresh Chrome process) scoped to this page's lifetime.
func (d *ChromeDriver) NewPage(ctx context.Context) (Page, error) {
	var (
		allocCtx    context.Context
		allocCancel context.CancelFunc
	)
	if d.cdpURL != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(ctx, d.cdpURL, chromedp.NoModifyURL)
	} else {
		opts := make([]chromedp.ExecAllocatorOption, len(chromedp.DefaultExecAllocatorOptions))
		copy(opts, chromedp.DefaultExecAllocatorOptions[:])
		opts = append(opts,
			chromedp.Flag("headless", true),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.Flag("disable-extensions", true),
			chromedp.Flag("disable-background-networking", true),
			chromedp.Flag("disable-sync", true),
			chromedp.Flag("disable-translate", true),
			chromedp.Flag("mute-audio", true),
			chromedp.Flag("hide-scrollbars", true),
		)
		allocCtx, allocCancel = chromedp.NewExecAllocator(ctx, opts...)
	}

	taskCtx, taskCancel := chromedp.NewContext(allocCtx)

	state := &pageState{}
	chromedp.ListenTarget(taskCtx, func(ev any) {
		switch e := ev.(type) {
		case *network.EventRequestWillBeSent:
			state.addRequest()
		case *network.EventLoadingFinished, *network.EventLoadingFailed:
			state.removeRequest()
		case *network.EventResponseReceived:
			if e.Type == network.ResourceTypeDocument {
				state.setResponse(int(e.Response.Status), headersFromNetwork(e.Response.Headers), e.RequestID)
			}
		case *page.EventLifecycleEvent:
			state.setLifecycle(e.Name)
		}
	})

	if err := chromedp.Run(taskCtx, network.Enable(), page.Enable(), page.SetLifecycleEventsEnabled(true)); err != nil {
		taskCancel()
		allocCancel()
		return nil, fmt.Errorf("failed to start browser tab: %w", err)
	}

	return &chromePage{
		ctx:         taskCtx,
		cancelTask:  taskCancel,
		cancelAlloc: allocCancel,
		state:       state,
		logger:      d.logger,
	}, nil
}

// Close is a no-op at the Driver level: each page owns its own allocator.
func (d *ChromeDriver) Close() error { return nil }

type chromePage struct {
	ctx         context.Context
	cancelTask  context.CancelFunc
	cancelAlloc context.CancelFunc
	state       *pageState
	logger      *slog.Logger
	closeOnce   sync.Once

	// lastContentType and lastRawBody cache what Navigate captured, so Wait
	// can decide whether there's a DOM worth re-reading (HTML) or whether
	// the response bytes captured at navigation time are already final
	// (JSON, plain text, PDF, images never mutate after load).
	lastContentType string
	lastRawBody     []byte
}

func (p *chromePage) Navigate(ctx context.Context, url string, headers map[string]string, userAgent string) (*NavigateResult, error) {
	actions := []chromedp.Action{
		network.SetExtraHTTPHeaders(toNetworkHeaders(headers)),
	}
	if userAgent != "" {
		actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
			return network.SetUserAgentOverride(userAgent).Do(ctx)
		}))
	}

	var finalURL string
	actions = append(actions,
		chromedp.Navigate(url),
		chromedp.WaitReady("body"),
		chromedp.Location(&finalURL),
	)

	if err := chromedp.Run(p.ctx, actions...); err != nil {
		return nil, fmt.Errorf("navigation failed: %w", err)
	}

	statusCode, respHeaders, requestID := p.state.getResponse()
	if statusCode == 0 {
		statusCode = http.StatusOK
	}
	if respHeaders == nil {
		respHeaders = http.Header{"Content-Type": []string{"text/html; charset=utf-8"}}
	}
	if finalURL == "" {
		finalURL = url
	}

	body, err := p.captureBody(respHeaders.Get("Content-Type"), requestID)
	if err != nil {
		return nil, err
	}

	return &NavigateResult{
		FinalURL:   finalURL,
		StatusCode: statusCode,
		Headers:    respHeaders,
		HTML:       body,
	}, nil
}

func (p *chromePage) Wait(ctx context.Context, req WaitRequest) ([]byte, error) {
	if !isRenderableHTML(p.lastContentType) {
		// JSON, plain text, PDF, and image responses have no DOM to wait
		// on, and the rendered-DOM snapshot chromedp would hand back is the
		// browser's own viewer chrome for that content, not the underlying
		// bytes. The raw body captured during Navigate is already final.
		return p.lastRawBody, nil
	}

	if err := p.dispatchWaitKind(ctx, req); err != nil {
		return nil, err
	}
	var html string
	if err := chromedp.Run(p.ctx, chromedp.OuterHTML("html", &html)); err != nil {
		return nil, fmt.Errorf("failed to capture DOM after wait: %w", err)
	}
	p.lastRawBody = []byte(html)
	return p.lastRawBody, nil
}

// captureBody returns the bytes content-type dispatch (fetcher/attempt.go)
// should see: the rendered DOM for HTML documents, or the true response
// body (via CDP's network.GetResponseBody) for everything else. Chrome's
// outerHTML for a PDF/JSON/plain-text response is its own viewer markup,
// not the underlying bytes, so those content types must never take the
// OuterHTML path.
func (p *chromePage) captureBody(contentType string, requestID network.RequestID) ([]byte, error) {
	p.lastContentType = contentType

	if isRenderableHTML(contentType) {
		var html string
		if err := chromedp.Run(p.ctx, chromedp.OuterHTML("html", &html)); err != nil {
			return nil, fmt.Errorf("failed to capture DOM: %w", err)
		}
		p.lastRawBody = []byte(html)
		return p.lastRawBody, nil
	}

	raw, err := p.fetchRawBody(requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to capture raw response body: %w", err)
	}
	p.lastRawBody = raw
	return raw, nil
}

// fetchRawBody retrieves the exact bytes Chrome received for requestID via
// CDP's Network.getResponseBody, decoding base64 when the protocol reports
// the body as binary (PDFs, images).
func (p *chromePage) fetchRawBody(requestID network.RequestID) ([]byte, error) {
	if requestID == "" {
		return nil, fmt.Errorf("no request id recorded for the top-level document")
	}

	var body []byte
	action := chromedp.ActionFunc(func(ctx context.Context) error {
		data, base64Encoded, err := network.GetResponseBody(requestID).Do(ctx)
		if err != nil {
			return err
		}
		if base64Encoded {
			decoded, derr := base64.StdEncoding.DecodeString(string(data))
			if derr != nil {
				return fmt.Errorf("decoding base64 response body: %w", derr)
			}
			body = decoded
			return nil
		}
		body = data
		return nil
	})

	if err := chromedp.Run(p.ctx, action); err != nil {
		return nil, err
	}
	return body, nil
}

// isRenderableHTML reports whether contentType is the kind of document
// whose DOM (rather than its raw bytes) is what content extraction wants.
func isRenderableHTML(contentType string) bool {
	ct := strings.ToLower(contentType)
	return ct == "" || strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml")
}

// dispatchWaitKind implements the five wait signals spec.md §4.4 names,
// reusing the teacher's DOM-mutation + network-idle polling idiom for
// networkidle and chromedp's action builders for the rest.
func (p *chromePage) dispatchWaitKind(ctx context.Context, req WaitRequest) error {
	waitCtx := p.ctx
	var cancel context.CancelFunc
	if req.Timeout > 0 {
		waitCtx, cancel = context.WithTimeout(p.ctx, req.Timeout)
		defer cancel()
	}

	switch req.Strategy {
	case WaitLoad:
		return chromedp.Run(waitCtx, chromedp.WaitReady("body"))
	case WaitDOMContentLoaded:
		return chromedp.Run(waitCtx, chromedp.ActionFunc(func(ctx context.Context) error {
			var readyState string
			return chromedp.Evaluate(`document.readyState`, &readyState).Do(ctx)
		}))
	case WaitSelector:
		if req.Selector == "" {
			return fmt.Errorf("wait_for_selector strategy requires a selector")
		}
		if err := chromedp.Run(waitCtx, chromedp.WaitVisible(req.Selector, chromedp.ByQuery)); err != nil {
			return fmt.Errorf("timeout waiting for selector %q: %w", req.Selector, err)
		}
		return nil
	case WaitNetworkIdle:
		return p.waitNetworkIdle(waitCtx)
	case WaitFixedTimeout, "":
		select {
		case <-time.After(req.Timeout):
			return nil
		case <-waitCtx.Done():
			return waitCtx.Err()
		}
	default:
		return fmt.Errorf("unknown wait strategy %q", req.Strategy)
	}
}

// waitNetworkIdle polls inflight-request count and DOM mutation activity,
// unchanged in idiom from the teacher's waitForPageReady.
func (p *chromePage) waitNetworkIdle(ctx context.Context) error {
	const (
		pollInterval   = 50 * time.Millisecond
		networkIdleFor = 500 * time.Millisecond
		domStableFor   = 500 * time.Millisecond
		minWait        = 1 * time.Second
	)

	start := time.Now()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var domStableSince time.Time
	var lastMutations int

	for {
		select {
		case <-ctx.Done():
			return nil // deadline/context expiry is not an error for networkidle: best-effort quiescence
		case <-ticker.C:
			elapsed := time.Since(start)
			inflight, lastActivity, networkIdle := p.state.getNetworkState()

			var domSnapshot struct {
				MutationCount int `json:"mutationCount"`
			}
			_ = chromedp.Evaluate(`(() => {
  if (!window.__irisMutationObserver) {
    window.__irisMutationCount = 0;
    if (typeof MutationObserver !== "undefined") {
      const target = document.documentElement || document;
      if (target) {
        const obs = new MutationObserver(() => { window.__irisMutationCount++; });
        obs.observe(target, {childList: true, subtree: true, characterData: true});
        window.__irisMutationObserver = obs;
      }
    }
  }
  return {mutationCount: window.__irisMutationCount || 0};
})()`, &domSnapshot).Do(p.ctx)

			if domSnapshot.MutationCount != lastMutations {
				lastMutations = domSnapshot.MutationCount
				domStableSince = time.Now()
			} else if domStableSince.IsZero() {
				domStableSince = time.Now()
			}

			domStable := !domStableSince.IsZero() && time.Since(domStableSince) >= domStableFor
			netIdle := networkIdle || (inflight == 0 && !lastActivity.IsZero() && time.Since(lastActivity) >= networkIdleFor)

			if elapsed >= minWait && domStable && netIdle {
				return nil
			}
		}
	}
}

func (p *chromePage) Evaluate(ctx context.Context, js string) (any, error) {
	var result any
	if err := chromedp.Run(p.ctx, chromedp.Evaluate(js, &result)); err != nil {
		return nil, fmt.Errorf("evaluate failed: %w", err)
	}
	return result, nil
}

func (p *chromePage) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := chromedp.Run(p.ctx, chromedp.FullScreenshot(&buf, 100)); err != nil {
		return nil, fmt.Errorf("screenshot failed: %w", err)
	}
	return buf, nil
}

func (p *chromePage) Close() {
	p.closeOnce.Do(func() {
		p.cancelTask()
		p.cancelAlloc()
	})
}

// screenshotBase64 base64-encodes a screenshot with the standard encoding.
// Nothing calls it; the fetcher encodes screenshots itself.
func screenshotBase64(png []byte) string {
	return base64.StdEncoding.EncodeToString(png)
}

// pageState tracks the loading state of a page for the networkidle wait
// strategy and for recovering the top-level document's response metadata.
type pageState struct {
	mu              sync.Mutex
	inflight        int
	lastNetActivity time.Time
	networkIdle     bool
	statusCode      int
	headers         http.Header
	requestID       network.RequestID
}

func (s *pageState) addRequest() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight++
	s.lastNetActivity = time.Now()
	s.networkIdle = false
}

func (s *pageState) removeRequest() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.lastNetActivity = time.Now()
}

func (s *pageState) setLifecycle(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if name == "networkIdle" {
		s.networkIdle = true
	}
}

func (s *pageState) setResponse(statusCode int, headers http.Header, requestID network.RequestID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusCode = statusCode
	s.headers = headers
	s.requestID = requestID
}

func (s *pageState) getResponse() (int, http.Header, network.RequestID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusCode, s.headers, s.requestID
}

func (s *pageState) getNetworkState() (inflight int, lastActivity time.Time, networkIdle bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight, s.lastNetActivity, s.networkIdle
}

func headersFromNetwork(h network.Headers) http.Header {
	if len(h) == 0 {
		return http.Header{"Content-Type": []string{"text/html; charset=utf-8"}}
	}
	headers := make(http.Header, len(h))
	for key, value := range h {
		headers.Set(key, fmt.Sprint(value))
	}
	if headers.Get("Content-Type") == "" {
		headers.Set("Content-Type", "text/html; charset=utf-8")
	}
	return headers
}

func toNetworkHeaders(headers map[string]string) network.Headers {
	out := make(network.Headers, len(headers))
	for k, v := range headers {
		out[k] = v
	}
	return out
}
