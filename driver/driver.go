// Package driver defines the browser automation boundary spec.md treats as
// external: navigating a page, waiting on post-navigation signals,
// evaluating JavaScript, and capturing a screenshot. The production
// implementation (chromedp.go) adapts the teacher's headless.Browser into
// this interface; a stub implementation backs IRIS_TESTING_MODE.
package driver

import (
	"context"
	"net/http"
	"time"
)

// NavigateResult carries what the orchestrator needs after a page loads:
// the final URL (post-redirect), the top-level document's HTTP status and
// headers, and the DOM as of the time it's captured.
type NavigateResult struct {
	FinalURL   string
	StatusCode int
	Headers    http.Header
	HTML       []byte
}

// Page is a single scoped browser tab, acquired from a Driver for one fetch
// attempt and guaranteed to be released via Close on every exit path.
type Page interface {
	// Navigate loads url with the given extra request headers and user
	// agent, honoring ctx's deadline for the whole operation.
	Navigate(ctx context.Context, url string, headers map[string]string, userAgent string) (*NavigateResult, error)
	// Wait blocks according to strategy (see waitstrategy), returning the
	// most current DOM snapshot.
	Wait(ctx context.Context, strategy WaitRequest) ([]byte, error)
	// Evaluate runs js in the page and returns its JSON-decoded result.
	Evaluate(ctx context.Context, js string) (any, error)
	// Screenshot captures a full-page PNG.
	Screenshot(ctx context.Context) ([]byte, error)
	// Close releases the underlying browser tab. Safe to call more than
	// once; only the first call has effect.
	Close()
}

// WaitRequest is the parameters waitstrategy.Dispatch passes down to a Page.
type WaitRequest struct {
	Strategy WaitKind
	Selector string
	Timeout  time.Duration
}

// WaitKind names the five post-navigation wait signals spec.md §4.4 defines.
type WaitKind string

const (
	WaitLoad             WaitKind = "load"
	WaitDOMContentLoaded  WaitKind = "domcontentloaded"
	WaitNetworkIdle       WaitKind = "networkidle"
	WaitSelector          WaitKind = "selector"
	WaitFixedTimeout      WaitKind = "timeout"
)

// Driver is the browser owned by one service instance. NewPage is the
// scoped-acquisition boundary the global concurrency semaphore in the
// Fetcher gates access to. ChromeDriver keeps no browser process between
// pages: without a remote CDP endpoint, each NewPage starts a separate local
// Chrome process that is shut down when the page closes.
type Driver interface {
	NewPage(ctx context.Context) (Page, error)
	Close() error
}
