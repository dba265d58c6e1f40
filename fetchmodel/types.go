// Package fetchmodel defines the request/response wire types shared by the
// fetcher engine and the HTTP API. Keeping them in their own package lets
// both fetcher and server depend on the data model without importing each
// other.
package fetchmodel

import "time"

// WaitStrategy names a post-navigation wait dispatched by the waitstrategy
// package. The zero value is WaitLoad.
type WaitStrategy string

const (
	WaitLoad            WaitStrategy = "load"
	WaitDOMContentLoaded WaitStrategy = "domcontentloaded"
	WaitNetworkIdle      WaitStrategy = "networkidle"
	WaitSelector         WaitStrategy = "selector"
	WaitTimeout          WaitStrategy = "timeout"
)

// FetchRequest describes a single fetch operation.
type FetchRequest struct {
	URL             string            `json:"url"`
	ExtractText     bool              `json:"extract_text"`
	ExtractMetadata bool              `json:"extract_metadata"`
	ExtractLinks    bool              `json:"extract_links"`
	Screenshot      bool              `json:"screenshot"`
	Cache           bool              `json:"cache"`
	WaitStrategy    WaitStrategy      `json:"wait_strategy,omitempty"`
	WaitForSelector string            `json:"wait_for_selector,omitempty"`
	WaitAfterLoadMs int               `json:"wait_after_load_ms,omitempty"`
	TimeoutMs       int               `json:"timeout_ms,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
}

// EffectiveWaitStrategy applies the spec's tie-break: a non-empty
// WaitForSelector forces WaitSelector regardless of the request's declared
// WaitStrategy.
func (r *FetchRequest) EffectiveWaitStrategy() WaitStrategy {
	if r.WaitForSelector != "" {
		return WaitSelector
	}
	if r.WaitStrategy == "" {
		return WaitLoad
	}
	return r.WaitStrategy
}

// BatchRequest describes a POST /batch request: up to 10 FetchRequests, each
// carrying its own options, fanned out with bounded concurrency.
type BatchRequest struct {
	Requests []FetchRequest `json:"requests"`
}

// Link is a single extracted hyperlink. Links preserve document order and
// are never deduplicated: a page that links to the same URL three times
// yields three Link entries.
type Link struct {
	Href string `json:"href"`
	Text string `json:"text,omitempty"`
	Rel  string `json:"rel,omitempty"`
}

// StructuredData holds every structured-data payload recovered from a page.
type StructuredData struct {
	JSONLD         []map[string]interface{} `json:"json_ld,omitempty"`
	Microdata      []map[string]interface{} `json:"microdata,omitempty"`
	SchemaOrgTypes []string                 `json:"schema_org_types,omitempty"`
}

// Metadata describes everything known about a fetched resource besides its
// body text.
type Metadata struct {
	Title         string `json:"title,omitempty"`
	Description   string `json:"description,omitempty"`
	CanonicalURL  string `json:"canonical_url,omitempty"`
	Language      string `json:"language,omitempty"`
	Author        string `json:"author,omitempty"`
	PublishedTime string `json:"published_time,omitempty"`
	PdfPages      int    `json:"pdf_pages,omitempty"`
}

// ErrorKind classifies why a fetch failed, independent of the underlying
// transport error, so API consumers can decide whether to retry.
type ErrorKind string

const (
	ErrorKindTimeout             ErrorKind = "timeout"
	ErrorKindDNS                 ErrorKind = "dns_error"
	ErrorKindConnection          ErrorKind = "connection_error"
	ErrorKindSSL                 ErrorKind = "ssl_error"
	ErrorKindBlockedByRobotsTxt  ErrorKind = "blocked_by_robots_txt"
	ErrorKindRateLimited         ErrorKind = "rate_limited"
	ErrorKindUnsupportedType     ErrorKind = "unsupported_content_type"
	ErrorKindInvalidURL          ErrorKind = "invalid_url"
	ErrorKindHTTPError           ErrorKind = "http_error"
	ErrorKindContentTooLarge     ErrorKind = "content_too_large"
	ErrorKindBrowserError        ErrorKind = "browser_error"
)

// retryableKinds mirrors the retryability column of the spec's error table.
var retryableKinds = map[ErrorKind]bool{
	ErrorKindTimeout:    true,
	ErrorKindDNS:        true,
	ErrorKindConnection: true,
	ErrorKindRateLimited: true,
	// ErrorKindHTTPError is conditionally retryable (502/503/504 only); callers
	// set Retryable explicitly for that kind rather than relying on this table.
}

// NewFetchError builds a FetchError, setting Retryable from the spec's
// per-kind table unless kind is ErrorKindHTTPError, whose retryability
// depends on the HTTP status and must be set by the caller.
func NewFetchError(kind ErrorKind, message string, httpStatus int) *FetchError {
	return &FetchError{
		Kind:       kind,
		Message:    message,
		Retryable:  retryableKinds[kind],
		HTTPStatus: httpStatus,
	}
}

// FetchError is the structured error returned for a failed fetch, both in
// the single-URL API response body and inside a batch result.
type FetchError struct {
	Kind       ErrorKind `json:"type"`
	Message    string    `json:"message"`
	Retryable  bool      `json:"retryable"`
	HTTPStatus int       `json:"http_status,omitempty"`
}

// Error implements the error interface so FetchError can travel through
// normal Go error-handling paths inside the engine.
func (e *FetchError) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// FetchResult is the outcome of a single fetch. A non-nil Error means the
// content fields are unset except where §3 explicitly allows StatusCode/URL
// to coexist with an error.
type FetchResult struct {
	URL              string          `json:"url"`
	StatusCode       int             `json:"status_code,omitempty"`
	ContentText      string          `json:"content_text,omitempty"`
	ContentType      string          `json:"content_type,omitempty"`
	Metadata         Metadata        `json:"metadata"`
	Links            []Link          `json:"links,omitempty"`
	StructuredData   StructuredData  `json:"structured_data"`
	ScreenshotBase64 string          `json:"screenshot_base64,omitempty"`
	ElapsedMs        int64           `json:"elapsed_ms"`
	Cached           bool            `json:"cached"`
	Error            *FetchError     `json:"error,omitempty"`
}

// BatchResponse is the result of POST /batch, one FetchResult per request in
// request order. A single item's failure never fails the batch call itself.
type BatchResponse struct {
	Results []FetchResult `json:"results"`
}

// CacheEntry is what the response cache stores: a fully-formed FetchResult
// plus the bookkeeping needed to judge freshness. Per the cache-never-stores-
// errors invariant, callers must not Put a FetchResult with a non-nil Error.
type CacheEntry struct {
	Result   FetchResult   `json:"result"`
	StoredAt time.Time     `json:"stored_at"`
	TTL      time.Duration `json:"ttl"`
}

// IsFresh reports whether the entry is still within its TTL.
func (e *CacheEntry) IsFresh() bool {
	return time.Since(e.StoredAt) < e.TTL
}
