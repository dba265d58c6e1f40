package fetcher

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strings"
	"unicode/utf8"

	"github.com/ferrum-labs/iris/fetchmodel"
)

// classifyStatus maps an HTTP status observed after navigation onto the
// error taxonomy in spec.md §7. Status 429 and 5xx are the only codes that
// produce an error here: other 4xx responses pass through as ordinary
// (non-error) results, per SPEC_FULL.md §9's resolution of the ambiguous
// "cache 4xx" open question — a 404 page with a body is a successful
// fetch of a 404 page, not a fetch error.
func classifyStatus(status int) *fetchmodel.FetchError {
	switch {
	case status == 429:
		return &fetchmodel.FetchError{
			Kind: fetchmodel.ErrorKindRateLimited, Message: "upstream returned 429",
			Retryable: true, HTTPStatus: status,
		}
	case status == 502 || status == 503 || status == 504:
		return &fetchmodel.FetchError{
			Kind: fetchmodel.ErrorKindHTTPError, Message: fmt.Sprintf("upstream returned %d", status),
			Retryable: true, HTTPStatus: status,
		}
	case status >= 500:
		return &fetchmodel.FetchError{
			Kind: fetchmodel.ErrorKindHTTPError, Message: fmt.Sprintf("upstream returned %d", status),
			Retryable: false, HTTPStatus: status,
		}
	default:
		return nil
	}
}

// classifyDriverError maps an error from the driver (navigation, wait, or
// page acquisition) onto the error taxonomy. DNS/connection/SSL failures
// are distinguished first by Go's typed errors, then (since the production
// driver wraps chromedp/CDP failures, which surface as net::ERR_* strings
// rather than typed Go errors) by substring matching on the Chrome network
// error vocabulary.
func classifyDriverError(err error) *fetchmodel.FetchError {
	if err == nil {
		return nil
	}

	var fe *fetchmodel.FetchError
	if errors.As(err, &fe) {
		return fe
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fetchmodel.NewFetchError(fetchmodel.ErrorKindTimeout, err.Error(), 0)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return fetchmodel.NewFetchError(fetchmodel.ErrorKindDNS, err.Error(), 0)
	}

	var unknownAuth x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	var certInvalid x509.CertificateInvalidError
	var tlsHeaderErr tls.RecordHeaderError
	if errors.As(err, &unknownAuth) || errors.As(err, &hostnameErr) || errors.As(err, &certInvalid) || errors.As(err, &tlsHeaderErr) {
		return fetchmodel.NewFetchError(fetchmodel.ErrorKindSSL, err.Error(), 0)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return fetchmodel.NewFetchError(fetchmodel.ErrorKindConnection, err.Error(), 0)
	}

	return classifyByMessage(err.Error())
}

func classifyByMessage(msg string) *fetchmodel.FetchError {
	lower := strings.ToLower(msg)

	switch {
	case strings.Contains(msg, "ERR_NAME_NOT_RESOLVED"), strings.Contains(lower, "no such host"):
		return fetchmodel.NewFetchError(fetchmodel.ErrorKindDNS, msg, 0)
	case strings.Contains(msg, "ERR_CERT"), strings.Contains(msg, "ERR_SSL"), strings.Contains(lower, "certificate"):
		return fetchmodel.NewFetchError(fetchmodel.ErrorKindSSL, msg, 0)
	case strings.Contains(msg, "ERR_CONNECTION_"), strings.Contains(lower, "connection refused"), strings.Contains(lower, "connection reset"):
		return fetchmodel.NewFetchError(fetchmodel.ErrorKindConnection, msg, 0)
	case strings.Contains(lower, "deadline exceeded"), strings.Contains(lower, "timeout"), strings.Contains(lower, "timed out"):
		return fetchmodel.NewFetchError(fetchmodel.ErrorKindTimeout, msg, 0)
	default:
		return fetchmodel.NewFetchError(fetchmodel.ErrorKindBrowserError, msg, 0)
	}
}

// classifyWaitError maps a context error observed while waiting on the rate
// limiter or the page-concurrency semaphore onto ErrorKindTimeout — in both
// cases the caller gave up waiting for a shared resource.
func classifyWaitError(err error) *fetchmodel.FetchError {
	return fetchmodel.NewFetchError(fetchmodel.ErrorKindTimeout, err.Error(), 0)
}

// asFetchError unwraps err to a *fetchmodel.FetchError if it already is
// one (e.g. from the PDF extractor), otherwise wraps it as a non-retryable
// browser_error.
func asFetchError(err error) *fetchmodel.FetchError {
	var fe *fetchmodel.FetchError
	if errors.As(err, &fe) {
		return fe
	}
	return fetchmodel.NewFetchError(fetchmodel.ErrorKindBrowserError, err.Error(), 0)
}

// truncateUTF8 truncates s to at most max bytes without splitting a
// multi-byte rune, per the content_text length invariant.
func truncateUTF8(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	b := s[:max]
	for len(b) > 0 && !utf8.ValidString(b) {
		b = b[:len(b)-1]
	}
	return b
}
