package fetcher

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/ferrum-labs/iris/config"
	"github.com/ferrum-labs/iris/fetchmodel"
	"github.com/ferrum-labs/iris/waitstrategy"
)

// rawBodySizeMultiplier bounds the rendered-DOM byte size relative to
// max_content_length before extraction runs, so a pathologically large page
// fails fast with content_too_large instead of paying for a full extraction
// that gets truncated away anyway.
const rawBodySizeMultiplier = 10

// attempt runs one navigate -> wait -> dispatch -> extract -> screenshot
// cycle against a fresh browser page, recovering from panics (a driver
// crash surfaces as a non-retryable browser_error rather than taking down
// the whole fetch). State per spec.md §4.1 progresses
// init -> navigating -> waiting -> extracting -> done, with any step able
// to transition to failed(kind) instead.
func (f *Fetcher) attempt(ctx context.Context, req fetchmodel.FetchRequest, resolved config.ResolvedConfig, waitStrategy fetchmodel.WaitStrategy, maxContentLength int) (res *fetchmodel.FetchResult) {
	res = &fetchmodel.FetchResult{URL: req.URL}

	defer func() {
		if r := recover(); r != nil {
			res.Error = fetchmodel.NewFetchError(fetchmodel.ErrorKindBrowserError, fmt.Sprintf("panic during fetch attempt: %v", r), 0)
		}
	}()

	timeout := f.attemptTimeout(req)
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	page, err := f.driver.NewPage(attemptCtx)
	if err != nil {
		res.Error = classifyDriverError(err)
		return res
	}
	defer page.Close()

	userAgent := resolved.Fetch.GetHeaders()["User-Agent"]

	// state: navigating
	nav, err := page.Navigate(attemptCtx, req.URL, req.Headers, userAgent)
	if err != nil {
		res.Error = classifyDriverError(err)
		return res
	}
	res.URL = nav.FinalURL
	res.StatusCode = nav.StatusCode

	if ferr := classifyStatus(nav.StatusCode); ferr != nil {
		res.Error = ferr
		return res
	}

	// state: waiting
	waitAfterMs := req.WaitAfterLoadMs
	if waitAfterMs == 0 {
		waitAfterMs = f.config.Browser.WaitAfterLoadMs
	}

	domBytes, err := waitstrategy.Dispatch(attemptCtx, page, waitstrategy.Request{
		Strategy:        waitStrategy,
		Selector:        req.WaitForSelector,
		TimeoutMs:       int(timeout.Milliseconds()),
		WaitAfterLoadMs: waitAfterMs,
	})
	if err != nil {
		res.Error = classifyDriverError(err)
		return res
	}

	if limit := maxContentLength * rawBodySizeMultiplier; limit > 0 && len(domBytes) > limit {
		res.Error = fetchmodel.NewFetchError(fetchmodel.ErrorKindContentTooLarge,
			fmt.Sprintf("response body of %d bytes exceeds the %d byte cap", len(domBytes), limit), 0)
		return res
	}

	// state: extracting
	res.ContentType = canonicalContentType(nav.Headers.Get("Content-Type"))
	if err := f.extract(attemptCtx, req, res, domBytes); err != nil {
		res.Error = asFetchError(err)
		return res
	}

	if req.Screenshot {
		png, err := page.Screenshot(attemptCtx)
		if err != nil {
			res = &fetchmodel.FetchResult{URL: res.URL, StatusCode: res.StatusCode, Error: classifyDriverError(err)}
			return res
		}
		res.ScreenshotBase64 = base64.StdEncoding.EncodeToString(png)
	}

	// state: done
	return res
}

// attemptTimeout clamps the request's requested timeout to the process-wide
// page timeout, per spec.md §5's hard deadline rule.
func (f *Fetcher) attemptTimeout(req fetchmodel.FetchRequest) time.Duration {
	pageTimeout := f.config.Browser.PageTimeout
	if req.TimeoutMs <= 0 {
		return pageTimeout
	}
	reqTimeout := time.Duration(req.TimeoutMs) * time.Millisecond
	if pageTimeout > 0 && reqTimeout > pageTimeout {
		return pageTimeout
	}
	return reqTimeout
}

// extract dispatches on the canonical content type, populating res's
// content fields. Image responses get metadata only; unsupported types
// return an error.
func (f *Fetcher) extract(ctx context.Context, req fetchmodel.FetchRequest, res *fetchmodel.FetchResult, domBytes []byte) error {
	switch classifyContentType(res.ContentType) {
	case contentHTML:
		extracted, err := f.html.Extract(domBytes, res.URL)
		if err != nil {
			return fmt.Errorf("html extraction failed: %w", err)
		}
		if req.ExtractText {
			res.ContentText = extracted.Text
		}
		if req.ExtractMetadata {
			res.Metadata = extracted.Metadata
		}
		if req.ExtractLinks {
			res.Links = extracted.Links
		}
		res.StructuredData = extracted.StructuredData
		return nil

	case contentPDF:
		result, err := f.pdf.Extract(ctx, domBytes)
		if err != nil {
			return err
		}
		res.ContentText = result.Text
		res.Metadata.PdfPages = result.PageCount
		if result.Title != "" {
			res.Metadata.Title = result.Title
		}
		if result.Author != "" {
			res.Metadata.Author = result.Author
		}
		return nil

	case contentJSON:
		pretty, err := prettyPrintJSON(domBytes)
		if err != nil {
			return fmt.Errorf("json formatting failed: %w", err)
		}
		res.ContentText = pretty
		return nil

	case contentText:
		res.ContentText = string(domBytes)
		return nil

	case contentImage:
		return nil

	default:
		return fetchmodel.NewFetchError(fetchmodel.ErrorKindUnsupportedType,
			fmt.Sprintf("unsupported content type %q", res.ContentType), 0)
	}
}
