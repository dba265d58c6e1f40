// Package fetcher orchestrates a single fetch: URL validation, cache
// lookup, robots.txt policy, rate limiting, a bounded browser-page
// concurrency gate, the navigate+wait+extract attempt loop with retry, and
// cache storage. Grounded on the teacher's client.Client + retry.Retrier +
// fetcher.Fetcher pipeline, generalized per SPEC_FULL.md §4.1 to drive a
// driver.Page instead of a plain http.Client, since every fetch here goes
// through a real browser.
package fetcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ferrum-labs/iris/cache"
	"github.com/ferrum-labs/iris/config"
	"github.com/ferrum-labs/iris/driver"
	extractorhtml "github.com/ferrum-labs/iris/extractor/html"
	extractorpdf "github.com/ferrum-labs/iris/extractor/pdf"
	"github.com/ferrum-labs/iris/fetchmodel"
	"github.com/ferrum-labs/iris/logger"
	"github.com/ferrum-labs/iris/ratelimit"
	"github.com/ferrum-labs/iris/robots"
	irisurl "github.com/ferrum-labs/iris/url"
)

// maxBatchSize is the hard cap spec.md §4.1 places on one /batch call.
const maxBatchSize = 10

// Fetcher is the fetch orchestrator: one instance is shared across all
// requests for the lifetime of the process.
type Fetcher struct {
	config  *config.Config
	driver  driver.Driver
	cache   *cache.ResponseCache
	limiter *ratelimit.Limiter
	robots  *robots.Checker
	html    *extractorhtml.Extractor
	pdf     *extractorpdf.Extractor
	log     logger.Logger

	pageSem chan struct{}
}

// New builds a Fetcher. log may be nil, in which case a no-op logger is used.
func New(cfg *config.Config, drv driver.Driver, respCache *cache.ResponseCache, limiter *ratelimit.Limiter, robotsChecker *robots.Checker, log logger.Logger) *Fetcher {
	if log == nil {
		log = logger.Noop()
	}
	log = log.WithComponent("fetcher")

	var sem chan struct{}
	if cfg.Browser.MaxConcurrentPages > 0 {
		sem = make(chan struct{}, cfg.Browser.MaxConcurrentPages)
	}

	return &Fetcher{
		config:  cfg,
		driver:  drv,
		cache:   respCache,
		limiter: limiter,
		robots:  robotsChecker,
		html:    extractorhtml.New(),
		pdf:     extractorpdf.New(),
		log:     log,
		pageSem: sem,
	}
}

// Fetch runs the full single-URL pipeline. It never returns an error: every
// failure mode is surfaced as a populated FetchResult.Error.
func (f *Fetcher) Fetch(ctx context.Context, req fetchmodel.FetchRequest) *fetchmodel.FetchResult {
	start := time.Now()
	result := f.fetch(ctx, req)
	result.ElapsedMs = time.Since(start).Milliseconds()
	return result
}

// FetchBatch runs up to maxBatchSize fetches concurrently, independently
// gated by rate limiting and the concurrency semaphore. A single item's
// failure never fails the batch call.
func (f *Fetcher) FetchBatch(ctx context.Context, reqs []fetchmodel.FetchRequest) (*fetchmodel.BatchResponse, error) {
	if len(reqs) > maxBatchSize {
		return nil, fmt.Errorf("batch of %d requests exceeds the maximum of %d", len(reqs), maxBatchSize)
	}

	results := make([]fetchmodel.FetchResult, len(reqs))

	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req fetchmodel.FetchRequest) {
			defer wg.Done()
			results[i] = *f.Fetch(ctx, req)
		}(i, req)
	}
	wg.Wait()

	return &fetchmodel.BatchResponse{Results: results}, nil
}

func (f *Fetcher) fetch(ctx context.Context, req fetchmodel.FetchRequest) *fetchmodel.FetchResult {
	reqLog := f.log.WithContext(ctx)

	if _, err := irisurl.ParseAndValidate(req.URL); err != nil {
		return errResult(req.URL, fetchmodel.NewFetchError(fetchmodel.ErrorKindInvalidURL, err.Error(), 0))
	}

	resolved := f.config.GetConfigForURL(req.URL)
	waitStrategy := req.EffectiveWaitStrategy()
	maxContentLength := resolvedMaxContentLength(resolved)

	fingerprint, cacheEnabled := f.computeFingerprint(reqLog, req, resolved, waitStrategy, maxContentLength)
	if cacheEnabled {
		if cached, ok := f.cache.Get(ctx, fingerprint); ok {
			return cached
		}
	}

	if resolved.Fetch.RespectRobotsTxt && !f.robots.Allowed(ctx, req.URL) {
		return errResult(req.URL, fetchmodel.NewFetchError(fetchmodel.ErrorKindBlockedByRobotsTxt, "disallowed by robots.txt", 0))
	}

	if err := f.limiter.Acquire(ctx, req.URL); err != nil {
		return errResult(req.URL, classifyWaitError(err))
	}
	defer f.limiter.Release(req.URL)

	if err := f.acquirePageSlot(ctx); err != nil {
		return errResult(req.URL, classifyWaitError(err))
	}
	defer f.releasePageSlot()

	result := f.attemptLoop(ctx, reqLog, req, resolved, waitStrategy, maxContentLength)

	result.ContentText = truncateUTF8(result.ContentText, maxContentLength)

	if cacheEnabled && result.Error == nil {
		f.cache.Put(ctx, fingerprint, *result, resolved.Cache.TTL)
	}

	return result
}

func (f *Fetcher) attemptLoop(ctx context.Context, reqLog logger.Logger, req fetchmodel.FetchRequest, resolved config.ResolvedConfig, waitStrategy fetchmodel.WaitStrategy, maxContentLength int) *fetchmodel.FetchResult {
	maxRetries := resolved.Retry.MaxRetries

	var result *fetchmodel.FetchResult
	for attempt := 0; attempt <= maxRetries; attempt++ {
		result = f.attempt(ctx, req, resolved, waitStrategy, maxContentLength)
		if result.Error == nil {
			return result
		}
		if !result.Error.Retryable || attempt == maxRetries {
			return result
		}

		reqLog.Warn("fetch attempt failed, retrying", "url", req.URL, "attempt", attempt, "kind", result.Error.Kind)

		if err := sleep(ctx, calculateBackoff(resolved.Retry, attempt)); err != nil {
			return errResult(req.URL, classifyWaitError(err))
		}
	}

	return result
}

func (f *Fetcher) computeFingerprint(reqLog logger.Logger, req fetchmodel.FetchRequest, resolved config.ResolvedConfig, waitStrategy fetchmodel.WaitStrategy, maxContentLength int) (string, bool) {
	if !req.Cache || !resolved.Cache.IsEnabled() {
		return "", false
	}

	fp, err := cache.Fingerprint(cache.FingerprintInput{
		URL:              req.URL,
		RenderJS:         true,
		RespectRobotsTxt: resolved.Fetch.RespectRobotsTxt,
		MaxContentLength: maxContentLength,
		HeaderDigest:     cache.HeaderDigest(req.Headers),
		Screenshot:       req.Screenshot,
		WaitStrategy:     string(waitStrategy),
		WaitForSelector:  req.WaitForSelector,
		ExtractText:      req.ExtractText,
		ExtractMetadata:  req.ExtractMetadata,
		ExtractLinks:     req.ExtractLinks,
	})
	if err != nil {
		reqLog.Warn("failed to compute cache fingerprint", "url", req.URL, "error", err)
		return "", false
	}

	return fp, true
}

func (f *Fetcher) acquirePageSlot(ctx context.Context) error {
	if f.pageSem == nil {
		return nil
	}
	select {
	case f.pageSem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Fetcher) releasePageSlot() {
	if f.pageSem == nil {
		return
	}
	<-f.pageSem
}

func resolvedMaxContentLength(resolved config.ResolvedConfig) int {
	if resolved.Fetch.MaxContentLength > 0 {
		return resolved.Fetch.MaxContentLength
	}
	return 5 * 1024 * 1024
}

func errResult(url string, ferr *fetchmodel.FetchError) *fetchmodel.FetchResult {
	return &fetchmodel.FetchResult{URL: url, Error: ferr}
}
