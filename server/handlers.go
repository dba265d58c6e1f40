package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ferrum-labs/iris/cache"
	"github.com/ferrum-labs/iris/driver"
	"github.com/ferrum-labs/iris/fetcher"
	"github.com/ferrum-labs/iris/fetchmodel"
	"github.com/ferrum-labs/iris/logger"
	urlpkg "github.com/ferrum-labs/iris/url"
)

// maxBatchRequests mirrors fetcher.maxBatchSize; kept separate so the
// handler can return a 422 before ever calling into the fetcher.
const maxBatchRequests = 10

// healthCheckTimeout bounds how long GET /health will wait on a browser
// liveness probe before reporting the browser as down.
const healthCheckTimeout = 2 * time.Second

var hexDigest = regexp.MustCompile(`^[0-9a-f]{64}$`)

// ErrorResponse is the body returned for a malformed request (4xx). It is
// distinct from fetchmodel.FetchError: a FetchError describes a failed
// *fetch*, this describes a rejected *API call*.
type ErrorResponse struct {
	Error      string `json:"error"`
	StatusCode int    `json:"status_code"`
}

type healthResponse struct {
	Status  string        `json:"status"`
	Browser browserHealth `json:"browser"`
	Cache   cacheHealth   `json:"cache"`
	Version string        `json:"version"`
}

type browserHealth struct {
	Up   bool   `json:"up"`
	Type string `json:"type"`
}

type cacheHealth struct {
	Up     bool  `json:"up"`
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// Handler contains the HTTP handlers for the fetch API.
type Handler struct {
	fetcher     *fetcher.Fetcher
	cache       *cache.ResponseCache
	driver      driver.Driver
	browserType string
	version     string
	logger      logger.Logger
}

// NewHandler creates a new Handler.
func NewHandler(f *fetcher.Fetcher, respCache *cache.ResponseCache, drv driver.Driver, browserType, version string, log logger.Logger) *Handler {
	if log == nil {
		log = logger.Noop()
	}
	return &Handler{
		fetcher:     f,
		cache:       respCache,
		driver:      drv,
		browserType: browserType,
		version:     version,
		logger:      log,
	}
}

// HandleFetch handles POST /fetch. The HTTP status is 200 whenever the
// service itself is reachable: a failed fetch is carried in the response
// body's error field, per spec.md §6.
func (h *Handler) HandleFetch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req fetchmodel.FetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, "invalid JSON body", http.StatusUnprocessableEntity)
		return
	}

	if err := validateFetchRequest(&req); err != nil {
		h.sendError(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	reqLog := h.logger.WithContext(ctx)
	reqLog.Info("fetch request", "url", req.URL)

	result := h.fetcher.Fetch(ctx, req)

	reqLog.Info("fetch completed",
		"url", result.URL,
		"status_code", result.StatusCode,
		"cached", result.Cached,
	)

	h.sendJSON(w, result, http.StatusOK)
}

// HandleBatch handles POST /batch. Each item's failure is carried in that
// item's FetchResult; only a malformed request or an oversized batch
// rejects the call itself.
func (h *Handler) HandleBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req fetchmodel.BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, "invalid JSON body", http.StatusUnprocessableEntity)
		return
	}

	if len(req.Requests) == 0 {
		h.sendError(w, "requests must not be empty", http.StatusUnprocessableEntity)
		return
	}
	if len(req.Requests) > maxBatchRequests {
		h.sendError(w, fmt.Sprintf("batch of %d requests exceeds the maximum of %d", len(req.Requests), maxBatchRequests), http.StatusUnprocessableEntity)
		return
	}
	for i := range req.Requests {
		if err := validateFetchRequest(&req.Requests[i]); err != nil {
			h.sendError(w, fmt.Sprintf("request %d: %s", i, err.Error()), http.StatusUnprocessableEntity)
			return
		}
	}

	h.logger.Info("batch fetch request", "count", len(req.Requests))

	resp, err := h.fetcher.FetchBatch(ctx, req.Requests)
	if err != nil {
		h.sendError(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	h.sendJSON(w, resp, http.StatusOK)
}

// HandleHealth handles GET /health.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	browserUp := h.checkBrowser(ctx)
	cacheUp := h.cache.Ping(ctx) == nil
	hits, misses := h.cache.Stats()

	status := "ok"
	if !browserUp || !cacheUp {
		status = "degraded"
	}

	h.sendJSON(w, healthResponse{
		Status: status,
		Browser: browserHealth{
			Up:   browserUp,
			Type: h.browserType,
		},
		Cache: cacheHealth{
			Up:     cacheUp,
			Hits:   hits,
			Misses: misses,
		},
		Version: h.version,
	}, http.StatusOK)
}

// checkBrowser probes browser liveness by opening and immediately closing a
// scoped page. A real navigation is deliberately not attempted here: the
// probe only needs to confirm the driver can still allocate a page.
func (h *Handler) checkBrowser(ctx context.Context) bool {
	page, err := h.driver.NewPage(ctx)
	if err != nil {
		return false
	}
	page.Close()
	return true
}

// HandleCacheDelete handles DELETE /cache/{hash}.
func (h *Handler) HandleCacheDelete(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	if !hexDigest.MatchString(hash) {
		h.sendError(w, "malformed cache hash, expected 64 lowercase hex characters", http.StatusBadRequest)
		return
	}

	if err := h.cache.Invalidate(r.Context(), hash); err != nil {
		h.logger.Error("cache invalidate failed", "hash", hash, "error", err)
	}

	w.WriteHeader(http.StatusNoContent)
}

// validateFetchRequest rejects a request that can never reach the fetcher
// usefully: an empty URL, a syntactically unparseable one, one that
// resolves to a private/loopback address (SSRF), or malformed wait
// parameters. It deliberately does NOT reject a non-http(s) scheme (e.g.
// ftp://): per spec.md §8, that case must still reach the fetcher so it
// comes back as a 200 with a FetchResult.Error of kind invalid_url, not a
// 422 at the API boundary.
func validateFetchRequest(req *fetchmodel.FetchRequest) error {
	if req.URL == "" {
		return fmt.Errorf("url is required")
	}
	if err := urlpkg.ValidateExternal(req.URL); err != nil {
		return err
	}

	switch req.WaitStrategy {
	case "", fetchmodel.WaitLoad, fetchmodel.WaitDOMContentLoaded, fetchmodel.WaitNetworkIdle, fetchmodel.WaitSelector, fetchmodel.WaitTimeout:
	default:
		return fmt.Errorf("unknown wait_strategy %q", req.WaitStrategy)
	}
	if req.WaitStrategy == fetchmodel.WaitSelector && req.WaitForSelector == "" {
		return fmt.Errorf("wait_strategy \"selector\" requires wait_for_selector")
	}
	if req.TimeoutMs < 0 {
		return fmt.Errorf("timeout_ms must be non-negative")
	}
	if req.WaitAfterLoadMs < 0 {
		return fmt.Errorf("wait_after_load_ms must be non-negative")
	}

	return nil
}

func (h *Handler) sendJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) sendError(w http.ResponseWriter, message string, statusCode int) {
	h.sendJSON(w, ErrorResponse{Error: message, StatusCode: statusCode}, statusCode)
}
