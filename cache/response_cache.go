package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ferrum-labs/iris/fetchmodel"
)

// ResponseCache stores FetchResults keyed by a content fingerprint. Backing
// store errors are logged by the caller and swallowed here: reads report a
// miss, writes are no-ops, so a cache outage degrades to "always fetch"
// rather than failing requests.
type ResponseCache struct {
	store Store
	onErr func(op string, err error)

	hits   atomic.Int64
	misses atomic.Int64
}

// NewResponseCache wraps store as a ResponseCache. onErr, if non-nil, is
// invoked with the failing operation name whenever the store errors; pass
// nil to ignore store errors silently.
func NewResponseCache(store Store, onErr func(op string, err error)) *ResponseCache {
	return &ResponseCache{store: store, onErr: onErr}
}

// Get looks up a previously cached FetchResult by fingerprint.
func (c *ResponseCache) Get(ctx context.Context, fingerprint string) (*fetchmodel.FetchResult, bool) {
	data, ok, err := c.store.Get(ctx, fingerprint)
	if err != nil {
		c.reportErr("get", err)
		c.misses.Add(1)
		return nil, false
	}
	if !ok {
		c.misses.Add(1)
		return nil, false
	}

	var stored fetchmodel.CacheEntry
	if err := json.Unmarshal(data, &stored); err != nil {
		c.reportErr("unmarshal", err)
		c.misses.Add(1)
		return nil, false
	}

	if !stored.IsFresh() {
		c.misses.Add(1)
		return nil, false
	}

	c.hits.Add(1)
	result := stored.Result
	result.Cached = true
	return &result, true
}

// Stats returns the cumulative hit/miss counts since the cache was created,
// for GET /health's cache section.
func (c *ResponseCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Ping reports whether the backing store is reachable. MemoryStore is
// always reachable; RedisStore delegates to its own connectivity check.
func (c *ResponseCache) Ping(ctx context.Context) error {
	if p, ok := c.store.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Put stores result under fingerprint with the given TTL.
func (c *ResponseCache) Put(ctx context.Context, fingerprint string, result fetchmodel.FetchResult, ttl time.Duration) {
	entry := fetchmodel.CacheEntry{
		Result:   result,
		StoredAt: time.Now(),
		TTL:      ttl,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		c.reportErr("marshal", err)
		return
	}

	if err := c.store.Set(ctx, fingerprint, data, ttl); err != nil {
		c.reportErr("set", err)
	}
}

// Invalidate removes the entry for fingerprint, if any.
func (c *ResponseCache) Invalidate(ctx context.Context, fingerprint string) error {
	return c.store.Delete(ctx, fingerprint)
}

func (c *ResponseCache) reportErr(op string, err error) {
	if c.onErr != nil {
		c.onErr(op, err)
	}
}

// FingerprintInput holds the fields hashed into a cache fingerprint. Two
// requests that differ only in field order or header casing must still
// normalize to the same fingerprint.
type FingerprintInput struct {
	URL              string
	RenderJS         bool
	RespectRobotsTxt bool
	MaxContentLength int
	HeaderDigest     string
	// Screenshot is folded into the fingerprint per spec: a request that
	// differs only in screenshot=true/false is a distinct cache entry.
	Screenshot bool
	// WaitStrategy and WaitForSelector are the resolved wait configuration,
	// also part of the fingerprint per spec.md §4.5's {wait_config} clause.
	WaitStrategy    string
	WaitForSelector string
	// ExtractText, ExtractMetadata, and ExtractLinks are the stable
	// projection of extract_flags spec.md §3/§4.5 require in the
	// fingerprint: two requests for the same URL that differ only in which
	// fields they ask to have extracted must not collide on one cache
	// entry, or one request's cache hit silently withholds content the
	// other explicitly asked for.
	ExtractText     bool
	ExtractMetadata bool
	ExtractLinks    bool
}

// Fingerprint computes the SHA-256 hex digest over the canonical JSON of
// {normalized_url, extract_flags, wait_config, custom_header_digest}, per
// the response-cache key contract: lowercased scheme/host, default port
// stripped, fragment removed, query parameters sorted.
func Fingerprint(in FingerprintInput) (string, error) {
	normalizedURL, err := normalizeURL(in.URL)
	if err != nil {
		return "", fmt.Errorf("failed to normalize url: %w", err)
	}

	canonical := struct {
		NormalizedURL    string `json:"normalized_url"`
		RenderJS         bool   `json:"render_js"`
		RespectRobotsTxt bool   `json:"respect_robots_txt"`
		MaxContentLength int    `json:"max_content_length"`
		HeaderDigest     string `json:"header_digest"`
		Screenshot       bool   `json:"screenshot"`
		WaitStrategy     string `json:"wait_strategy"`
		WaitForSelector  string `json:"wait_for_selector"`
		ExtractText      bool   `json:"extract_text"`
		ExtractMetadata  bool   `json:"extract_metadata"`
		ExtractLinks     bool   `json:"extract_links"`
	}{
		NormalizedURL:    normalizedURL,
		RenderJS:         in.RenderJS,
		RespectRobotsTxt: in.RespectRobotsTxt,
		MaxContentLength: in.MaxContentLength,
		HeaderDigest:     in.HeaderDigest,
		Screenshot:       in.Screenshot,
		WaitStrategy:     in.WaitStrategy,
		WaitForSelector:  in.WaitForSelector,
		ExtractText:      in.ExtractText,
		ExtractMetadata:  in.ExtractMetadata,
		ExtractLinks:     in.ExtractLinks,
	}

	data, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("failed to marshal fingerprint input: %w", err)
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// HeaderDigest computes a stable digest of a headers map so it can be
// folded into a FingerprintInput without the map itself affecting JSON key
// ordering.
func HeaderDigest(headers map[string]string) string {
	if len(headers) == 0 {
		return ""
	}

	lowered := make(map[string]string, len(headers))
	for k, v := range headers {
		lowered[strings.ToLower(k)] = v
	}

	keys := make([]string, 0, len(lowered))
	for k := range lowered {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(lowered[k])
		b.WriteByte(';')
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func normalizeURL(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}

	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.ToLower(stripDefaultPort(parsed.Scheme, parsed.Host))
	parsed.Fragment = ""

	if parsed.RawQuery != "" {
		values := parsed.Query()
		parsed.RawQuery = values.Encode() // url.Values.Encode sorts keys
	}

	return parsed.String(), nil
}

func stripDefaultPort(scheme, host string) string {
	switch scheme {
	case "http":
		return strings.TrimSuffix(host, ":80")
	case "https":
		return strings.TrimSuffix(host, ":443")
	default:
		return host
	}
}
