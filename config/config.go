package config

import (
	"fmt"
	"maps"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.yaml.in/yaml/v2"
)

const (
	// DefaultUserAgent is the default User-Agent header used when none is specified.
	DefaultUserAgent = "iris/1.0 (webpage fetcher; +https://github.com/ferrum-labs/iris)"
)

// Config is the top-level service configuration. Most fields are populated
// from IRIS_-prefixed environment variables by Load; Sites holds optional
// per-pattern overrides loaded from an IRIS_CONFIG_FILE YAML overlay.
type Config struct {
	Addr     string
	RedisURL string
	LogLevel string

	Browser BrowserConfig
	Default DefaultConfig
	Sites   []SiteConfig `yaml:"sites"`
}

// BrowserConfig holds process-wide headless-browser settings: these apply to
// every fetch regardless of per-domain overrides, since there is exactly one
// browser instance per process.
type BrowserConfig struct {
	// Type selects the browser engine. Only "chromium" is implemented; the
	// field exists so firefox/webkit can be wired in without a wire-contract
	// change, per spec.md's BROWSER_TYPE enum.
	Type string
	// Headless is read from IRIS_HEADLESS and logged at startup. ChromeDriver
	// always launches Chrome headless; this value does not change that.
	Headless bool
	// PageTimeout bounds a single attempt's navigation + wait phase.
	PageTimeout time.Duration
	// WaitAfterLoadMs is the default extra sleep after WaitStrategy resolves,
	// used when a FetchRequest does not override it.
	WaitAfterLoadMs int
	// MaxConcurrentPages sizes the global browser-tab semaphore.
	MaxConcurrentPages int
	// TestingMode disables the real browser driver in favor of a stub,
	// for CI environments without a Chrome binary.
	TestingMode bool
}

// DefaultConfig holds the baseline settings applied to every fetch unless a
// site override matches.
type DefaultConfig struct {
	Cache     CacheConfig
	Fetch     FetchConfig
	RateLimit RateLimitConfig
	Retry     RetryConfig
}

// ResolvedConfig is the final merged configuration for a specific URL,
// combining defaults with any matching site override.
type ResolvedConfig struct {
	Cache     CacheConfig
	Fetch     FetchConfig
	RateLimit RateLimitConfig
	Retry     RetryConfig
}

// GetConfigForURL returns the merged configuration for a given URL.
func (c *Config) GetConfigForURL(urlStr string) ResolvedConfig {
	resolved := ResolvedConfig{
		Cache:     c.Default.Cache,
		Fetch:     c.Default.Fetch,
		RateLimit: c.Default.RateLimit,
		Retry:     c.Default.Retry,
	}
	for _, site := range c.Sites {
		if !matchPattern(urlStr, site.Pattern) {
			continue
		}
		if site.Cache != nil {
			resolved.Cache = mergeCache(resolved.Cache, *site.Cache)
		}
		if site.Fetch != nil {
			resolved.Fetch = mergeFetch(resolved.Fetch, *site.Fetch)
		}
		if site.RateLimit != nil {
			resolved.RateLimit = mergeRateLimit(resolved.RateLimit, *site.RateLimit)
		}
		if site.Retry != nil {
			resolved.Retry = mergeRetry(resolved.Retry, *site.Retry)
		}
	}
	return resolved
}

// CacheConfig defines caching behavior for fetched resources.
type CacheConfig struct {
	// TTL is how long cached content remains valid. Zero disables caching.
	TTL time.Duration `yaml:"ttl,omitempty"`
	// StaleTime is loaded and merged like the other cache settings, but the
	// response cache does not read it: no stale content is served and no
	// background refresh runs.
	StaleTime time.Duration `yaml:"stale_time,omitempty"`
}

// IsEnabled returns true if caching is enabled.
func (c *CacheConfig) IsEnabled() bool {
	return c.TTL > 0
}

// FetchConfig defines how to fetch a resource: HTTP client settings, browser
// rendering, robots.txt compliance, and SSRF protection.
type FetchConfig struct {
	// RenderJS enables headless-browser rendering for JavaScript-heavy pages.
	RenderJS bool `yaml:"render_js,omitempty"`
	// Timeout is the total request timeout including redirects.
	Timeout time.Duration `yaml:"timeout,omitempty"`
	// UserAgent is the User-Agent header. Defaults to DefaultUserAgent if empty.
	UserAgent string `yaml:"user_agent,omitempty"`
	// Headers are additional HTTP headers to include in requests.
	Headers map[string]string `yaml:"headers,omitempty"`
	// RespectRobotsTxt enables robots.txt checking before fetching.
	RespectRobotsTxt bool `yaml:"respect_robots_txt,omitempty"`
	// RobotsTxtCacheTTL is how long to cache robots.txt (default: 24h).
	RobotsTxtCacheTTL time.Duration `yaml:"robots_txt_cache_ttl,omitempty"`
	// MaxContentLength caps the number of content_text bytes returned (0 = service default).
	MaxContentLength int `yaml:"max_content_length,omitempty"`
	// EnableSSRFProtection blocks requests that resolve to private/loopback IPs.
	EnableSSRFProtection bool `yaml:"enable_ssrf_protection,omitempty"`
	// MaxRedirects is the maximum number of redirects to follow (default: 10, 0 disables).
	MaxRedirects int `yaml:"max_redirects,omitempty"`
}

// GetMaxRedirects returns the max number of redirects with a default of 10.
func (f *FetchConfig) GetMaxRedirects() int {
	if f.MaxRedirects > 0 {
		return f.MaxRedirects
	}
	return 10
}

// GetHeaders returns the headers to use for a request.
func (f *FetchConfig) GetHeaders() map[string]string {
	headers := make(map[string]string)
	if f.UserAgent != "" {
		headers["User-Agent"] = f.UserAgent
	} else {
		headers["User-Agent"] = DefaultUserAgent
	}
	maps.Copy(headers, f.Headers)
	return headers
}

// GetRobotsTxtCacheTTL returns the robots.txt cache TTL with a default of 24 hours.
func (f *FetchConfig) GetRobotsTxtCacheTTL() time.Duration {
	if f.RobotsTxtCacheTTL > 0 {
		return f.RobotsTxtCacheTTL
	}
	return 24 * time.Hour
}

// SiteConfig overrides defaults for URLs matching Pattern. Pattern supports
// wildcards: "*.example.com", "example.com/api/*", "*example*".
type SiteConfig struct {
	Pattern   string           `yaml:"pattern"`
	Cache     *CacheConfig     `yaml:"cache,omitempty"`
	Fetch     *FetchConfig     `yaml:"fetch,omitempty"`
	RateLimit *RateLimitConfig `yaml:"rate_limit,omitempty"`
	Retry     *RetryConfig     `yaml:"retry,omitempty"`
}

// RateLimitConfig defines rate limiting behavior to avoid overwhelming servers.
type RateLimitConfig struct {
	// RequestsPerSecond limits the rate of requests to a domain.
	RequestsPerSecond float64 `yaml:"requests_per_second,omitempty"`
	// Burst allows temporary bursts above the rate limit (token bucket algorithm).
	Burst int `yaml:"burst,omitempty"`
	// MaxConcurrent limits concurrent in-flight requests per domain (0 = unlimited).
	MaxConcurrent int `yaml:"max_concurrent,omitempty"`
	// RespectRetryAfter honors Retry-After headers from 429/503 responses.
	RespectRetryAfter bool `yaml:"respect_retry_after,omitempty"`
}

// IsEnabled returns true if any rate limiting is configured.
func (r *RateLimitConfig) IsEnabled() bool {
	return r.RequestsPerSecond > 0 || r.MaxConcurrent > 0 || r.RespectRetryAfter
}

// RetryConfig defines retry and exponential-backoff behavior for failed requests.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts (0 = no retries).
	MaxRetries int `yaml:"max_retries,omitempty"`
	// InitialDelay is the delay before the first retry (default: 1s).
	InitialDelay time.Duration `yaml:"initial_delay,omitempty"`
	// MaxDelay is the maximum delay between retries (default: 30s).
	MaxDelay time.Duration `yaml:"max_delay,omitempty"`
	// Multiplier for exponential backoff (default: 2.0).
	Multiplier float64 `yaml:"multiplier,omitempty"`
	// RetryOn specifies HTTP status codes to retry (default: [429, 500, 502, 503, 504]).
	RetryOn []int `yaml:"retry_on,omitempty"`
}

// IsEnabled returns true if retries are configured.
func (r *RetryConfig) IsEnabled() bool {
	return r.MaxRetries > 0
}

// GetInitialDelay returns the initial delay with a default of 1 second.
func (r *RetryConfig) GetInitialDelay() time.Duration {
	if r.InitialDelay > 0 {
		return r.InitialDelay
	}
	return time.Second
}

// GetMaxDelay returns the max delay with a default of 30 seconds.
func (r *RetryConfig) GetMaxDelay() time.Duration {
	if r.MaxDelay > 0 {
		return r.MaxDelay
	}
	return 30 * time.Second
}

// GetMultiplier returns the backoff multiplier with a default of 2.0.
func (r *RetryConfig) GetMultiplier() float64 {
	if r.Multiplier > 0 {
		return r.Multiplier
	}
	return 2.0
}

// GetRetryOn returns the status codes to retry on with defaults [429, 500, 502, 503, 504].
func (r *RetryConfig) GetRetryOn() []int {
	if len(r.RetryOn) > 0 {
		return r.RetryOn
	}
	return []int{429, 500, 502, 503, 504}
}

// ShouldRetry returns true if the given status code should be retried.
func (r *RetryConfig) ShouldRetry(statusCode int) bool {
	return slices.Contains(r.GetRetryOn(), statusCode)
}

// Load builds a Config from IRIS_-prefixed environment variables and, if
// IRIS_CONFIG_FILE is set and readable, merges in its YAML site overlays.
func Load() (*Config, error) {
	cfg := &Config{
		Addr:     getEnv("IRIS_ADDR", ":8080"),
		RedisURL: getEnv("IRIS_REDIS_URL", ""),
		LogLevel: getEnv("IRIS_LOG_LEVEL", "info"),
		Browser: BrowserConfig{
			Type:               getEnv("IRIS_BROWSER_TYPE", "chromium"),
			Headless:           getEnvBool("IRIS_HEADLESS", true),
			PageTimeout:        getEnvMillis("IRIS_PAGE_TIMEOUT_MS", 30*time.Second),
			WaitAfterLoadMs:    getEnvInt("IRIS_WAIT_AFTER_LOAD_MS", 0),
			MaxConcurrentPages: getEnvInt("IRIS_MAX_CONCURRENT_PAGES", 4),
			TestingMode:        getEnvBool("IRIS_TESTING_MODE", false),
		},
		Default: DefaultConfig{
			Cache: CacheConfig{
				TTL:       getEnvDuration("IRIS_CACHE_TTL", 5*time.Minute),
				StaleTime: getEnvDuration("IRIS_CACHE_STALE_TIME", time.Hour),
			},
			Fetch: FetchConfig{
				RenderJS:             getEnvBool("IRIS_DEFAULT_RENDER_JS", false),
				Timeout:              getEnvDuration("IRIS_FETCH_TIMEOUT", 30*time.Second),
				UserAgent:            getEnv("IRIS_USER_AGENT", DefaultUserAgent),
				RespectRobotsTxt:     getEnvBool("IRIS_RESPECT_ROBOTS_TXT", true),
				RobotsTxtCacheTTL:    getEnvDuration("IRIS_ROBOTS_CACHE_TTL", 24*time.Hour),
				MaxContentLength:     getEnvInt("IRIS_MAX_CONTENT_LENGTH", 5*1024*1024),
				EnableSSRFProtection: getEnvBool("IRIS_ENABLE_SSRF_PROTECTION", true),
			},
			RateLimit: RateLimitConfig{
				RequestsPerSecond: getEnvFloat("IRIS_RATE_LIMIT_RPS", 1.0),
				Burst:             getEnvInt("IRIS_RATE_LIMIT_BURST", 1),
				MaxConcurrent:     getEnvInt("IRIS_RATE_LIMIT_MAX_CONCURRENT", 2),
				RespectRetryAfter: true,
			},
			Retry: RetryConfig{
				MaxRetries:   getEnvInt("IRIS_RETRY_MAX_RETRIES", 2),
				InitialDelay: getEnvDuration("IRIS_RETRY_INITIAL_DELAY", time.Second),
				MaxDelay:     getEnvDuration("IRIS_RETRY_MAX_DELAY", 30*time.Second),
				Multiplier:   getEnvFloat("IRIS_RETRY_MULTIPLIER", 2.0),
			},
		},
	}

	if path := getEnv("IRIS_CONFIG_FILE", ""); path != "" {
		if _, err := os.Stat(path); err == nil {
			sites, err := loadSiteOverlay(path)
			if err != nil {
				return nil, fmt.Errorf("failed to load site overlay %s: %w", path, err)
			}
			cfg.Sites = sites
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

type siteOverlayFile struct {
	Sites []SiteConfig `yaml:"sites"`
}

func loadSiteOverlay(path string) ([]SiteConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var overlay siteOverlayFile
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return overlay.Sites, nil
}

// Validate checks the configuration for errors and conflicts.
func (c *Config) Validate() error {
	if err := c.validateRateLimit("default", c.Default.RateLimit); err != nil {
		return err
	}
	if err := c.validateRetry("default", c.Default.Retry); err != nil {
		return err
	}
	if err := c.validateFetch("default", c.Default.Fetch); err != nil {
		return err
	}
	if c.Browser.MaxConcurrentPages < 0 {
		return fmt.Errorf("browser: 'max_concurrent_pages' must be >= 0")
	}
	if c.Browser.PageTimeout < 0 {
		return fmt.Errorf("browser: 'page_timeout' must be >= 0")
	}

	for i, site := range c.Sites {
		if site.Pattern == "" {
			return fmt.Errorf("sites[%d]: pattern cannot be empty", i)
		}

		siteCtx := fmt.Sprintf("sites[%d](%s)", i, site.Pattern)

		if site.RateLimit != nil {
			if err := c.validateRateLimit(siteCtx, *site.RateLimit); err != nil {
				return err
			}
		}
		if site.Retry != nil {
			if err := c.validateRetry(siteCtx, *site.Retry); err != nil {
				return err
			}
		}
		if site.Fetch != nil {
			if err := c.validateFetch(siteCtx, *site.Fetch); err != nil {
				return err
			}
		}
	}

	return nil
}

func (c *Config) validateRateLimit(ctx string, rl RateLimitConfig) error {
	if rl.MaxConcurrent < 0 {
		return fmt.Errorf("%s.rate_limit: 'max_concurrent' must be >= 0", ctx)
	}
	return nil
}

func (c *Config) validateRetry(ctx string, r RetryConfig) error {
	if r.Multiplier > 0 && r.Multiplier < 1.0 {
		return fmt.Errorf("%s.retry: 'multiplier' must be >= 1.0 (got %.2f)", ctx, r.Multiplier)
	}
	if r.MaxRetries < 0 {
		return fmt.Errorf("%s.retry: 'max_retries' must be >= 0", ctx)
	}
	if r.MaxDelay > 0 && r.InitialDelay > r.MaxDelay {
		return fmt.Errorf("%s.retry: 'initial_delay' (%s) cannot be greater than 'max_delay' (%s)",
			ctx, r.InitialDelay, r.MaxDelay)
	}
	for _, code := range r.RetryOn {
		if code < 100 || code > 599 {
			return fmt.Errorf("%s.retry: invalid HTTP status code %d in 'retry_on'", ctx, code)
		}
	}
	return nil
}

func (c *Config) validateFetch(ctx string, f FetchConfig) error {
	if f.Timeout < 0 {
		return fmt.Errorf("%s.fetch: 'timeout' must be >= 0", ctx)
	}
	if f.RobotsTxtCacheTTL < 0 {
		return fmt.Errorf("%s.fetch: 'robots_txt_cache_ttl' must be >= 0", ctx)
	}
	if f.MaxContentLength < 0 {
		return fmt.Errorf("%s.fetch: 'max_content_length' must be >= 0", ctx)
	}
	if f.MaxRedirects < 0 {
		return fmt.Errorf("%s.fetch: 'max_redirects' must be >= 0", ctx)
	}
	return nil
}

func matchPattern(urlStr, pattern string) bool {
	parsedURL, err := url.Parse(urlStr)
	if err != nil || parsedURL.Host == "" {
		return urlStr == pattern
	}

	host := parsedURL.Host
	path := parsedURL.Path

	if strings.HasPrefix(pattern, "*.") {
		if strings.Contains(pattern, "/") {
			return matchWildcardDomainAndPath(host, path, pattern)
		}
		return matchWildcardDomain(host, pattern[2:])
	}

	if strings.Contains(pattern, "/") {
		return matchHostAndPath(host, path, pattern)
	}

	if strings.Contains(pattern, "*") {
		return matchWildcardHost(host, pattern)
	}

	return host == pattern
}

func matchWildcardDomain(host, domain string) bool {
	return host == domain || strings.HasSuffix(host, "."+domain)
}

func matchWildcardDomainAndPath(host, path, pattern string) bool {
	parts := strings.SplitN(pattern, "/", 2)
	if len(parts) != 2 {
		return false
	}

	domainPattern := parts[0]
	if len(domainPattern) < 2 {
		return false
	}

	pathPattern := "/" + parts[1]

	domain := domainPattern[2:]
	if !matchWildcardDomain(host, domain) {
		return false
	}

	return matchPathPattern(path, pathPattern)
}

func matchWildcardHost(host, pattern string) bool {
	if strings.HasPrefix(pattern, "*") && strings.HasSuffix(pattern, "*") {
		substring := strings.Trim(pattern, "*")
		return strings.Contains(host, substring)
	}

	if after, ok := strings.CutPrefix(pattern, "*"); ok {
		return strings.HasSuffix(host, after)
	}

	if strings.HasSuffix(pattern, "*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(host, prefix)
	}

	return false
}

func matchHostAndPath(host, path, pattern string) bool {
	parts := strings.SplitN(pattern, "/", 2)
	hostPattern := parts[0]
	pathPattern := "/" + parts[1]

	if !matchHostPattern(host, hostPattern) {
		return false
	}

	return matchPathPattern(path, pathPattern)
}

func matchHostPattern(host, pattern string) bool {
	if strings.HasPrefix(pattern, "*") && strings.HasSuffix(pattern, "*") {
		substring := strings.Trim(pattern, "*")
		return strings.Contains(host, substring)
	}

	if after, ok := strings.CutPrefix(pattern, "*"); ok {
		return strings.HasSuffix(host, after)
	}

	if strings.HasSuffix(pattern, "*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(host, prefix)
	}

	return host == pattern
}

func matchPathPattern(path, pattern string) bool {
	if strings.HasSuffix(pattern, "*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(path, prefix)
	}
	return path == pattern
}

func mergeCache(base, override CacheConfig) CacheConfig {
	result := base
	if override.TTL != 0 {
		result.TTL = override.TTL
	}
	if override.StaleTime != 0 {
		result.StaleTime = override.StaleTime
	}
	return result
}

func mergeFetch(base, override FetchConfig) FetchConfig {
	result := base

	result.RenderJS = override.RenderJS

	if override.Timeout != 0 {
		result.Timeout = override.Timeout
	}
	if override.UserAgent != "" {
		result.UserAgent = override.UserAgent
	}

	if result.Headers == nil {
		result.Headers = make(map[string]string)
	}
	maps.Copy(result.Headers, override.Headers)

	result.RespectRobotsTxt = override.RespectRobotsTxt
	if override.RobotsTxtCacheTTL > 0 {
		result.RobotsTxtCacheTTL = override.RobotsTxtCacheTTL
	}
	if override.MaxContentLength > 0 {
		result.MaxContentLength = override.MaxContentLength
	}
	if override.EnableSSRFProtection {
		result.EnableSSRFProtection = true
	}
	if override.MaxRedirects > 0 {
		result.MaxRedirects = override.MaxRedirects
	}

	return result
}

func mergeRateLimit(base, override RateLimitConfig) RateLimitConfig {
	result := base
	if override.RequestsPerSecond > 0 {
		result.RequestsPerSecond = override.RequestsPerSecond
	}
	if override.Burst > 0 {
		result.Burst = override.Burst
	}
	if override.MaxConcurrent > 0 {
		result.MaxConcurrent = override.MaxConcurrent
	}
	result.RespectRetryAfter = override.RespectRetryAfter
	return result
}

func mergeRetry(base, override RetryConfig) RetryConfig {
	result := base
	if override.MaxRetries > 0 {
		result.MaxRetries = override.MaxRetries
	}
	if override.InitialDelay > 0 {
		result.InitialDelay = override.InitialDelay
	}
	if override.MaxDelay > 0 {
		result.MaxDelay = override.MaxDelay
	}
	if override.Multiplier > 0 {
		result.Multiplier = override.Multiplier
	}
	if len(override.RetryOn) > 0 {
		result.RetryOn = override.RetryOn
	}
	return result
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// getEnvMillis reads an integer count of milliseconds, per spec.md's _MS
// environment variable naming convention.
func getEnvMillis(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Millisecond
		}
	}
	return def
}
