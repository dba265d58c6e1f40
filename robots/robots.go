// Package robots checks whether a URL may be fetched according to the
// target origin's robots.txt, with a shared Redis-or-fallback cache for
// parsed rule tables and fail-open sentinel caching on fetch failure.
package robots

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ferrum-labs/iris/cache"
)

// sentinelTTL is the cache lifetime for a fail-open "allow all" entry,
// short enough to retry the real robots.txt soon but long enough to avoid
// hammering a domain that is transiently failing.
const sentinelTTL = 5 * time.Minute

// maxRedirects is the number of same-scheme redirects followed when
// fetching /robots.txt before giving up and failing open.
const maxRedirects = 2

// Checker verifies if URLs can be fetched according to robots.txt rules.
type Checker struct {
	userAgent string
	client    *http.Client
	store     cache.Store
	cacheTTL  time.Duration
}

// cachedRobots is the JSON-serialized cache payload for one origin.
type cachedRobots struct {
	Rules      *Rules `json:"rules"`
	CrawlDelay int64  `json:"crawl_delay_ns"`
	Sentinel   bool   `json:"sentinel"`
}

// Rules holds parsed robots.txt directives for a specific user agent.
type Rules struct {
	UserAgent string   `json:"user_agent"`
	Disallows []string `json:"disallows"`
	Allows    []string `json:"allows"`
}

// New creates a robots.txt checker. store backs the parsed-rules cache;
// pass a cache.MemoryStore for a process-local cache or a cache.RedisStore
// to share state across replicas.
func New(userAgent string, cacheTTL time.Duration, client *http.Client, store cache.Store) *Checker {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &Checker{userAgent: userAgent, client: client, store: store, cacheTTL: cacheTTL}
}

// Allowed reports whether urlStr may be fetched under this checker's
// user agent. Any failure to retrieve or parse robots.txt fails open: the
// URL is treated as allowed and a short-TTL sentinel is cached so repeated
// lookups against a broken origin don't keep re-fetching.
func (c *Checker) Allowed(ctx context.Context, urlStr string) bool {
	parsedURL, err := url.Parse(urlStr)
	if err != nil || parsedURL.Host == "" {
		return true
	}

	robotsURL := fmt.Sprintf("%s://%s/robots.txt", parsedURL.Scheme, parsedURL.Host)
	rules, err := c.getRules(ctx, robotsURL, parsedURL.Host)
	if err != nil || rules == nil {
		return true
	}

	path := parsedURL.Path
	if parsedURL.RawQuery != "" {
		path = path + "?" + parsedURL.RawQuery
	}

	return rules.isAllowed(path)
}

// GetCrawlDelay returns the crawl delay for a domain, or 0 if none specified
// or the lookup fails.
func (c *Checker) GetCrawlDelay(ctx context.Context, urlStr string) time.Duration {
	parsedURL, err := url.Parse(urlStr)
	if err != nil || parsedURL.Host == "" {
		return 0
	}

	robotsURL := fmt.Sprintf("%s://%s/robots.txt", parsedURL.Scheme, parsedURL.Host)
	if _, err := c.getRules(ctx, robotsURL, parsedURL.Host); err != nil {
		return 0
	}

	cached, ok := c.getCached(ctx, parsedURL.Host)
	if !ok {
		return 0
	}
	return time.Duration(cached.CrawlDelay)
}

func (c *Checker) getRules(ctx context.Context, robotsURL, host string) (*Rules, error) {
	if cached, ok := c.getCached(ctx, host); ok {
		if cached.Sentinel {
			return nil, nil // cached fail-open: still allowed, no rules to apply
		}
		return cached.Rules, nil
	}

	rules, crawlDelay, err := c.fetchAndParse(ctx, robotsURL)
	if err != nil {
		c.putCached(ctx, host, &cachedRobots{Sentinel: true}, sentinelTTL)
		return nil, nil
	}

	c.putCached(ctx, host, &cachedRobots{Rules: rules, CrawlDelay: int64(crawlDelay)}, c.cacheTTL)
	return rules, nil
}

func (c *Checker) getCached(ctx context.Context, host string) (*cachedRobots, bool) {
	data, ok, err := c.store.Get(ctx, "robots:"+host)
	if err != nil || !ok {
		return nil, false
	}
	var cached cachedRobots
	if err := json.Unmarshal(data, &cached); err != nil {
		return nil, false
	}
	return &cached, true
}

func (c *Checker) putCached(ctx context.Context, host string, entry *cachedRobots, ttl time.Duration) {
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	_ = c.store.Set(ctx, "robots:"+host, data, ttl)
}

// fetchAndParse fetches and parses robots.txt, following up to maxRedirects
// same-scheme redirects. A redirect that changes scheme, or exceeds the hop
// limit, is treated as a fetch failure (caller fails open).
func (c *Checker) fetchAndParse(ctx context.Context, robotsURL string) (*Rules, time.Duration, error) {
	initial, err := url.Parse(robotsURL)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid robots.txt url: %w", err)
	}

	client := *c.client
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) > maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		if req.URL.Scheme != initial.Scheme {
			return fmt.Errorf("refusing cross-scheme robots.txt redirect")
		}
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to fetch robots.txt: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, 0, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return parseRobotsTxt(resp.Body, c.userAgent)
}

// parseRobotsTxt parses robots.txt content for a specific user agent.
func parseRobotsTxt(body io.Reader, userAgent string) (*Rules, time.Duration, error) {
	scanner := bufio.NewScanner(body)
	parser := newRobotsParser(userAgent)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		directive, value := parseRobotsLine(line)
		if directive == "" {
			continue
		}

		parser.processDirective(directive, value)
	}

	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to read robots.txt: %w", err)
	}

	return parser.getResult()
}

// robotsParser manages the state during robots.txt parsing.
type robotsParser struct {
	userAgent          string
	specificRules      *Rules
	wildcardRules      *Rules
	specificCrawlDelay time.Duration
	wildcardCrawlDelay time.Duration
	matchesSpecific    bool
	matchesWildcard    bool
	foundSpecificMatch bool
}

func newRobotsParser(userAgent string) *robotsParser {
	return &robotsParser{
		userAgent:     userAgent,
		specificRules: &Rules{UserAgent: userAgent, Disallows: []string{}, Allows: []string{}},
		wildcardRules: &Rules{UserAgent: userAgent, Disallows: []string{}, Allows: []string{}},
	}
}

func parseRobotsLine(line string) (directive, value string) {
	parts := strings.SplitN(line, ":", 2)
	if len(parts) != 2 {
		return "", ""
	}
	return strings.TrimSpace(strings.ToLower(parts[0])), strings.TrimSpace(parts[1])
}

func (p *robotsParser) processDirective(directive, value string) {
	switch directive {
	case "user-agent":
		p.handleUserAgent(value)
	case "disallow":
		p.handleDisallow(value)
	case "allow":
		p.handleAllow(value)
	case "crawl-delay":
		p.handleCrawlDelay(value)
	}
}

func (p *robotsParser) handleUserAgent(value string) {
	currentUserAgent := strings.ToLower(value)
	switch {
	case currentUserAgent == "*":
		p.matchesWildcard = true
		p.matchesSpecific = false
	case strings.Contains(strings.ToLower(p.userAgent), currentUserAgent):
		p.matchesSpecific = true
		p.matchesWildcard = false
		p.foundSpecificMatch = true
	default:
		p.matchesSpecific = false
		p.matchesWildcard = false
	}
}

func (p *robotsParser) handleDisallow(value string) {
	if value == "" {
		return
	}
	if p.matchesSpecific {
		p.specificRules.Disallows = append(p.specificRules.Disallows, value)
	} else if p.matchesWildcard {
		p.wildcardRules.Disallows = append(p.wildcardRules.Disallows, value)
	}
}

func (p *robotsParser) handleAllow(value string) {
	if value == "" {
		return
	}
	if p.matchesSpecific {
		p.specificRules.Allows = append(p.specificRules.Allows, value)
	} else if p.matchesWildcard {
		p.wildcardRules.Allows = append(p.wildcardRules.Allows, value)
	}
}

func (p *robotsParser) handleCrawlDelay(value string) {
	seconds, err := time.ParseDuration(value + "s")
	if err != nil {
		return
	}
	if p.matchesSpecific && p.specificCrawlDelay == 0 {
		p.specificCrawlDelay = seconds
	} else if p.matchesWildcard && p.wildcardCrawlDelay == 0 {
		p.wildcardCrawlDelay = seconds
	}
}

func (p *robotsParser) getResult() (*Rules, time.Duration, error) {
	if p.foundSpecificMatch {
		return p.specificRules, p.specificCrawlDelay, nil
	}
	return p.wildcardRules, p.wildcardCrawlDelay, nil
}

// isAllowed checks if a path is allowed according to the rules, using
// longest-match-wins semantics between the Allow and Disallow rule sets.
func (r *Rules) isAllowed(path string) bool {
	if path == "" {
		path = "/"
	}

	var longestMatch string
	var isAllow bool

	for _, allow := range r.Allows {
		if matchesPath(path, allow) && len(allow) > len(longestMatch) {
			longestMatch = allow
			isAllow = true
		}
	}

	for _, disallow := range r.Disallows {
		if matchesPath(path, disallow) && len(disallow) > len(longestMatch) {
			longestMatch = disallow
			isAllow = false
		}
	}

	if longestMatch == "" {
		return true
	}

	return isAllow
}

func matchesPath(path, pattern string) bool {
	if pattern == "/" {
		return true
	}

	if strings.HasSuffix(pattern, "$") {
		pattern = strings.TrimSuffix(pattern, "$")
		if strings.Contains(pattern, "*") {
			return wildcardMatch(path, pattern)
		}
		return path == pattern
	}

	if strings.Contains(pattern, "*") {
		return wildcardMatch(path, pattern)
	}

	return strings.HasPrefix(path, pattern)
}

func wildcardMatch(path, pattern string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 0 {
		return false
	}

	if !strings.HasPrefix(path, parts[0]) {
		return false
	}

	currentPos := len(parts[0])
	for i := 1; i < len(parts)-1; i++ {
		if parts[i] == "" {
			continue
		}
		idx := strings.Index(path[currentPos:], parts[i])
		if idx == -1 {
			return false
		}
		currentPos += idx + len(parts[i])
	}

	if len(parts) > 1 && parts[len(parts)-1] != "" {
		return strings.HasSuffix(path, parts[len(parts)-1])
	}

	return true
}
