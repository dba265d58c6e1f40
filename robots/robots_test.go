package robots

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ferrum-labs/iris/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestChecker(body string, status int) (*Checker, *httptest.Server) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	store := cache.NewMemoryStore(cache.StoreConfig{CleanupInterval: time.Hour})
	return New("testbot/1.0", time.Minute, srv.Client(), store), srv
}

func TestAllowedDisallowsMatchedPath(t *testing.T) {
	body := "User-agent: *\nDisallow: /private\n"
	checker, srv := newTestChecker(body, http.StatusOK)
	defer srv.Close()

	assert.False(t, checker.Allowed(t.Context(), srv.URL+"/private/page"))
	assert.True(t, checker.Allowed(t.Context(), srv.URL+"/public"))
}

func TestAllowedPrefersSpecificUserAgent(t *testing.T) {
	body := "User-agent: *\nDisallow: /\n\nUser-agent: testbot\nDisallow: /blocked\n"
	checker, srv := newTestChecker(body, http.StatusOK)
	defer srv.Close()

	assert.True(t, checker.Allowed(t.Context(), srv.URL+"/anything"))
	assert.False(t, checker.Allowed(t.Context(), srv.URL+"/blocked"))
}

func TestAllowedWildcardPattern(t *testing.T) {
	body := "User-agent: *\nDisallow: /*.pdf$\n"
	checker, srv := newTestChecker(body, http.StatusOK)
	defer srv.Close()

	assert.False(t, checker.Allowed(t.Context(), srv.URL+"/file.pdf"))
	assert.True(t, checker.Allowed(t.Context(), srv.URL+"/file.html"))
}

func TestAllowedFailsOpenOnFetchError(t *testing.T) {
	checker, srv := newTestChecker("", http.StatusInternalServerError)
	defer srv.Close()

	assert.True(t, checker.Allowed(t.Context(), srv.URL+"/anything"))
}

func TestAllowedFailsOpenOnMissingHost(t *testing.T) {
	store := cache.NewMemoryStore(cache.StoreConfig{CleanupInterval: time.Hour})
	checker := New("testbot/1.0", time.Minute, nil, store)

	assert.True(t, checker.Allowed(t.Context(), "not-a-url"))
}

func TestAllowed404MeansNoRules(t *testing.T) {
	checker, srv := newTestChecker("", http.StatusNotFound)
	defer srv.Close()

	assert.True(t, checker.Allowed(t.Context(), srv.URL+"/anything"))
}

func TestFetchFailureCachesSentinel(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := cache.NewMemoryStore(cache.StoreConfig{CleanupInterval: time.Hour})
	checker := New("testbot/1.0", time.Minute, srv.Client(), store)

	assert.True(t, checker.Allowed(t.Context(), srv.URL+"/a"))
	assert.True(t, checker.Allowed(t.Context(), srv.URL+"/b"))
	assert.Equal(t, 1, hits, "second lookup should hit the sentinel cache, not refetch")
}

func TestSuccessfulFetchIsCached(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("User-agent: *\nDisallow: /private\n"))
	}))
	defer srv.Close()

	store := cache.NewMemoryStore(cache.StoreConfig{CleanupInterval: time.Hour})
	checker := New("testbot/1.0", time.Minute, srv.Client(), store)

	assert.False(t, checker.Allowed(t.Context(), srv.URL+"/private"))
	assert.False(t, checker.Allowed(t.Context(), srv.URL+"/private"))
	assert.Equal(t, 1, hits)
}

func TestFetchAndParseStopsAtMaxRedirects(t *testing.T) {
	var mux http.ServeMux
	srv := httptest.NewServer(&mux)
	defer srv.Close()

	hops := 0
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		hops++
		http.Redirect(w, r, "/robots.txt", http.StatusFound)
	})

	store := cache.NewMemoryStore(cache.StoreConfig{CleanupInterval: time.Hour})
	checker := New("testbot/1.0", time.Minute, srv.Client(), store)

	_, _, err := checker.fetchAndParse(t.Context(), srv.URL+"/robots.txt")
	require.Error(t, err)
}

func TestGetCrawlDelay(t *testing.T) {
	body := "User-agent: *\nCrawl-delay: 2\n"
	checker, srv := newTestChecker(body, http.StatusOK)
	defer srv.Close()

	assert.Equal(t, 2*time.Second, checker.GetCrawlDelay(t.Context(), srv.URL+"/page"))
}

func TestRulesIsAllowedLongestMatchWins(t *testing.T) {
	rules := &Rules{
		Disallows: []string{"/"},
		Allows:    []string{"/public"},
	}
	assert.True(t, rules.isAllowed("/public/page"))
	assert.False(t, rules.isAllowed("/private"))
}
