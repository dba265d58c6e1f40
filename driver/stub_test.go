package driver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStubDriverNavigateCapturesResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "iris-test-agent", r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte(`<html><body id="hero">hi</body></html>`))
	}))
	defer server.Close()

	d := NewStub(nil)
	page, err := d.NewPage(context.Background())
	require.NoError(t, err)
	defer page.Close()

	nav, err := page.Navigate(context.Background(), server.URL, nil, "iris-test-agent")
	require.NoError(t, err)
	assert.Equal(t, http.StatusTeapot, nav.StatusCode)
	assert.Equal(t, "text/html", nav.Headers.Get("Content-Type"))
	assert.Contains(t, string(nav.HTML), "hi")
}

func TestStubDriverWaitSelectorMatchesSubstring(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body id="hero">hi</body></html>`))
	}))
	defer server.Close()

	d := NewStub(nil)
	page, err := d.NewPage(context.Background())
	require.NoError(t, err)
	defer page.Close()

	_, err = page.Navigate(context.Background(), server.URL, nil, "")
	require.NoError(t, err)

	body, err := page.Wait(context.Background(), WaitRequest{Strategy: WaitSelector, Selector: "#hero"})
	require.NoError(t, err)
	assert.Contains(t, string(body), "hero")

	_, err = page.Wait(context.Background(), WaitRequest{Strategy: WaitSelector, Selector: "#missing"})
	assert.Error(t, err)
}

func TestStubDriverScreenshotUnsupported(t *testing.T) {
	d := NewStub(nil)
	page, err := d.NewPage(context.Background())
	require.NoError(t, err)
	defer page.Close()

	_, err = page.Screenshot(context.Background())
	assert.Error(t, err)
}

var _ Driver = (*StubDriver)(nil)
var _ Page = (*stubPage)(nil)
