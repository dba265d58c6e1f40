package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	clearIrisEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Addr != ":8080" {
		t.Errorf("Addr = %q, want :8080", cfg.Addr)
	}
	if cfg.Default.Fetch.Timeout != 30*time.Second {
		t.Errorf("Fetch.Timeout = %v, want 30s", cfg.Default.Fetch.Timeout)
	}
	if cfg.Default.Fetch.MaxContentLength != 5*1024*1024 {
		t.Errorf("MaxContentLength = %d, want 5MiB", cfg.Default.Fetch.MaxContentLength)
	}
	if !cfg.Default.Fetch.RespectRobotsTxt {
		t.Errorf("RespectRobotsTxt default should be true")
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearIrisEnv(t)
	t.Setenv("IRIS_ADDR", ":9999")
	t.Setenv("IRIS_FETCH_TIMEOUT", "10s")
	t.Setenv("IRIS_RESPECT_ROBOTS_TXT", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Addr != ":9999" {
		t.Errorf("Addr = %q, want :9999", cfg.Addr)
	}
	if cfg.Default.Fetch.Timeout != 10*time.Second {
		t.Errorf("Fetch.Timeout = %v, want 10s", cfg.Default.Fetch.Timeout)
	}
	if cfg.Default.Fetch.RespectRobotsTxt {
		t.Errorf("RespectRobotsTxt should be false")
	}
}

func TestLoadDefaults_Browser(t *testing.T) {
	clearIrisEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Browser.Type != "chromium" {
		t.Errorf("Browser.Type = %q, want chromium", cfg.Browser.Type)
	}
	if cfg.Browser.MaxConcurrentPages != 4 {
		t.Errorf("Browser.MaxConcurrentPages = %d, want 4", cfg.Browser.MaxConcurrentPages)
	}
	if cfg.Browser.PageTimeout != 30*time.Second {
		t.Errorf("Browser.PageTimeout = %v, want 30s", cfg.Browser.PageTimeout)
	}
}

func TestGetConfigForURL_SiteOverride(t *testing.T) {
	renderJS := true
	cfg := &Config{
		Default: DefaultConfig{
			Fetch: FetchConfig{RenderJS: false, Timeout: 30 * time.Second},
		},
		Sites: []SiteConfig{
			{
				Pattern: "*.example.com",
				Fetch:   &FetchConfig{RenderJS: renderJS},
			},
		},
	}

	resolved := cfg.GetConfigForURL("https://app.example.com/page")
	if !resolved.Fetch.RenderJS {
		t.Errorf("expected RenderJS override to apply")
	}

	resolved = cfg.GetConfigForURL("https://other.com/page")
	if resolved.Fetch.RenderJS {
		t.Errorf("expected no override for non-matching host")
	}
}

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		url     string
		pattern string
		want    bool
	}{
		{"https://app.example.com/x", "*.example.com", true},
		{"https://example.com/x", "*.example.com", true},
		{"https://evil.com/x", "*.example.com", false},
		{"https://example.com/api/v1", "example.com/api/*", true},
		{"https://example.com/web", "example.com/api/*", false},
		{"https://foo.bar.com/x", "*bar*", true},
	}

	for _, tt := range tests {
		if got := matchPattern(tt.url, tt.pattern); got != tt.want {
			t.Errorf("matchPattern(%q, %q) = %v, want %v", tt.url, tt.pattern, got, tt.want)
		}
	}
}

func TestValidate_RejectsBadRetryMultiplier(t *testing.T) {
	cfg := &Config{
		Default: DefaultConfig{
			Retry: RetryConfig{Multiplier: 0.5},
		},
	}
	if err := cfg.Validate(); err == nil {
		t.Errorf("expected error for multiplier < 1.0")
	}
}

func clearIrisEnv(t *testing.T) {
	t.Helper()
	for _, e := range os.Environ() {
		if len(e) > 5 && e[:5] == "IRIS_" {
			key := e[:indexByte(e, '=')]
			t.Setenv(key, "")
			os.Unsetenv(key)
		}
	}
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}
