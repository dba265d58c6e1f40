package url

import "testing"

func TestParseAndValidate(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"valid https", "https://example.com/path", false},
		{"valid http", "http://example.com", false},
		{"empty", "", true},
		{"no scheme", "example.com", true},
		{"ftp scheme", "ftp://example.com", true},
		{"no host", "https:///path", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseAndValidate(tt.url)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseAndValidate(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestValidateExternal_BlocksPrivateIPs(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"loopback", "http://127.0.0.1/", true},
		{"private class A", "http://10.0.0.1/", true},
		{"private class C", "http://192.168.1.1/", true},
		{"link-local", "http://169.254.1.1/", true},
		{"public IP", "http://93.184.216.34/", false},
		{"unresolvable host allowed at validation time", "http://nonexistent.invalid/", false},
		{"non-http(s) scheme allowed through to fetcher classification", "ftp://example.com/file", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateExternal(tt.url)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateExternal(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestExtractRegistrableDomain(t *testing.T) {
	tests := []struct {
		host string
		want string
	}{
		{"example.com", "example.com"},
		{"www.example.com", "example.com"},
		{"a.b.example.com", "example.com"},
		{"example.co.uk", "example.co.uk"},
		{"www.example.co.uk", "example.co.uk"},
		{"localhost", "localhost"},
		{"127.0.0.1", "127.0.0.1"},
	}

	for _, tt := range tests {
		if got := ExtractRegistrableDomain(tt.host); got != tt.want {
			t.Errorf("ExtractRegistrableDomain(%q) = %q, want %q", tt.host, got, tt.want)
		}
	}
}

func TestExtractHost(t *testing.T) {
	host, err := ExtractHost("https://example.com:8080/path")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if host != "example.com" {
		t.Errorf("got %q, want example.com", host)
	}
}
