package resolver

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"webrelay/internal/config"
	"webrelay/internal/model"
)

func newTestResolver() *Resolver {
	return New(&config.Config{Upstream: config.UpstreamConfig{DefaultHost: "google.com"}})
}

func TestResolve_Explicit(t *testing.T) {
	tests := []struct {
		name string
		pr   model.ProxyRequest
		want model.ResolvedTarget
	}{
		{
			name: "absolute https url",
			pr:   model.ProxyRequest{ExplicitURL: "https://example.com/foo?x=1"},
			want: model.ResolvedTarget{Scheme: "https", Host: "example.com", Path: "/foo", Query: "x=1"},
		},
		{
			name: "absolute http url keeps scheme",
			pr:   model.ProxyRequest{ExplicitURL: "http://example.com:8080/a/b"},
			want: model.ResolvedTarget{Scheme: "http", Host: "example.com:8080", Path: "/a/b"},
		},
		{
			name: "bare host gets https",
			pr:   model.ProxyRequest{ExplicitURL: "example.com/x"},
			want: model.ResolvedTarget{Scheme: "https", Host: "example.com", Path: "/x"},
		},
		{
			name: "host only",
			pr:   model.ProxyRequest{ExplicitURL: "example.com"},
			want: model.ResolvedTarget{Scheme: "https", Host: "example.com"},
		},
		{
			name: "query without path",
			pr:   model.ProxyRequest{ExplicitURL: "https://example.com?q=1"},
			want: model.ResolvedTarget{Scheme: "https", Host: "example.com", Query: "q=1"},
		},
		{
			name: "fragment dropped",
			pr:   model.ProxyRequest{ExplicitURL: "https://example.com/doc#section"},
			want: model.ResolvedTarget{Scheme: "https", Host: "example.com", Path: "/doc"},
		},
		{
			name: "empty host falls back to default",
			pr:   model.ProxyRequest{ExplicitURL: "https:///path"},
			want: model.ResolvedTarget{Scheme: "https", Host: "google.com", Path: "/path"},
		},
		{
			name: "trailing params appended to target query",
			pr: model.ProxyRequest{
				ExplicitURL: "https://example.com/p?a=1",
				RawQuery:    "url=https://example.com/p?a=1&b=2&c=3",
			},
			want: model.ResolvedTarget{Scheme: "https", Host: "example.com", Path: "/p", Query: "a=1&b=2&c=3"},
		},
		{
			name: "trailing params start the target query",
			pr: model.ProxyRequest{
				ExplicitURL: "https://example.com/p",
				RawQuery:    "url=https://example.com/p&b=2",
			},
			want: model.ResolvedTarget{Scheme: "https", Host: "example.com", Path: "/p", Query: "b=2"},
		},
		{
			name: "decoded space requoted",
			pr:   model.ProxyRequest{ExplicitURL: "https://example.com/search?q=foo bar"},
			want: model.ResolvedTarget{Scheme: "https", Host: "example.com", Path: "/search", Query: "q=foo%20bar"},
		},
		{
			name: "raw value keeps plus and escapes",
			pr: model.ProxyRequest{
				ExplicitURL: "https://example.com/search?q=a b&c",
				RawQuery:    "url=https://example.com/search?q=a%20b%26c+d",
			},
			want: model.ResolvedTarget{Scheme: "https", Host: "example.com", Path: "/search", Query: "q=a%20b%26c+d"},
		},
		{
			name: "fully escaped value taken decoded",
			pr: model.ProxyRequest{
				ExplicitURL: "https://example.com/a b",
				RawQuery:    "url=https%3A%2F%2Fexample.com%2Fa%20b",
			},
			want: model.ResolvedTarget{Scheme: "https", Host: "example.com", Path: "/a%20b"},
		},
		{
			name: "explicit url wins over referer",
			pr: model.ProxyRequest{
				ExplicitURL: "https://a.example/x",
				Referer:     "http://proxy.local/api/proxy?url=https://b.example/",
			},
			want: model.ResolvedTarget{Scheme: "https", Host: "a.example", Path: "/x"},
		},
		{
			name: "referer without query",
			pr:   model.ProxyRequest{Referer: "http://proxy.local/api/proxy?url=https://example.com/foo"},
			want: model.ResolvedTarget{Scheme: "https", Host: "example.com"},
		},
		{
			name: "referer with search query",
			pr: model.ProxyRequest{
				Referer:  "http://proxy.local/api/proxy?url=https://example.com/foo",
				RawQuery: "q=go+proxy",
			},
			want: model.ResolvedTarget{Scheme: "https", Host: "example.com", Path: "/search", Query: "q=go+proxy"},
		},
	}

	r := newTestResolver()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.pr.Entry = model.Explicit
			got, err := r.Resolve(&tt.pr)
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Resolve() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestResolve_ExplicitUnresolved(t *testing.T) {
	tests := []struct {
		name    string
		referer string
	}{
		{"no referer", ""},
		{"referer without marker", "http://proxy.local/files"},
		{"malformed referer", "http://proxy.local/api/proxy?url=%zz"},
	}

	r := newTestResolver()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Resolve(&model.ProxyRequest{Entry: model.Explicit, Referer: tt.referer})
			if !errors.Is(err, ErrTargetUnresolved) {
				t.Errorf("Resolve() error = %v, want ErrTargetUnresolved", err)
			}
		})
	}
}

func TestResolve_CatchAll(t *testing.T) {
	tests := []struct {
		name    string
		pr      model.ProxyRequest
		wantURL string
	}{
		{
			name: "host inferred from referer",
			pr: model.ProxyRequest{
				Referer:    "http://proxy.local/api/proxy?url=https://example.com/foo",
				PathSuffix: "bar",
				RawQuery:   "q=1",
			},
			wantURL: "https://example.com/bar?q=1",
		},
		{
			name:    "no referer uses default host",
			pr:      model.ProxyRequest{PathSuffix: "images/logo.png"},
			wantURL: "https://google.com/images/logo.png",
		},
		{
			name: "referer without marker uses default host",
			pr: model.ProxyRequest{
				Referer:    "https://elsewhere.example/page",
				PathSuffix: "x",
			},
			wantURL: "https://google.com/x",
		},
		{
			name: "malformed referer uses default host",
			pr: model.ProxyRequest{
				Referer:    "http://proxy.local/api/proxy?url=%zz",
				PathSuffix: "x",
			},
			wantURL: "https://google.com/x",
		},
		{
			name: "empty url parameter uses default host",
			pr: model.ProxyRequest{
				Referer:    "http://proxy.local/api/proxy?url=",
				PathSuffix: "x",
			},
			wantURL: "https://google.com/x",
		},
		{
			name: "bare host in referer",
			pr: model.ProxyRequest{
				Referer:    "http://proxy.local/api/proxy?url=example.com/a/b",
				PathSuffix: "",
			},
			wantURL: "https://example.com/",
		},
		{
			name: "explicit url ignored on catch-all",
			pr: model.ProxyRequest{
				ExplicitURL: "https://ignored.example/",
				PathSuffix:  "y",
			},
			wantURL: "https://google.com/y",
		},
	}

	r := newTestResolver()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.pr.Entry = model.CatchAll
			got, err := r.Resolve(&tt.pr)
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if got.String() != tt.wantURL {
				t.Errorf("Resolve() = %q, want %q", got.String(), tt.wantURL)
			}
		})
	}
}

func TestHostFromReferer(t *testing.T) {
	tests := []struct {
		referer  string
		wantHost string
		wantOK   bool
	}{
		{"http://proxy.local/api/proxy?url=https://example.com/foo", "example.com", true},
		{"http://proxy.local/api/proxy?url=http://example.com:8443", "example.com:8443", true},
		{"http://proxy.local/api/proxy?url=example.com", "example.com", true},
		{"http://proxy.local/api/proxy?url=https%3A%2F%2Fencoded.example%2Fx", "encoded.example", true},
		{"http://proxy.local/api/proxy?url=", "google.com", true},
		{"http://proxy.local/other?url=https://example.com", "", false},
		{"", "", false},
	}

	r := newTestResolver()
	for _, tt := range tests {
		t.Run(tt.referer, func(t *testing.T) {
			host, ok := r.HostFromReferer(tt.referer)
			if host != tt.wantHost || ok != tt.wantOK {
				t.Errorf("HostFromReferer(%q) = (%q, %v), want (%q, %v)", tt.referer, host, ok, tt.wantHost, tt.wantOK)
			}
		})
	}
}

func TestRequote(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/plain/path", "/plain/path"},
		{"q=foo bar", "q=foo%20bar"},
		{"q=foo+bar", "q=foo+bar"},
		{"q=a%20b%26c", "q=a%20b%26c"},
		{"q=100%", "q=100%25"},
		{"q=%zz", "q=%25zz"},
		{"q=при", "q=%D0%BF%D1%80%D0%B8"},
		{"a=\"x\"<y>", "a=%22x%22%3Cy%3E"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := requote(tt.in); got != tt.want {
				t.Errorf("requote(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestTrailingParams(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"url=https://h/p", ""},
		{"url=https://h/p?a=1&b=2", "b=2"},
		{"x=0&url=https://h/p&b=2&c=3", "b=2&c=3"},
		{"b=2", ""},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			if got := trailingParams(tt.raw); got != tt.want {
				t.Errorf("trailingParams(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}
