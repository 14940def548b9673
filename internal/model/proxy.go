// Package model defines the per-request value types that flow through the proxy pipeline.
// None of them outlive a single request/response cycle.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// ExplicitPath is the route of the explicit-URL endpoint.
const ExplicitPath = "/api/proxy"

// ProxyURLPrefix starts every link the rewriter points back at the proxy.
// A Referer containing it identifies the site being browsed.
const ProxyURLPrefix = ExplicitPath + "?url="

// EntryPointKind identifies which route accepted the request. It controls the
// two documented divergences between the routes: protocol-relative href handling
// and the status code of the error page.
type EntryPointKind int

const (
	// Explicit is the /api/proxy?url=... endpoint.
	Explicit EntryPointKind = iota
	// CatchAll is the fallback route for any path not claimed by another route.
	CatchAll
)

// String returns the label used in logs and metrics.
func (k EntryPointKind) String() string {
	switch k {
	case Explicit:
		return "explicit"
	case CatchAll:
		return "catch_all"
	default:
		return "unknown"
	}
}

// ProxyRequest is the inbound request reduced to what the pipeline needs.
type ProxyRequest struct {
	Ctx         context.Context
	Entry       EntryPointKind
	Method      string
	ExplicitURL string // decoded "url" query parameter, explicit endpoint only
	Referer     string
	RawQuery    string
	Form        url.Values
	PathSuffix  string // path without the leading slash, catch-all only
}

// ResolvedTarget is the upstream URL split into the parts the rewriter needs.
// Scheme is always set and Host is never empty.
type ResolvedTarget struct {
	Scheme string
	Host   string
	Path   string
	Query  string
}

// String assembles the fully-qualified upstream URL.
func (t ResolvedTarget) String() string {
	s := t.Scheme + "://" + t.Host + t.Path
	if t.Query != "" {
		s += "?" + t.Query
	}
	return s
}

// UpstreamResponse is what the fetcher got back. The caller owns Body.
type UpstreamResponse struct {
	StatusCode  int
	ContentType string
	Header      http.Header
	Body        io.ReadCloser
}

// RewriteContext carries everything the HTML rewriter needs for one response.
type RewriteContext struct {
	BaseHost string
	// SkipProtocolRelative leaves href="//host/x" untouched when set.
	SkipProtocolRelative bool
}

// ProxyResponse is the response to be written back to the caller.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	// HTML reports whether the body went through the rewriter.
	HTML bool
}
