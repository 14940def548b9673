// Package resolver decides which upstream URL a proxy request refers to.
//
// There is no session: the "site currently being browsed" is re-derived from
// the Referer header of every request.
package resolver

import (
	"errors"
	"net/url"
	"strings"

	"webrelay/internal/config"
	"webrelay/internal/model"
)

// ErrTargetUnresolved is returned by the explicit endpoint when the request has
// neither a url parameter nor a Referer the host can be inferred from.
var ErrTargetUnresolved = errors.New("target unresolved: no url parameter and no inferable referer")

// Resolver turns ProxyRequests into ResolvedTargets.
type Resolver struct {
	defaultHost string
}

// New creates a Resolver that falls back to the configured default host.
func New(cfg *config.Config) *Resolver {
	return &Resolver{defaultHost: cfg.Upstream.DefaultHost}
}

// DefaultHost returns the host used when no signal is available.
func (r *Resolver) DefaultHost() string {
	return r.defaultHost
}

// Resolve produces the upstream target for pr according to its entry point.
func (r *Resolver) Resolve(pr *model.ProxyRequest) (model.ResolvedTarget, error) {
	if pr.Entry == model.CatchAll {
		return r.resolveCatchAll(pr), nil
	}
	return r.resolveExplicit(pr)
}

func (r *Resolver) resolveExplicit(pr *model.ProxyRequest) (model.ResolvedTarget, error) {
	if pr.ExplicitURL != "" {
		raw := explicitTarget(pr)
		if extra := trailingParams(pr.RawQuery); extra != "" {
			if strings.Contains(raw, "?") {
				raw += "&" + extra
			} else {
				raw += "?" + extra
			}
		}
		return r.split(raw), nil
	}

	host, ok := r.HostFromReferer(pr.Referer)
	if !ok {
		return model.ResolvedTarget{}, ErrTargetUnresolved
	}

	// A GET form whose action was rewritten to /api/proxy?url=... loses the
	// url parameter on submit; its fields arrive as the bare query string.
	t := model.ResolvedTarget{Scheme: "https", Host: host}
	if pr.RawQuery != "" {
		t.Path = "/search"
		t.Query = pr.RawQuery
	}
	return t, nil
}

func (r *Resolver) resolveCatchAll(pr *model.ProxyRequest) model.ResolvedTarget {
	host, ok := r.HostFromReferer(pr.Referer)
	if !ok {
		host = r.defaultHost
	}
	return model.ResolvedTarget{
		Scheme: "https",
		Host:   host,
		Path:   "/" + pr.PathSuffix,
		Query:  pr.RawQuery,
	}
}

// HostFromReferer extracts the upstream host from a Referer that points at the
// explicit endpoint. ok is false when the Referer carries no usable signal; a
// malformed Referer is treated the same as a missing one.
func (r *Resolver) HostFromReferer(referer string) (host string, ok bool) {
	if !strings.Contains(referer, model.ProxyURLPrefix) {
		return "", false
	}
	u, err := url.Parse(referer)
	if err != nil {
		return "", false
	}
	q, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return "", false
	}

	host = hostOf(q.Get("url"))
	if host == "" {
		host = r.defaultHost
	}
	return host, true
}

// split breaks a possibly scheme-less URL into a ResolvedTarget. Path and
// query are requoted so the request line stays valid.
func (r *Resolver) split(raw string) model.ResolvedTarget {
	t := model.ResolvedTarget{Scheme: "https"}

	lower := strings.ToLower(raw)
	switch {
	case strings.HasPrefix(lower, "https://"):
		raw = raw[len("https://"):]
	case strings.HasPrefix(lower, "http://"):
		t.Scheme = "http"
		raw = raw[len("http://"):]
	}

	if i := strings.IndexByte(raw, '#'); i >= 0 {
		raw = raw[:i]
	}
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		t.Query = requote(raw[i+1:])
		raw = raw[:i]
	}
	if i := strings.IndexByte(raw, '/'); i >= 0 {
		t.Path = requote(raw[i:])
		raw = raw[:i]
	}
	t.Host = raw
	if t.Host == "" {
		t.Host = r.defaultHost
	}
	return t
}

// explicitTarget returns the url parameter as the client sent it. Rewritten
// links carry the target unescaped, so the raw value keeps its %XX and '+'
// intact; a fully escaped value (no literal "://") is taken decoded.
func explicitTarget(pr *model.ProxyRequest) string {
	for _, part := range strings.Split(pr.RawQuery, "&") {
		if v, ok := strings.CutPrefix(part, "url="); ok {
			if strings.Contains(v, "://") {
				return v
			}
			break
		}
	}
	return pr.ExplicitURL
}

// requote escapes every byte that may not appear literally in a URL path or
// query. Existing %XX escapes are kept; a stray '%' becomes %25.
func requote(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '%' && i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2]):
			b.WriteByte(c)
		case c == '%':
			b.WriteString("%25")
		case c < 0x80 && strings.IndexByte(uriSafe, c) >= 0:
			b.WriteByte(c)
		default:
			b.WriteByte('%')
			b.WriteByte(upperHex[c>>4])
			b.WriteByte(upperHex[c&0x0f])
		}
	}
	return b.String()
}

const (
	uriSafe  = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~!#$&'()*+,/:;=?@[]"
	upperHex = "0123456789ABCDEF"
)

func isHex(c byte) bool {
	return '0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F'
}

// hostOf returns the host[:port] part of a URL that may lack a scheme.
func hostOf(raw string) string {
	if i := strings.Index(raw, "://"); i >= 0 {
		raw = raw[i+3:]
	}
	if i := strings.IndexAny(raw, "/?#"); i >= 0 {
		raw = raw[:i]
	}
	return raw
}

// trailingParams returns the raw query parameters that follow url=... in the
// inbound query string. With /api/proxy?url=https://h/p?a=1&b=2 the browser
// splits off b=2, which belongs to the target.
func trailingParams(rawQuery string) string {
	var extra []string
	seenURL := false
	for _, part := range strings.Split(rawQuery, "&") {
		if part == "" {
			continue
		}
		if !seenURL && (part == "url" || strings.HasPrefix(part, "url=")) {
			seenURL = true
			continue
		}
		if seenURL {
			extra = append(extra, part)
		}
	}
	return strings.Join(extra, "&")
}
