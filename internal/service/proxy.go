// Package service implements the core proxy pipeline: resolve, fetch,
// classify, rewrite.
package service

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html/charset"

	"webrelay/internal/client"
	"webrelay/internal/config"
	"webrelay/internal/model"
	"webrelay/internal/resolver"
	"webrelay/internal/rewrite"
)

const (
	htmlContentType    = "text/html; charset=utf-8"
	defaultContentType = "application/octet-stream"
)

// ProxyService runs one ProxyRequest through the pipeline.
type ProxyService struct {
	resolver *resolver.Resolver
	client   *client.UpstreamClient
	cfg      *config.Config
	logger   *slog.Logger
}

// NewProxyService creates a ProxyService.
func NewProxyService(r *resolver.Resolver, c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger) *ProxyService {
	return &ProxyService{
		resolver: r,
		client:   c,
		cfg:      cfg,
		logger:   logger.With("component", "proxy_service"),
	}
}

// IsHTML reports whether a Content-Type value marks the body as HTML.
// The match is a case-insensitive substring test, so parameters and
// odd casing are tolerated.
func IsHTML(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "text/html")
}

// Forward resolves pr, fetches the target and shapes the upstream response.
// HTML bodies are decoded to UTF-8 and rewritten in full; everything else is
// streamed through unchanged. The caller is responsible for closing the
// response body.
//
// The returned target is valid whenever resolution succeeded, including when
// the fetch itself failed.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, model.ResolvedTarget, error) {
	target, err := s.resolver.Resolve(pr)
	if err != nil {
		return nil, target, err
	}

	s.logger.Debug("forwarding request",
		"entry_point", pr.Entry.String(),
		"method", pr.Method,
		"url", target.String(),
	)

	up, err := s.client.Fetch(pr.Ctx, target, pr.Method, pr.Form)
	if err != nil {
		return nil, target, err
	}

	if !IsHTML(up.ContentType) {
		ct := up.ContentType
		if ct == "" {
			ct = defaultContentType
		}
		h := make(http.Header)
		h.Set("Content-Type", ct)
		return &model.ProxyResponse{
			StatusCode: up.StatusCode,
			Header:     h,
			Body:       up.Body,
		}, target, nil
	}

	defer func() { _ = up.Body.Close() }()
	page, err := readHTML(up.Body, up.ContentType)
	if err != nil {
		return nil, target, &client.FetchError{URL: target.String(), Err: err}
	}

	out := rewrite.HTML(page, s.rewriteContext(pr.Entry, target))

	h := make(http.Header)
	h.Set("Content-Type", htmlContentType)
	h.Set("X-Frame-Options", "SAMEORIGIN")
	h.Set("Cache-Control", "no-cache")
	return &model.ProxyResponse{
		StatusCode: up.StatusCode,
		Header:     h,
		Body:       io.NopCloser(strings.NewReader(out)),
		HTML:       true,
	}, target, nil
}

func (s *ProxyService) rewriteContext(entry model.EntryPointKind, target model.ResolvedTarget) model.RewriteContext {
	skip := true
	if entry == model.CatchAll {
		skip = s.cfg.Rewrite.CatchAllSkipProtocolRelative
	}
	return model.RewriteContext{BaseHost: target.Host, SkipProtocolRelative: skip}
}

// readHTML decodes body to UTF-8 using the declared or sniffed charset. A page
// with no BOM or header charset that is valid UTF-8 is kept as is, since the
// sniffer only looks at the first 1024 bytes.
func readHTML(body io.Reader, contentType string) (string, error) {
	b, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("read html: %w", err)
	}

	enc, name, certain := charset.DetermineEncoding(b, contentType)
	if name == "utf-8" || (!certain && utf8.Valid(b)) {
		return string(b), nil
	}
	out, err := enc.NewDecoder().Bytes(b)
	if err != nil {
		return "", fmt.Errorf("decode html as %s: %w", name, err)
	}
	return string(out), nil
}
