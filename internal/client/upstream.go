// Package client provides the outbound HTTP client that fetches upstream pages.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"webrelay/internal/config"
	"webrelay/internal/metrics"
	"webrelay/internal/model"
)

// browserHeaders make the outbound request look like a desktop Chrome.
var browserHeaders = map[string]string{
	"User-Agent":      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36",
	"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8",
	"Accept-Language": "ru-RU,ru;q=0.9,en;q=0.8",
	"Connection":      "keep-alive",
}

// FetchError wraps any transport-level failure of the outbound call.
// HTTP error statuses are not FetchErrors.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Reason classifies a fetch failure into a bounded label for logs and metrics.
func Reason(err error) string {
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return "connection"
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return "connection"
	}
	return "other"
}

// UpstreamClient sends requests to arbitrary upstream sites.
type UpstreamClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and the
// configured total timeout. Redirects follow the net/http default policy.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return NewUpstreamClientWithHTTP(&http.Client{
		Transport: transport,
		Timeout:   time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
	}, logger, m)
}

// NewUpstreamClientWithHTTP wraps an existing http.Client. Tests use it to
// trust httptest TLS certificates.
func NewUpstreamClientWithHTTP(hc *http.Client, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	return &UpstreamClient{
		httpClient: hc,
		logger:     logger.With("component", "upstream_client"),
		metrics:    m,
	}
}

// Fetch issues a single request for target. POST forwards form as an
// url-encoded body; any other method is sent as GET. The context controls
// the lifetime of the outbound call, so a disconnected caller aborts it.
// The caller is responsible for closing the response body.
func (c *UpstreamClient) Fetch(ctx context.Context, target model.ResolvedTarget, method string, form url.Values) (*model.UpstreamResponse, error) {
	rawURL := target.String()

	var body io.Reader
	if method != http.MethodPost {
		method = http.MethodGet
	} else if len(form) > 0 {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: fmt.Errorf("build upstream request: %w", err)}
	}
	for k, v := range browserHeaders {
		req.Header.Set(k, v)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	c.logger.Debug("upstream request",
		"method", method,
		"url", rawURL,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via UpstreamResponse
	duration := time.Since(start).Seconds()

	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
	}
	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamErrors.WithLabelValues(Reason(err)).Inc()
		}
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	if c.metrics != nil {
		c.metrics.UpstreamResponses.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()
	}

	return &model.UpstreamResponse{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Header:      resp.Header,
		Body:        resp.Body,
	}, nil
}
