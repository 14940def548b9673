package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"

	"webrelay/internal/client"
	"webrelay/internal/config"
	"webrelay/internal/metrics"
	"webrelay/internal/model"
	"webrelay/internal/resolver"
	"webrelay/internal/service"
)

const multipartMemory = 32 << 20

// ProxyHandler serves both entry points of the proxy.
type ProxyHandler struct {
	service *service.ProxyService
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewProxyHandler creates a ProxyHandler. The metrics parameter is optional.
func NewProxyHandler(svc *service.ProxyService, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		cfg:     cfg,
		logger:  logger.With("component", "proxy_handler"),
		metrics: m,
	}
}

// Explicit handles /api/proxy?url=... .
func (h *ProxyHandler) Explicit(c echo.Context) error {
	req := c.Request()
	pr := &model.ProxyRequest{
		Ctx:         req.Context(),
		Entry:       model.Explicit,
		Method:      req.Method,
		ExplicitURL: c.QueryParam("url"),
		Referer:     req.Referer(),
		RawQuery:    req.URL.RawQuery,
		Form:        h.formFields(req),
	}
	return h.serve(c, pr)
}

// CatchAll handles every path not claimed by another route. The host comes
// from the Referer, falling back to the configured default.
func (h *ProxyHandler) CatchAll(c echo.Context) error {
	req := c.Request()
	pr := &model.ProxyRequest{
		Ctx:        req.Context(),
		Entry:      model.CatchAll,
		Method:     req.Method,
		Referer:    req.Referer(),
		RawQuery:   req.URL.RawQuery,
		Form:       h.formFields(req),
		PathSuffix: strings.TrimPrefix(req.URL.EscapedPath(), "/"),
	}
	return h.serve(c, pr)
}

func (h *ProxyHandler) serve(c echo.Context, pr *model.ProxyRequest) error {
	resp, target, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, pr.Entry, target, err)
	}
	defer func() { _ = resp.Body.Close() }()

	outcome := "passthrough"
	if resp.HTML {
		outcome = "html"
	}
	h.observe(pr.Entry, outcome)

	// Set, not Add: middleware may already have written the same headers.
	dst := c.Response().Header()
	for key, vals := range resp.Header {
		dst[key] = vals
	}
	c.Response().WriteHeader(resp.StatusCode)

	// The status is already on the wire, so a failed copy can only be logged.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"url", target.String(),
			"entry_point", pr.Entry.String(),
		)
	}
	return nil
}

func (h *ProxyHandler) mapError(c echo.Context, entry model.EntryPointKind, target model.ResolvedTarget, err error) error {
	if errors.Is(err, resolver.ErrTargetUnresolved) {
		h.observe(entry, "unresolved")
		h.logger.Warn("target unresolved",
			"entry_point", entry.String(),
			"referer", c.Request().Referer(),
		)
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "url not specified",
		})
	}

	h.observe(entry, "error")
	h.logger.Error("upstream fetch failed",
		"err", err,
		"url", target.String(),
		"entry_point", entry.String(),
		"reason", client.Reason(err),
	)

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}

	page, rerr := renderErrorPage(entry, c.Request().URL.Path, target.String(), err)
	if rerr != nil {
		return rerr
	}
	return c.HTMLBlob(h.errorStatus(entry), page)
}

func (h *ProxyHandler) errorStatus(entry model.EntryPointKind) int {
	if entry == model.CatchAll {
		return h.cfg.Rewrite.CatchAllErrorStatus
	}
	return h.cfg.Rewrite.ExplicitErrorStatus
}

// formFields returns the POST body fields, url-encoded or multipart. Query
// parameters are not included. A body that fails to parse is forwarded as an
// empty form.
func (h *ProxyHandler) formFields(req *http.Request) url.Values {
	if req.Method != http.MethodPost {
		return nil
	}

	var err error
	if strings.HasPrefix(req.Header.Get(echo.HeaderContentType), echo.MIMEMultipartForm) {
		err = req.ParseMultipartForm(multipartMemory)
	} else {
		err = req.ParseForm()
	}
	if err != nil {
		h.logger.Debug("ignoring unparsable form body", "err", err)
		return nil
	}
	return req.PostForm
}

func (h *ProxyHandler) observe(entry model.EntryPointKind, outcome string) {
	if h.metrics == nil {
		return
	}
	h.metrics.ProxyResponses.WithLabelValues(entry.String(), outcome).Inc()
}
