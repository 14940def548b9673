package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"webrelay/internal/model"
)

var proxyMethods = []string{http.MethodGet, http.MethodPost}

// RegisterRoutes wires all route handlers onto the Echo instance. Static
// routes take priority over the catch-all in echo's router, so /api/proxy
// and the /-/ endpoints never reach CatchAll.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler, health *HealthHandler) {
	e.GET("/-/healthz", health.Healthz)
	e.GET("/-/status", health.Status)
	e.Any("/-/*", func(echo.Context) error { return echo.ErrNotFound })

	e.Match(proxyMethods, model.ExplicitPath, proxy.Explicit)
	e.Match(proxyMethods, "/*", proxy.CatchAll)
}
