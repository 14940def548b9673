package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/cors"

	"webrelay/internal/config"
)

// CORS returns an Echo middleware backed by rs/cors. Preflight requests are
// answered here and never reach the proxy routes.
func CORS(cfg config.CORSConfig) echo.MiddlewareFunc {
	c := cors.New(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodHead},
		AllowedHeaders: []string{"*"},
	})
	return echo.WrapMiddleware(c.Handler)
}
