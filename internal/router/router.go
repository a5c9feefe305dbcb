package router // package router defines how HTTP routes are registered for the API

import (
    "github.com/labstack/echo/v4" // import the Echo web framework to handle routing

    "github.com/iliyamo/donation-squares/internal/handler"    // handlers that implement the endpoints
    "github.com/iliyamo/donation-squares/internal/middleware" // JWT, role, rate limit and cache middleware
)

// RegisterRoutes registers routes that do not require authentication.
// Currently it exposes only a health check.
func RegisterRoutes(e *echo.Echo, db handler.Pinger) {
    e.GET("/healthz", handler.Health(db))
}

// RegisterPublic registers the donor-facing endpoints.  The grid read is
// served through the response cache; checkout is rate limited.
func RegisterPublic(e *echo.Echo, p *handler.PublicHandler, co *handler.CheckoutHandler, cache, limit echo.MiddlewareFunc) {
    g := e.Group("/v1")
    g.GET("/campaigns/:id/squares", p.GetSquares, cache)
    g.POST("/campaigns/:id/checkout", co.Begin, limit)

    // Return and cancel URLs handed to the payment provider.
    g.GET("/checkout/:id/return", co.Return)
    g.GET("/checkout/:id/cancel", co.Cancel)
}

// RegisterAdmin registers the operator login and the ADMIN-only
// reconciliation and repair endpoints.
func RegisterAdmin(e *echo.Echo, a *handler.AuthHandler, h *handler.AdminHandler, jwtSecret string, limit echo.MiddlewareFunc) {
    e.POST("/v1/admin/login", a.Login, limit)

    g := e.Group(
        "/v1/admin",
        middleware.JWTAuth(jwtSecret),
        middleware.RequireRole("ADMIN"),
    )
    g.POST("/transactions/:id/reconcile", h.Reconcile)
    g.DELETE("/transactions/:id", h.DeleteTransaction)
    g.GET("/repair-report", h.RepairReport)  // always a dry run
    g.POST("/repair-report", h.RepairReport) // mutates only with ?confirm=true
}
