package middleware

// identity.go holds helpers shared across middleware and handlers for
// naming the caller of a request.

import "github.com/labstack/echo/v4"

// Actor returns the authenticated operator, or "anon" for donors and
// unauthenticated requests.
func Actor(c echo.Context) string {
    if v, ok := c.Get(CtxOperator).(string); ok && v != "" {
        return v
    }
    return "anon"
}
