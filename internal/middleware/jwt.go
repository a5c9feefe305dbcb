package middleware // middleware provides shared request processing for handlers

import (
    "net/http" // HTTP status codes for responses
    "strings"  // string utilities for prefix checking and trimming

    "github.com/golang-jwt/jwt/v5" // JWT library for parsing and validating tokens
    "github.com/labstack/echo/v4"  // Echo framework used for defining middleware and handlers
)

// Context keys set by JWTAuth.
const (
    CtxOperator = "operator" // token subject (operator email)
    CtxRole     = "role"     // role claim
)

// JWTAuth returns an Echo middleware that validates a Bearer access token
// issued by the admin login and stores the operator and role claims in
// the request context under CtxOperator and CtxRole.  Only HS256 tokens
// signed with secret are accepted; expiry is enforced by the parser.
func JWTAuth(secret string) echo.MiddlewareFunc {
    return func(next echo.HandlerFunc) echo.HandlerFunc {
        return func(c echo.Context) error {
            auth := c.Request().Header.Get("Authorization")
            if !strings.HasPrefix(auth, "Bearer ") {
                return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing bearer token"})
            }
            raw := strings.TrimPrefix(auth, "Bearer ")

            claims := jwt.MapClaims{}
            tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
                return []byte(secret), nil
            }, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
            if err != nil || !tok.Valid {
                return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid token"})
            }

            sub, err := claims.GetSubject()
            if err != nil || sub == "" {
                return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid claims"})
            }
            role, _ := claims["role"].(string)
            c.Set(CtxOperator, sub)
            c.Set(CtxRole, role)
            return next(c)
        }
    }
}
