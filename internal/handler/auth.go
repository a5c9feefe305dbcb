package handler

import (
    "net/http" // HTTP status codes and primitives
    "strings"  // string manipulation utilities

    "github.com/labstack/echo/v4" // Echo framework for HTTP routing

    "github.com/iliyamo/donation-squares/internal/utils" // password verification and token issuing
)

// AuthHandler issues operator access tokens.  There is a single
// operator account configured through the environment.
type AuthHandler struct {
    Secret       string
    TTLMin       int
    Email        string
    PasswordHash string
}

type loginReq struct {
    Email    string `json:"email"`
    Password string `json:"password"`
}

// Login handles POST /v1/admin/login.
func (h *AuthHandler) Login(c echo.Context) error {
    var req loginReq
    if err := c.Bind(&req); err != nil {
        return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
    }
    req.Email = strings.ToLower(strings.TrimSpace(req.Email))
    if req.Email == "" || req.Password == "" {
        return c.JSON(http.StatusBadRequest, echo.Map{"error": "email/password required"})
    }
    // The hash is always checked so both failure modes cost the same.
    okPass := utils.VerifyPassword(h.PasswordHash, req.Password)
    if !okPass || req.Email != strings.ToLower(h.Email) {
        return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid credentials"})
    }
    access, err := utils.NewAccessToken(h.Secret, req.Email, utils.RoleAdmin, h.TTLMin)
    if err != nil {
        return c.JSON(http.StatusInternalServerError, echo.Map{"error": "issue access failed"})
    }
    return c.JSON(http.StatusOK, echo.Map{"access": access})
}
