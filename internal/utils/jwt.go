package utils // package utils provides helper functions for token creation and hashing

import (
    "errors"
    "time" // time utilities for generating expirations

    "github.com/golang-jwt/jwt/v5" // JWT library for creating signed tokens
)

// RoleAdmin is the only role issued by the operator login.
const RoleAdmin = "ADMIN"

// AccessToken represents a signed JWT access token along with its expiry.
// Access tokens are short-lived and sent in the Authorization header
// when calling the admin endpoints.
type AccessToken struct {
    Token string    `json:"token"`   // the serialized JWT string
    Exp   time.Time `json:"expires"` // the UTC expiration time
}

// NewAccessToken builds and signs an HS256 JWT for an operator.  The
// subject is the operator's email.  The token carries sub, role, exp
// and iat claims.
func NewAccessToken(secret, subject, role string, ttlMin int) (AccessToken, error) {
    if secret == "" {
        return AccessToken{}, errors.New("empty signing secret")
    }
    if ttlMin <= 0 {
        ttlMin = 15
    }
    now := time.Now().UTC()
    exp := now.Add(time.Duration(ttlMin) * time.Minute)
    claims := jwt.MapClaims{
        "sub":  subject,
        "role": role,
        "exp":  exp.Unix(),
        "iat":  now.Unix(),
    }
    signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
    if err != nil {
        return AccessToken{}, err
    }
    return AccessToken{Token: signed, Exp: exp}, nil
}
