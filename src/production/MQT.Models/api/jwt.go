package api_models

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Config holds JWT configuration for the read API
type Config struct {
	SecretKey     string
	Issuer        string
	TokenDuration time.Duration
}

// AccessClaims are the claims of a read API bearer token
type AccessClaims struct {
	jwt.RegisteredClaims
	Scope   string `json:"scope"`
	TokenID string `json:"token_id"`
}

// ScopeRead grants access to the /api routes
const ScopeRead = "gateway:read"

// IssuedToken is a signed token with its expiry
type IssuedToken struct {
	AccessToken string `json:"access_token"`
	TokenID     string `json:"token_id"`
	ExpiresAt   int64  `json:"expires_at"`
}
