package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	jwt "gitlab.com/maplesense1/mpt.edge_gateway/src/production/MQT.ApiService/implementation/jwt"
)

// Key types for request context
type contextKey string

const (
	SubjectContextKey contextKey = "subject"
	TokenIDContextKey contextKey = "token_id"
)

// AuthMiddleware guards the read API with bearer tokens. A nil jwtService
// disables the guard.
type AuthMiddleware struct {
	jwtService *jwt.Service
	config     Config
}

// Config holds middleware configuration
type Config struct {
	// HTTP header name for the token
	AccessTokenHeader string

	// Cookie name for the token (optional alternative to the header)
	AccessTokenCookie string
}

// DefaultConfig returns a default middleware configuration
func DefaultConfig() Config {
	return Config{
		AccessTokenHeader: "Authorization",
		AccessTokenCookie: "access_token",
	}
}

// NewAuthMiddleware creates a new auth middleware
func NewAuthMiddleware(jwtService *jwt.Service, config Config) *AuthMiddleware {
	return &AuthMiddleware{
		jwtService: jwtService,
		config:     config,
	}
}

// Enabled reports whether requests are checked at all
func (m *AuthMiddleware) Enabled() bool {
	return m != nil && m.jwtService != nil
}

// extractToken gets a token from either header or cookie
func extractToken(r *http.Request, headerName, cookieName string) string {
	token := r.Header.Get(headerName)
	if token != "" {
		return strings.TrimPrefix(token, "Bearer ")
	}

	if cookieName != "" {
		if cookie, err := r.Cookie(cookieName); err == nil {
			return cookie.Value
		}
	}

	return ""
}

// Authenticate verifies the access token when the guard is enabled
func (m *AuthMiddleware) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.Enabled() {
			c.Next()
			return
		}

		accessToken := extractToken(c.Request, m.config.AccessTokenHeader, m.config.AccessTokenCookie)
		if accessToken == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			c.Abort()
			return
		}

		claims, err := m.jwtService.ValidateAccessToken(accessToken)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid access token"})
			c.Abort()
			return
		}

		c.Set(string(SubjectContextKey), claims.Subject)
		c.Set(string(TokenIDContextKey), claims.TokenID)

		c.Next()
	}
}

// GetSubjectFromGinContext returns the authenticated token subject
func GetSubjectFromGinContext(c *gin.Context) (string, bool) {
	v, ok := c.Get(string(SubjectContextKey))
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
