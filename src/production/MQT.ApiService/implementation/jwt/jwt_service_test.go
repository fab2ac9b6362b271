package jwt

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	api_models "gitlab.com/maplesense1/mpt.edge_gateway/src/production/MQT.Models/api"
)

func newTestService() *Service {
	return NewService(api_models.Config{SecretKey: "test-secret", Issuer: "edge-gateway", TokenDuration: time.Hour})
}

func TestGenerateAndValidate(t *testing.T) {
	svc := newTestService()

	issued, err := svc.GenerateToken("dashboard")
	require.NoError(t, err)
	assert.NotEmpty(t, issued.TokenID)

	claims, err := svc.ValidateAccessToken(issued.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "dashboard", claims.Subject)
	assert.Equal(t, api_models.ScopeRead, claims.Scope)
	assert.Equal(t, issued.TokenID, claims.TokenID)
}

func TestValidateRejects(t *testing.T) {
	svc := newTestService()

	t.Run("wrong secret", func(t *testing.T) {
		other := NewService(api_models.Config{SecretKey: "other", Issuer: "edge-gateway", TokenDuration: time.Hour})
		issued, err := other.GenerateToken("x")
		require.NoError(t, err)
		_, err = svc.ValidateAccessToken(issued.AccessToken)
		assert.Error(t, err)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		other := NewService(api_models.Config{SecretKey: "test-secret", Issuer: "someone-else", TokenDuration: time.Hour})
		issued, err := other.GenerateToken("x")
		require.NoError(t, err)
		_, err = svc.ValidateAccessToken(issued.AccessToken)
		assert.ErrorIs(t, err, jwt.ErrTokenInvalidIssuer)
	})

	t.Run("expired", func(t *testing.T) {
		old := newTestService()
		old.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
		issued, err := old.GenerateToken("x")
		require.NoError(t, err)
		_, err = svc.ValidateAccessToken(issued.AccessToken)
		assert.ErrorIs(t, err, jwt.ErrTokenExpired)
	})

	t.Run("missing scope", func(t *testing.T) {
		claims := api_models.AccessClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    "edge-gateway",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		}
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
		require.NoError(t, err)
		_, err = svc.ValidateAccessToken(signed)
		assert.ErrorIs(t, err, ErrMissingScope)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := svc.ValidateAccessToken("not.a.token")
		assert.Error(t, err)
	})
}
