package jwt

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	uuid "github.com/google/uuid"
	api_models "gitlab.com/maplesense1/mpt.edge_gateway/src/production/MQT.Models/api"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrMissingScope = errors.New("token lacks the required scope")
)

// Service signs and validates HS256 bearer tokens for the read API
type Service struct {
	config api_models.Config
	now    func() time.Time
}

// NewService creates a new JWT service
func NewService(config api_models.Config) *Service {
	return &Service{
		config: config,
		now:    time.Now,
	}
}

// GenerateToken issues a read-scoped token for subject
func (s *Service) GenerateToken(subject string) (*api_models.IssuedToken, error) {
	tokenID := uuid.New().String()
	now := s.now()
	expiresAt := now.Add(s.config.TokenDuration)

	claims := api_models.AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    s.config.Issuer,
		},
		Scope:   api_models.ScopeRead,
		TokenID: tokenID,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.config.SecretKey))
	if err != nil {
		return nil, err
	}

	return &api_models.IssuedToken{
		AccessToken: signed,
		TokenID:     tokenID,
		ExpiresAt:   expiresAt.Unix(),
	}, nil
}

// ValidateAccessToken checks signature, expiry, issuer and scope
func (s *Service) ValidateAccessToken(tokenString string) (*api_models.AccessClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &api_models.AccessClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(s.config.SecretKey), nil
	}, jwt.WithIssuer(s.config.Issuer), jwt.WithTimeFunc(s.now))

	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*api_models.AccessClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Scope != api_models.ScopeRead {
		return nil, ErrMissingScope
	}
	return claims, nil
}
