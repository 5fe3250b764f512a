package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

var (
	// ErrTokenExpired is returned when the token has expired
	ErrTokenExpired = errors.New("token expired")

	// ErrInvalidToken is returned when the token is invalid for any reason
	ErrInvalidToken = errors.New("invalid token")

	// ErrMissingSecret is returned when a token must be signed without a secret
	ErrMissingSecret = errors.New("token signing secret not configured")
)

// TokenClaims are the JWT claims carried by a credential token.
type TokenClaims struct {
	jwt.RegisteredClaims
	ClientUsername string `json:"client_username"`
	ClientDevice   string `json:"client_device"`
	ClientIP       string `json:"client_ip"`
}

// Identity returns the owner identity recorded in the claims.
func (c *TokenClaims) Identity() Identity {
	return Identity{
		Username: c.ClientUsername,
		DeviceID: c.ClientDevice,
		SourceIP: c.ClientIP,
	}
}

// CreateCredentialToken signs an HS256 token for owner valid for lifetime from now.
func CreateCredentialToken(owner Identity, secret string, now time.Time, lifetime time.Duration) (string, error) {
	if secret == "" {
		return "", ErrMissingSecret
	}

	claims := TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   owner.Username,
			ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
		ClientUsername: owner.Username,
		ClientDevice:   owner.DeviceID,
		ClientIP:       owner.SourceIP,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ParseCredentialToken validates a credential token and returns its claims.
// An empty secret verifies nothing and is rejected.
func ParseCredentialToken(tokenString string, secret string) (*TokenClaims, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}

	token, err := jwt.ParseWithClaims(tokenString, &TokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return []byte(secret), nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*TokenClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
