// Package auth provides authentication primitives for the OCM CA.
// It includes signed session tokens, random secrets for sessions and the
// first-run setup token, bcrypt password hashing, and credential validation.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrTokenExpired is returned for a well-formed token past its expiry
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenInvalid is returned for malformed, forged or foreign tokens
	ErrTokenInvalid = errors.New("invalid token")
)

// SessionClaims are carried in the session cookie. The JWT ID is the
// server-side session identifier and Subject is the user ID.
type SessionClaims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// SessionToken describes a token to be signed
type SessionToken struct {
	SessionID string
	UserID    string
	Username  string
	Role      string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// GenerateToken signs a session token with HS256
func GenerateToken(t SessionToken, secret []byte, issuer string) (string, error) {
	claims := &SessionClaims{
		Username: t.Username,
		Role:     t.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        t.SessionID,
			Subject:   t.UserID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(t.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(t.ExpiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken checks signature, issuer and expiry and returns the claims
func ValidateToken(tokenString string, secret []byte, issuer string, now time.Time) (*SessionClaims, error) {
	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	if !token.Valid || claims.ID == "" || claims.Subject == "" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}
