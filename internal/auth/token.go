// Package auth resolves the identity behind a chat connection or REST call
// from a signed bearer token. Verification failures never abort a caller:
// they resolve to a guest (nil identity).
package auth

import (
	"errors"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned for malformed tokens, bad signatures and
	// tokens without a usable subject.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrExpiredToken is returned when the token has expired.
	ErrExpiredToken = errors.New("auth: token has expired")
)

// Claims are the claims carried by an account-service token. The numeric
// id claim is authoritative; sub is accepted as a fallback.
type Claims struct {
	UserID int64  `json:"id"`
	Email  string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// SubjectID returns the user id the token was issued for.
func (c *Claims) SubjectID() (int64, error) {
	if c.UserID > 0 {
		return c.UserID, nil
	}
	if c.RegisteredClaims.Subject == "" {
		return 0, ErrInvalidToken
	}
	id, err := strconv.ParseInt(c.RegisteredClaims.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrInvalidToken
	}
	return id, nil
}

// TokenManager signs and verifies HS256 tokens with a shared secret.
type TokenManager struct {
	secret []byte
}

// NewTokenManager creates a TokenManager for secret.
func NewTokenManager(secret string) *TokenManager {
	return &TokenManager{secret: []byte(secret)}
}

// Issue signs a token for userID valid for ttl. Login lives in the account
// service; Issue exists for tooling and tests that need real tokens.
func (m *TokenManager) Issue(userID int64, email string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// Verify checks the signature and expiry of raw and returns its claims.
func (m *TokenManager) Verify(raw string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return m.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
