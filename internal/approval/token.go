package approval

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenIssuer = "forge/approval"

// AuthorityClaims identify an authority at the HTTP boundary. The subject is
// the authority id.
type AuthorityClaims struct {
	jwt.RegisteredClaims
}

// IssueToken signs a bearer token for authorityID.
func IssueToken(secret []byte, authorityID string, ttl time.Duration, now time.Time) (string, error) {
	if len(secret) == 0 {
		return "", fmt.Errorf("approval: token secret is empty")
	}
	if strings.TrimSpace(authorityID) == "" {
		return "", fmt.Errorf("approval: authority id is required")
	}
	now = now.UTC()
	claims := AuthorityClaims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   authorityID,
		Issuer:    tokenIssuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// TokenVerifier checks HS256 authority tokens.
type TokenVerifier struct {
	secret []byte
	now    func() time.Time
}

// NewTokenVerifier constructs a verifier for secret.
func NewTokenVerifier(secret []byte) *TokenVerifier {
	return &TokenVerifier{secret: secret, now: time.Now}
}

// Verify returns the authority id carried by token.
func (v *TokenVerifier) Verify(token string) (string, error) {
	if len(v.secret) == 0 {
		return "", fmt.Errorf("approval: token secret is empty")
	}
	parsed, err := jwt.ParseWithClaims(strings.TrimSpace(token), &AuthorityClaims{},
		func(t *jwt.Token) (any, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return "", fmt.Errorf("approval: invalid token: %w", err)
	}
	claims, ok := parsed.Claims.(*AuthorityClaims)
	if !ok || !parsed.Valid {
		return "", errors.New("approval: invalid token")
	}
	if claims.Subject == "" {
		return "", errors.New("approval: token has no subject")
	}
	return claims.Subject, nil
}
