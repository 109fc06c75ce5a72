// Package auth proves caller identity for the HTTP API.
//
// Callers present an HS256 bearer token whose subject is their address.
// Handlers never see the token; they read the proven address from the gin
// context and pass it down as the caller of every mutating operation.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mbd888/covenant/internal/idgen"
)

// DefaultTokenTTL is the lifetime of tokens issued without an explicit TTL.
const DefaultTokenTTL = 24 * time.Hour

var (
	ErrMissingSecret = errors.New("auth: signing secret is required")
	ErrInvalidToken  = errors.New("auth: invalid token")
	ErrNoSubject     = errors.New("auth: token has no subject")
)

// Claims is the token payload.
type Claims struct {
	jwt.RegisteredClaims
}

// Manager issues and verifies bearer tokens.
type Manager struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewManager creates a token manager. issuer may be empty.
func NewManager(secret, issuer string) (*Manager, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	return &Manager{secret: []byte(secret), issuer: issuer, now: time.Now}, nil
}

// IssueToken signs a token asserting that the bearer controls address.
func (m *Manager) IssueToken(address string, ttl time.Duration) (string, error) {
	address = strings.ToLower(strings.TrimSpace(address))
	if address == "" {
		return "", ErrNoSubject
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	now := m.now()
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		ID:        idgen.New(),
		Subject:   address,
		Issuer:    m.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// Verify parses a token and returns the caller address it proves.
func (m *Manager) Verify(raw string) (string, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}

	var claims Claims
	token, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return "", ErrInvalidToken
	}
	if claims.Subject == "" {
		return "", ErrNoSubject
	}
	return strings.ToLower(claims.Subject), nil
}
