// Package auth issues and verifies signed session tokens and hashes
// passwords. Token verification is pure computation and never touches
// storage.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/dmitrijs2005/siteauth/internal/common"
	"github.com/dmitrijs2005/siteauth/internal/server/roles"
)

// DefaultTokenLifetime applies when no lifetime is configured.
const DefaultTokenLifetime = 24 * time.Hour

// Identity is what a verified token asserts about its bearer.
type Identity struct {
	ID   string
	Role roles.Role
}

// Claims are the JWT claims carried by a session token. Subject holds the
// user id and ID the token id used for revocation.
type Claims struct {
	jwt.RegisteredClaims
	Role roles.Role `json:"role"`
}

func (c *Claims) Identity() Identity {
	return Identity{ID: c.Subject, Role: c.Role}
}

// TokenService signs HS256 tokens with a single process-wide secret.
type TokenService struct {
	secret   []byte
	lifetime time.Duration
	now      func() time.Time
}

type TokenOption func(*TokenService)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) TokenOption {
	return func(s *TokenService) { s.now = now }
}

func NewTokenService(secret []byte, lifetime time.Duration, opts ...TokenOption) (*TokenService, error) {
	if len(secret) == 0 {
		return nil, errors.New("token secret must not be empty")
	}
	if lifetime <= 0 {
		lifetime = DefaultTokenLifetime
	}

	s := &TokenService{
		secret:   append([]byte(nil), secret...),
		lifetime: lifetime,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *TokenService) Lifetime() time.Duration {
	return s.lifetime
}

// Issue signs a token for id with iat=now and exp=now+lifetime.
func (s *TokenService) Issue(id Identity) (string, error) {
	token, _, err := s.Mint(id)
	return token, err
}

// Mint is Issue that also returns the exp claim it signed.
func (s *TokenService) Mint(id Identity) (string, time.Time, error) {
	if id.ID == "" || !id.Role.Valid() {
		return "", time.Time{}, fmt.Errorf("cannot issue token for identity %q with role %q", id.ID, id.Role)
	}

	now := s.now()
	exp := jwt.NewNumericDate(now.Add(s.lifetime))
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.ID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: exp,
		},
		Role: id.Role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing token: %w", err)
	}
	return signed, exp.Time, nil
}

// Verify validates signature and expiry and returns the embedded identity.
func (s *TokenService) Verify(tokenString string) (Identity, error) {
	claims, err := s.VerifyClaims(tokenString)
	if err != nil {
		return Identity{}, err
	}
	return claims.Identity(), nil
}

// VerifyClaims is Verify returning the full claims (token id, expiry).
//
// Errors: common.ErrTokenInvalidSignature, common.ErrTokenExpired,
// common.ErrTokenMalformed.
func (s *TokenService) VerifyClaims(tokenString string) (*Claims, error) {
	claims := &Claims{}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)

	_, err := parser.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil {
		return nil, classify(err)
	}

	if claims.Subject == "" || !claims.Role.Valid() {
		return nil, fmt.Errorf("%w: missing subject or role", common.ErrTokenMalformed)
	}
	if claims.IssuedAt != nil && !claims.ExpiresAt.After(claims.IssuedAt.Time) {
		return nil, fmt.Errorf("%w: expiry not after issue time", common.ErrTokenMalformed)
	}

	return claims, nil
}

// classify maps jwt errors onto the sentinel errors. A token signed with any
// algorithm other than HS256 (including "none") is an invalid signature.
// Expiry is only reported for tokens whose signature checked out.
func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("%w: %v", common.ErrTokenInvalidSignature, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", common.ErrTokenExpired, err)
	default:
		return fmt.Errorf("%w: %v", common.ErrTokenMalformed, err)
	}
}
