// Package auth issues and validates the bearer tokens that guard the
// dashboard read API, the live feed and, optionally, hook ingestion.
package auth

import (
	"errors"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Scope is a capability granted by a token.
type Scope string

// Token scopes.
const (
	// ScopeRead allows dashboard queries and the live feed.
	ScopeRead Scope = "read"
	// ScopeIngest allows hook deliveries.
	ScopeIngest Scope = "ingest"
)

// Issuer is written to and required in every token.
const Issuer = "hookpulse"

// DefaultTTL is the lifetime of issued tokens when none is given.
const DefaultTTL = 24 * time.Hour

// DefaultLeeway tolerates clock drift between issuer and validator.
const DefaultLeeway = 30 * time.Second

// Token errors.
var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrExpiredToken  = errors.New("token has expired")
	ErrMissingScope  = errors.New("token lacks required scope")
	ErrEmptySubject  = errors.New("subject cannot be empty")
	ErrInvalidScopes = errors.New("at least one known scope is required")
)

// Claims are the registered claims plus granted scopes.
type Claims struct {
	jwt.RegisteredClaims
	Scopes []Scope `json:"scp"`
}

// Allows reports whether the claims grant scope.
func (c *Claims) Allows(scope Scope) bool {
	return slices.Contains(c.Scopes, scope)
}

// TokenService signs tokens with the current secret and validates them with
// the current or previous secret, so a secret can be rotated without
// invalidating tokens already handed out.
type TokenService struct {
	current  []byte
	previous []byte
	leeway   time.Duration
	now      func() time.Time
}

// NewTokenService creates a service. previous may be empty.
func NewTokenService(current, previous string) *TokenService {
	s := &TokenService{current: []byte(current), leeway: DefaultLeeway, now: time.Now}
	if previous != "" {
		s.previous = []byte(previous)
	}
	return s
}

// WithLeeway returns a copy of s using leeway for expiry checks.
func (s *TokenService) WithLeeway(leeway time.Duration) *TokenService {
	c := *s
	c.leeway = leeway
	return &c
}

// Issue signs a token for subject granting scopes, valid for ttl
// (DefaultTTL when ttl <= 0).
func (s *TokenService) Issue(subject string, scopes []Scope, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", ErrEmptySubject
	}
	if len(scopes) == 0 {
		return "", ErrInvalidScopes
	}
	for _, sc := range scopes {
		if sc != ScopeRead && sc != ScopeIngest {
			return "", ErrInvalidScopes
		}
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := s.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Scopes: scopes,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.current)
}

func (s *TokenService) parse(token string, secret []byte) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(s.leeway),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Validate parses token and checks its signature, issuer and expiry.
func (s *TokenService) Validate(token string) (*Claims, error) {
	claims, err := s.parse(token, s.current)
	if err == nil {
		return claims, nil
	}
	if s.previous != nil && !errors.Is(err, jwt.ErrTokenExpired) {
		var prev *Claims
		if prev, err = s.parse(token, s.previous); err == nil {
			return prev, nil
		}
	}
	if errors.Is(err, jwt.ErrTokenExpired) {
		return nil, ErrExpiredToken
	}
	return nil, ErrInvalidToken
}

// Authorize validates token and requires scope.
func (s *TokenService) Authorize(token string, scope Scope) (*Claims, error) {
	claims, err := s.Validate(token)
	if err != nil {
		return nil, err
	}
	if !claims.Allows(scope) {
		return nil, ErrMissingScope
	}
	return claims, nil
}
