package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// 44-character base64 string, as produced by `openssl rand -base64 32`
const testSecret = "wJ6Qk8Qn1v9Qw1Zb2l8Qk9J3p6Qk8Qn1v9Qw1Zb2l8Qk="

func TestIssue(t *testing.T) {
	svc := NewTokenService(testSecret, "")

	tests := []struct {
		name    string
		subject string
		scopes  []Scope
		wantErr error
	}{
		{name: "read token", subject: "dashboard", scopes: []Scope{ScopeRead}},
		{name: "both scopes", subject: "agent-host-1", scopes: []Scope{ScopeRead, ScopeIngest}},
		{name: "empty subject", subject: "", scopes: []Scope{ScopeRead}, wantErr: ErrEmptySubject},
		{name: "no scopes", subject: "dashboard", wantErr: ErrInvalidScopes},
		{name: "unknown scope", subject: "dashboard", scopes: []Scope{"admin"}, wantErr: ErrInvalidScopes},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := svc.Issue(tt.subject, tt.scopes, time.Hour)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Issue() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && strings.Count(token, ".") != 2 {
				t.Errorf("Issue() returned malformed token %q", token)
			}
		})
	}
}

func TestValidate_RoundTrip(t *testing.T) {
	svc := NewTokenService(testSecret, "")
	token, err := svc.Issue("dashboard", []Scope{ScopeRead}, time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	claims, err := svc.Validate(token)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if claims.Subject != "dashboard" || claims.Issuer != Issuer {
		t.Errorf("claims = %+v", claims.RegisteredClaims)
	}
	if !claims.Allows(ScopeRead) || claims.Allows(ScopeIngest) {
		t.Errorf("scopes = %v", claims.Scopes)
	}
}

func TestValidate_Rejects(t *testing.T) {
	svc := NewTokenService(testSecret, "")
	valid, _ := svc.Issue("dashboard", []Scope{ScopeRead}, time.Hour)

	other := NewTokenService("some-other-secret-value-123456", "")
	foreign, _ := other.Issue("dashboard", []Scope{ScopeRead}, time.Hour)

	noIssuer, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "dashboard",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Scopes: []Scope{ScopeRead},
	}).SignedString([]byte(testSecret))

	noExpiry, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Issuer: Issuer, Subject: "dashboard"},
		Scopes:           []Scope{ScopeRead},
	}).SignedString([]byte(testSecret))

	hs384, _ := jwt.NewWithClaims(jwt.SigningMethodHS384, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   "dashboard",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte(testSecret))

	parts := strings.Split(valid, ".")
	tampered := parts[0] + "." + parts[1] + "x." + parts[2]

	tests := map[string]string{
		"wrong secret":     foreign,
		"missing issuer":   noIssuer,
		"missing expiry":   noExpiry,
		"unexpected alg":   hs384,
		"tampered payload": tampered,
		"garbage":          "not-a-token",
		"empty":            "",
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := svc.Validate(token); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Validate() error = %v, want %v", err, ErrInvalidToken)
			}
		})
	}
}

func TestValidate_Expiry(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	svc := NewTokenService(testSecret, "")
	svc.now = func() time.Time { return now }
	token, err := svc.Issue("dashboard", []Scope{ScopeRead}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	svc.now = func() time.Time { return now.Add(time.Minute + 10*time.Second) }
	if _, err := svc.Validate(token); err != nil {
		t.Errorf("token inside leeway rejected: %v", err)
	}

	svc.now = func() time.Time { return now.Add(2 * time.Minute) }
	if _, err := svc.Validate(token); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("Validate() error = %v, want %v", err, ErrExpiredToken)
	}

	strict := svc.WithLeeway(0)
	strict.now = func() time.Time { return now.Add(time.Minute + 10*time.Second) }
	if _, err := strict.Validate(token); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("strict Validate() error = %v, want %v", err, ErrExpiredToken)
	}
}

func TestRotation(t *testing.T) {
	current := "current-secret-key-12345678"
	previous := "previous-secret-key-87654321"

	old, err := NewTokenService(previous, "").Issue("agent", []Scope{ScopeIngest}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	rotated := NewTokenService(current, previous)
	claims, err := rotated.Validate(old)
	if err != nil {
		t.Fatalf("token signed with previous secret rejected: %v", err)
	}
	if claims.Subject != "agent" {
		t.Errorf("Subject = %q", claims.Subject)
	}

	fresh, _ := rotated.Issue("agent", []Scope{ScopeIngest}, time.Hour)
	if _, err := NewTokenService(previous, "").Validate(fresh); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("new token validated with previous secret only: %v", err)
	}
	if _, err := NewTokenService(current, "").Validate(fresh); err != nil {
		t.Errorf("new token rejected by current secret: %v", err)
	}
}

func TestAuthorize(t *testing.T) {
	svc := NewTokenService(testSecret, "")
	token, _ := svc.Issue("dashboard", []Scope{ScopeRead}, time.Hour)

	if _, err := svc.Authorize(token, ScopeRead); err != nil {
		t.Errorf("Authorize(read) error = %v", err)
	}
	if _, err := svc.Authorize(token, ScopeIngest); !errors.Is(err, ErrMissingScope) {
		t.Errorf("Authorize(ingest) error = %v, want %v", err, ErrMissingScope)
	}
}
