package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/lexrelay/lexrelay/internal/identity"
)

var testSecret = []byte("test-signing-secret")

func newIssuerAndValidator(t *testing.T, clock func() time.Time) (*TokenIssuer, *TokenValidator) {
	t.Helper()
	issuer := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: testSecret,
		Issuer:        "lexrelay-auth",
		Audience:      "lexrelay-rtc",
		TokenTTL:      15 * time.Minute,
		Clock:         clock,
	})
	validator, err := NewTokenValidator(TokenValidatorConfig{
		SigningSecret: testSecret,
		Issuer:        "lexrelay-auth",
		Audience:      "lexrelay-rtc",
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	return issuer, validator
}

func TestConnectTokenRoundTrip(t *testing.T) {
	issuer, validator := newIssuerAndValidator(t, nil)
	principal := identity.Identity{PrincipalID: 12, Kind: identity.KindLawyer}

	token, err := issuer.IssueConnectToken(principal, "Counsel", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	claims, err := validator.ValidateToken(token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claims.PrincipalID != 12 || claims.PrincipalKind != "lawyer" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if !claims.Observer {
		t.Fatal("observer role must survive the round trip")
	}
	resolved, err := claims.Identity()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved != principal {
		t.Fatalf("unexpected identity: %+v", resolved)
	}
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	issuer, _ := newIssuerAndValidator(t, nil)
	token, err := issuer.IssueConnectToken(identity.Identity{PrincipalID: 1, Kind: identity.KindUser}, "", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	other, err := NewTokenValidator(TokenValidatorConfig{
		SigningSecret: []byte("different"),
		Issuer:        "lexrelay-auth",
		Audience:      "lexrelay-rtc",
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	if _, err := other.ValidateToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	issuedAt := time.Unix(1750000000, 0).UTC()
	issuer, _ := newIssuerAndValidator(t, func() time.Time { return issuedAt })
	token, err := issuer.IssueConnectToken(identity.Identity{PrincipalID: 1, Kind: identity.KindUser}, "", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, lateValidator := newIssuerAndValidator(t, func() time.Time { return issuedAt.Add(time.Hour) })
	if _, err := lateValidator.ValidateToken(token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestValidateRejectsMissingToken(t *testing.T) {
	_, validator := newIssuerAndValidator(t, nil)
	if _, err := validator.ValidateToken("  "); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
}

func TestClaimsIdentityRejectsBadKind(t *testing.T) {
	claims := ConnectClaims{PrincipalID: 4, PrincipalKind: "paralegal"}
	if _, err := claims.Identity(); !errors.Is(err, identity.ErrInvalidKind) {
		t.Fatalf("expected ErrInvalidKind, got %v", err)
	}
}
