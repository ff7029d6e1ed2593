package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/lexrelay/lexrelay/internal/identity"
)

const defaultTokenTTL = 30 * time.Minute

var (
	ErrMissingSigningSecret = errors.New("auth: signing secret required")
	ErrMissingToken         = errors.New("auth: token required")
	ErrInvalidToken         = errors.New("auth: invalid token")
	ErrExpiredToken         = errors.New("auth: token expired")
	ErrMissingPrincipal     = errors.New("auth: principal claims required")
)

// ConnectClaims is the JWT payload the marketplace's auth system mints
// for a realtime connection. By the time this service sees it, the
// principal is already authenticated; the claims only carry who it is
// and whether it may observe call lifecycle events.
type ConnectClaims struct {
	PrincipalID   int64  `json:"principal_id"`
	PrincipalKind string `json:"principal_kind"`
	DisplayName   string `json:"display_name,omitempty"`
	Observer      bool   `json:"observer,omitempty"`
	jwt.RegisteredClaims
}

// Identity returns the identity the claims describe.
func (c ConnectClaims) Identity() (identity.Identity, error) {
	kind, err := identity.ParseKind(c.PrincipalKind)
	if err != nil {
		return identity.Identity{}, err
	}
	if c.PrincipalID <= 0 {
		return identity.Identity{}, ErrMissingPrincipal
	}
	return identity.Identity{PrincipalID: c.PrincipalID, Kind: kind}, nil
}

// TokenValidatorConfig describes how to validate connect tokens.
type TokenValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	Clock         func() time.Time
}

// TokenValidator validates HS256 connect tokens.
type TokenValidator struct {
	signingSecret []byte
	issuer        string
	audience      string
	clock         func() time.Time
}

// NewTokenValidator constructs a validator with the provided configuration.
func NewTokenValidator(cfg TokenValidatorConfig) (*TokenValidator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningSecret
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenValidator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        strings.TrimSpace(cfg.Issuer),
		audience:      strings.TrimSpace(cfg.Audience),
		clock:         clock,
	}, nil
}

// ValidateToken validates the supplied JWT string and returns the claims.
func (v *TokenValidator) ValidateToken(tokenString string) (ConnectClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return ConnectClaims{}, ErrMissingToken
	}

	claims := &ConnectClaims{}
	options := []jwt.ParserOption{
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	}
	if v.issuer != "" {
		options = append(options, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		options = append(options, jwt.WithAudience(v.audience))
	}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidToken, t.Method.Alg())
			}
			return v.signingSecret, nil
		},
		options...,
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ConnectClaims{}, ErrExpiredToken
		}
		return ConnectClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return ConnectClaims{}, ErrInvalidToken
	}
	if claims.PrincipalID <= 0 || strings.TrimSpace(claims.PrincipalKind) == "" {
		return ConnectClaims{}, ErrMissingPrincipal
	}
	return *claims, nil
}

// TokenIssuerConfig configures the connect-token issuer. Production
// tokens come from the marketplace auth system; this issuer exists for
// local development and tests.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer mints connect tokens.
type TokenIssuer struct {
	config TokenIssuerConfig
	clock  func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer with sane defaults.
func NewTokenIssuer(cfg TokenIssuerConfig) *TokenIssuer {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	cfg.Clock = clock
	return &TokenIssuer{config: cfg, clock: clock}
}

// IssueConnectToken produces a signed token for the given principal.
func (i *TokenIssuer) IssueConnectToken(principal identity.Identity, displayName string, observer bool) (string, error) {
	if len(i.config.SigningSecret) == 0 {
		return "", ErrMissingSigningSecret
	}
	if principal.PrincipalID <= 0 {
		return "", ErrMissingPrincipal
	}

	now := i.clock().UTC()
	claims := ConnectClaims{
		PrincipalID:   principal.PrincipalID,
		PrincipalKind: string(principal.Kind),
		DisplayName:   displayName,
		Observer:      observer,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principal.String(),
			Issuer:    i.config.Issuer,
			Audience:  []string{i.config.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.config.TokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.config.SigningSecret)
}
