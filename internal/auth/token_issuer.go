package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// OperatorIssuer is the iss claim of operator tokens.
	OperatorIssuer = "quill-admin"
	// OperatorAudience is the aud claim of operator tokens.
	OperatorAudience = "quill-api"
	// ScopeTriggerSweeps allows triggering background sweeps.
	ScopeTriggerSweeps = "sweeps:trigger"

	defaultTokenTTL = time.Hour
)

var (
	ErrMissingSigningSecret = errors.New("auth: signing secret must be provided")
	ErrMissingSubject       = errors.New("auth: subject must be provided")
)

// OperatorClaims is the payload of an operator token.
type OperatorClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// TokenIssuerConfig configures the operator token issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer mints HS256 operator tokens.
type TokenIssuer struct {
	signingSecret []byte
	ttl           time.Duration
	clock         func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer with sane defaults.
func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningSecret
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		ttl:           ttl,
		clock:         clock,
	}, nil
}

// IssueOperatorToken produces a signed JWT for subject and its expiry instant.
func (i *TokenIssuer) IssueOperatorToken(_ context.Context, subject string) (string, time.Time, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", time.Time{}, ErrMissingSubject
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.ttl)
	claims := OperatorClaims{
		Scope: ScopeTriggerSweeps,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    OperatorIssuer,
			Audience:  []string{OperatorAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.signingSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}
