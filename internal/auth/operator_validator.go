package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const bearerPrefix = "Bearer "

var (
	ErrMissingOperatorToken = errors.New("operator validator: token required")
	ErrInvalidOperatorToken = errors.New("operator validator: invalid token")
	ErrExpiredOperatorToken = errors.New("operator validator: token expired")
	ErrInsufficientScope    = errors.New("operator validator: insufficient scope")
)

// OperatorValidatorConfig describes how to validate operator tokens.
type OperatorValidatorConfig struct {
	SigningSecret []byte
	Clock         func() time.Time
}

// OperatorValidator validates HS256 operator tokens presented as bearer credentials.
type OperatorValidator struct {
	signingSecret []byte
	clock         func() time.Time
}

// NewOperatorValidator constructs a validator with the provided configuration.
func NewOperatorValidator(cfg OperatorValidatorConfig) (*OperatorValidator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningSecret
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &OperatorValidator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		clock:         clock,
	}, nil
}

// ValidateToken validates the supplied JWT string and returns the parsed claims.
func (v *OperatorValidator) ValidateToken(tokenString string) (OperatorClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return OperatorClaims{}, ErrMissingOperatorToken
	}

	claims := &OperatorClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			return v.signingSecret, nil
		},
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(OperatorIssuer),
		jwt.WithAudience(OperatorAudience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return OperatorClaims{}, ErrExpiredOperatorToken
		}
		return OperatorClaims{}, fmt.Errorf("%w: %v", ErrInvalidOperatorToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return OperatorClaims{}, ErrInvalidOperatorToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return OperatorClaims{}, fmt.Errorf("%w: %v", ErrInvalidOperatorToken, ErrMissingSubject)
	}
	if claims.Scope != ScopeTriggerSweeps {
		return OperatorClaims{}, ErrInsufficientScope
	}
	return *claims, nil
}

// ValidateRequest extracts the bearer token from the Authorization header and validates it.
func (v *OperatorValidator) ValidateRequest(r *http.Request) (OperatorClaims, error) {
	if r == nil {
		return OperatorClaims{}, ErrMissingOperatorToken
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) < len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return OperatorClaims{}, ErrMissingOperatorToken
	}
	return v.ValidateToken(header[len(bearerPrefix):])
}
