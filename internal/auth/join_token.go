package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingSigningKey = errors.New("join token: signing key required")
	ErrMissingToken      = errors.New("join token: token required")
	ErrInvalidToken      = errors.New("join token: invalid token")
	ErrExpiredToken      = errors.New("join token: token expired")
	ErrMissingUserID     = errors.New("join token: user id claim required")
)

// JoinClaims mirrors the JWT payload a client presents when joining a room.
// Only identity binding happens here; credential issuance lives elsewhere.
type JoinClaims struct {
	UserID          string `json:"user_id"`
	UserDisplayName string `json:"user_display_name"`
	jwt.RegisteredClaims
}

// JoinTokenValidatorConfig describes how to validate join tokens.
type JoinTokenValidatorConfig struct {
	SigningSecret []byte
	Clock         func() time.Time
}

// JoinTokenValidator validates HS256 join tokens and extracts the identity
// they bind. When no validator is configured, sessions fall back to the
// client-claimed identity.
type JoinTokenValidator struct {
	signingSecret []byte
	clock         func() time.Time
}

// NewJoinTokenValidator constructs a validator with the provided configuration.
func NewJoinTokenValidator(cfg JoinTokenValidatorConfig) (*JoinTokenValidator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningKey
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &JoinTokenValidator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		clock:         clock,
	}, nil
}

// ValidateToken validates the supplied JWT string and returns the parsed claims.
func (v *JoinTokenValidator) ValidateToken(tokenString string) (JoinClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return JoinClaims{}, ErrMissingToken
	}

	claims := &JoinClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidToken, t.Method.Alg())
			}
			return v.signingSecret, nil
		},
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return JoinClaims{}, ErrExpiredToken
		}
		return JoinClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return JoinClaims{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.UserID) == "" {
		return JoinClaims{}, ErrMissingUserID
	}
	return *claims, nil
}
