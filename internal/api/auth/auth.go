// Package auth verifies the bearer tokens issued by the identity provider in
// front of the web tier.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingToken is returned when a request carries no bearer token.
	ErrMissingToken = errors.New("missing bearer token")

	// ErrInvalidToken is returned for tokens that fail verification.
	ErrInvalidToken = errors.New("invalid token")
)

// Claims is the identity carried by a token. The subject is the user id.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
}

// UserID returns the token subject.
func (c Claims) UserID() string { return c.Subject }

// Config holds the token verification settings.
type Config struct {
	Secret []byte
	Issuer string
	// TTL is the lifetime of tokens minted by Issue.
	TTL time.Duration
}

// Auth signs and verifies HS256 tokens.
type Auth struct {
	secret []byte
	issuer string
	ttl    time.Duration
	parser *jwt.Parser
}

// New creates an Auth. The secret must not be empty.
func New(cfg Config) (*Auth, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("auth secret is empty")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	return &Auth{
		secret: cfg.Secret,
		issuer: cfg.Issuer,
		ttl:    ttl,
		parser: jwt.NewParser(opts...),
	}, nil
}

// Authenticate parses a bearer header value and returns the verified claims.
func (a *Auth) Authenticate(ctx context.Context, bearer string) (Claims, error) {
	parts := strings.SplitN(bearer, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
		return Claims{}, ErrMissingToken
	}
	return a.Verify(ctx, parts[1])
}

// Verify checks a raw token and returns its claims.
func (a *Auth) Verify(_ context.Context, token string) (Claims, error) {
	var claims Claims
	if _, err := a.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}); err != nil {
		return Claims{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return Claims{}, fmt.Errorf("%w: no subject", ErrInvalidToken)
	}
	return claims, nil
}

// Issue mints a token for userID. It backs local development and tests; in
// production tokens come from the identity provider.
func (a *Auth) Issue(userID, email string, now time.Time) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
		Email: email,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

type ctxKey int

const claimKey ctxKey = 1

// SetClaims stores the claims in the context.
func SetClaims(ctx context.Context, claims Claims) context.Context {
	return context.WithValue(ctx, claimKey, claims)
}

// GetClaims returns the claims stored by SetClaims.
func GetClaims(ctx context.Context) (Claims, bool) {
	v, ok := ctx.Value(claimKey).(Claims)
	return v, ok
}
