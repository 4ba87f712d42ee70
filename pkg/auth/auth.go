// Package auth verifies the session tokens presented on the WebSocket
// upgrade and issues them for the login glue.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/NicolasHaas/roomrelay/pkg/crypto"
)

var (
	ErrMissingToken = errors.New("auth: missing token")
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrExpiredToken = errors.New("auth: token has expired")
)

const keyPurpose = "session-token"

// Config holds token settings.
type Config struct {
	Secret string
	Issuer string
	TTL    time.Duration
}

type claims struct {
	jwt.RegisteredClaims
}

// Authenticator mints and verifies HS256 session tokens. The subject
// claim carries the user ID.
type Authenticator struct {
	key    []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// New derives the signing key from cfg.Secret.
func New(cfg Config) (*Authenticator, error) {
	key, err := crypto.DeriveKey(cfg.Secret, keyPurpose)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	return &Authenticator{key: key, issuer: cfg.Issuer, ttl: cfg.TTL, now: time.Now}, nil
}

// SetClock replaces the time source. Used in tests.
func (a *Authenticator) SetClock(now func() time.Time) {
	a.now = now
}

// Issue mints a token for userID.
func (a *Authenticator) Issue(userID string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("auth: issue: empty user id")
	}
	now := a.now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(a.key)
	if err != nil {
		return "", fmt.Errorf("auth: sign: %w", err)
	}
	return signed, nil
}

// Verify checks signature, expiry and issuer and returns the user ID.
func (a *Authenticator) Verify(token string) (string, error) {
	if token == "" {
		return "", ErrMissingToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(*jwt.Token) (any, error) {
		return a.key, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", ErrInvalidToken
	}

	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid || c.Subject == "" {
		return "", ErrInvalidToken
	}
	return c.Subject, nil
}

// TokenFromRequest extracts a bearer token from the Authorization header,
// falling back to the "token" query parameter for browser clients that
// cannot set headers on a WebSocket handshake.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, tok, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(tok)
		}
	}
	return r.URL.Query().Get("token")
}
