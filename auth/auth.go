// Package auth verifies bearer credentials for the gateway and issues them
// at login. Verification is a signature and expiry check against a shared
// secret; there is no storage.
package auth

import (
	"context"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/m4xw311/nexus/errors"
	"golang.org/x/crypto/bcrypt"
)

// Identity is the authenticated caller.
type Identity struct {
	Subject string `json:"sub"`
	Role    string `json:"role"`
}

// Authenticator turns a bearer credential into an Identity. Failures wrap
// errors.ErrUnauthenticated.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Identity, error)
}

type claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuthenticator signs and verifies HS256 tokens.
type JWTAuthenticator struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewJWTAuthenticator(secret string, ttl time.Duration) *JWTAuthenticator {
	return &JWTAuthenticator{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue returns a signed token for subject that expires after the configured TTL.
func (a *JWTAuthenticator) Issue(subject, role string) (string, error) {
	now := a.now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	})
	signed, err := tok.SignedString(a.secret)
	if err != nil {
		return "", errors.Wrapf(err, "failed to sign token")
	}
	return signed, nil
}

func (a *JWTAuthenticator) Authenticate(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, errors.Kindf(errors.ErrUnauthenticated, nil, "missing bearer token")
	}
	var c claims
	_, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return nil, errors.Kindf(errors.ErrUnauthenticated, err, "invalid bearer token")
	}
	return &Identity{Subject: c.Subject, Role: c.Role}, nil
}

// NopAuthenticator accepts every request as a fixed local identity. It is the
// strategy used when auth is disabled for test environments.
type NopAuthenticator struct{}

func (NopAuthenticator) Authenticate(context.Context, string) (*Identity, error) {
	return &Identity{Subject: "local-user", Role: "admin"}, nil
}

// Credentials is the single admin login.
type Credentials struct {
	Username     string
	PasswordHash string
}

// Check compares username exactly and password against the bcrypt hash. An
// unset hash never matches.
func (c Credentials) Check(username, password string) bool {
	if username != c.Username || c.PasswordHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(c.PasswordHash), []byte(password)) == nil
}

// HashPassword returns a bcrypt hash suitable for ADMIN_PASSWORD_HASH.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", errors.Wrapf(err, "failed to hash password")
	}
	return string(h), nil
}

// BearerToken extracts the token from an "Authorization: Bearer <token>"
// header value. The scheme is matched case-insensitively.
func BearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
