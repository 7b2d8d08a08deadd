package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/ozkancirak/socialapp/internal/apperror"
)

const defaultSessionIssuer = "socialapp-local"

var ErrMissingSessionSigningKey = errors.New("session validator: signing key required")

// SessionValidatorConfig describes how to validate locally signed HS256 sessions.
type SessionValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	CookieName    string
	Clock         func() time.Time
}

// SessionValidator validates HS256 session tokens signed with a shared secret.
// It stands in for the identity provider in development and tests.
type SessionValidator struct {
	signingSecret []byte
	issuer        string
	cookieName    string
	clock         func() time.Time
}

// NewSessionValidator constructs a validator with the provided configuration.
func NewSessionValidator(cfg SessionValidatorConfig) (*SessionValidator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSessionSigningKey
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultSessionIssuer
	}
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		cookieName = DefaultSessionCookieName
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SessionValidator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		cookieName:    cookieName,
		clock:         clock,
	}, nil
}

// CookieName returns the cookie name configured for session lookups.
func (v *SessionValidator) CookieName() string {
	return v.cookieName
}

// Issuer returns the issuer the validator expects.
func (v *SessionValidator) Issuer() string {
	return v.issuer
}

// ValidateToken validates the supplied JWT string and returns the parsed claims.
func (v *SessionValidator) ValidateToken(tokenString string) (SessionClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return SessionClaims{}, ErrMissingSessionToken
	}

	claims := &identityClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidSessionToken, t.Method.Alg())
			}
			return v.signingSecret, nil
		},
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return SessionClaims{}, ErrExpiredSessionToken
		}
		return SessionClaims{}, fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return SessionClaims{}, ErrInvalidSessionToken
	}
	return claims.sessionClaims()
}

// VerifyRequest extracts the session cookie or bearer token from the request and validates it.
func (v *SessionValidator) VerifyRequest(r *http.Request) (SessionClaims, error) {
	token := tokenFromRequest(r, v.cookieName)
	if token == "" {
		return SessionClaims{}, apperror.AuthenticationFailure(opVerifySession, ErrMissingSessionToken)
	}
	claims, err := v.ValidateToken(token)
	if err != nil {
		return SessionClaims{}, apperror.AuthenticationFailure(opVerifySession, err)
	}
	return claims, nil
}

// SessionTokenInput describes a locally signed session.
type SessionTokenInput struct {
	Subject   string
	Email     string
	Username  string
	FullName  string
	AvatarURL string
	TTL       time.Duration
}

// IssueToken signs a session for the given subject. Used by tests and local tooling.
func (v *SessionValidator) IssueToken(input SessionTokenInput) (string, error) {
	subject := strings.TrimSpace(input.Subject)
	if subject == "" {
		return "", ErrMissingSubject
	}
	ttl := input.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := v.clock().UTC()
	claims := identityClaims{
		Email:     input.Email,
		Username:  input.Username,
		FullName:  input.FullName,
		AvatarURL: input.AvatarURL,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.signingSecret)
}
