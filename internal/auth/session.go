package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/ozkancirak/socialapp/internal/users"
)

const (
	// DefaultSessionCookieName is the cookie the identity provider's frontend SDK writes.
	DefaultSessionCookieName = "__session"

	opVerifySession = "auth.verify_session"
	bearerPrefix    = "bearer "
)

var (
	ErrMissingSessionToken = errors.New("auth: session token required")
	ErrInvalidSessionToken = errors.New("auth: invalid session token")
	ErrExpiredSessionToken = errors.New("auth: session token expired")
	ErrMissingSubject      = errors.New("auth: token missing subject claim")
)

// SessionClaims carries the verified identity of the caller. Subject is the provider's external user id.
type SessionClaims struct {
	Subject   string
	Email     string
	Username  string
	FullName  string
	AvatarURL string
	Issuer    string
	Expiry    time.Time
}

// Profile returns the profile mirrored in the session, or nil when the token carried none.
func (c SessionClaims) Profile() *users.Profile {
	profile := users.Profile{
		FullName:  c.FullName,
		Username:  c.Username,
		Email:     c.Email,
		AvatarURL: c.AvatarURL,
	}
	if profile.IsEmpty() {
		return nil
	}
	return &profile
}

// SessionVerifier authenticates an inbound request.
type SessionVerifier interface {
	VerifyRequest(r *http.Request) (SessionClaims, error)
}

// identityClaims is the JWT payload shared by provider-issued and locally signed sessions.
type identityClaims struct {
	Email           string `json:"email,omitempty"`
	Username        string `json:"username,omitempty"`
	FullName        string `json:"name,omitempty"`
	AvatarURL       string `json:"picture,omitempty"`
	AuthorizedParty string `json:"azp,omitempty"`
	jwt.RegisteredClaims
}

func (c *identityClaims) sessionClaims() (SessionClaims, error) {
	subject := strings.TrimSpace(c.Subject)
	if subject == "" {
		return SessionClaims{}, ErrMissingSubject
	}
	expiry := time.Time{}
	if c.ExpiresAt != nil {
		expiry = c.ExpiresAt.Time
	}
	return SessionClaims{
		Subject:   subject,
		Email:     strings.TrimSpace(c.Email),
		Username:  strings.TrimSpace(c.Username),
		FullName:  strings.TrimSpace(c.FullName),
		AvatarURL: strings.TrimSpace(c.AvatarURL),
		Issuer:    c.Issuer,
		Expiry:    expiry,
	}, nil
}

// tokenFromRequest reads the session cookie first and falls back to an Authorization bearer token.
func tokenFromRequest(r *http.Request, cookieName string) string {
	if r == nil {
		return ""
	}
	if cookie, err := r.Cookie(cookieName); err == nil && cookie != nil {
		if value := strings.TrimSpace(cookie.Value); value != "" {
			return value
		}
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > len(bearerPrefix) && strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return strings.TrimSpace(header[len(bearerPrefix):])
	}
	return ""
}
