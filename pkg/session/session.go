// Package session implements session-cookie authentication for the panel:
// persisted sessions, an optional Redis read-through cache, the HTTP
// middleware gating /api routes, and the OIDC sign-in flow that creates
// sessions.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"
)

// CookieName is the session cookie set on sign-in.
const CookieName = "collapp_session"

// DefaultTTL is the session lifetime when none is configured.
const DefaultTTL = 24 * time.Hour

// ErrNotFound is returned for unknown or expired session tokens.
var ErrNotFound = errors.New("session not found")

// Session is one signed-in browser session. Sessions only prove presence of
// an authenticated user; whether that user is an admin is re-checked by the
// moderation service on every mutating call.
type Session struct {
	Token     string    `json:"token"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	ExpiresAt time.Time `json:"expiresAt"`
	CreatedAt time.Time `json:"createdAt"`
}

// Expired reports whether the session is past its expiry.
func (s *Session) Expired() bool {
	return time.Now().After(s.ExpiresAt)
}

// User is the authenticated identity attached to a request.
type User struct {
	Email string
	Name  string
}

// Store persists sessions. GetSession must not return expired sessions.
type Store interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, token string) (*Session, error)
	DeleteSession(ctx context.Context, token string) error
	DeleteExpiredSessions(ctx context.Context) (int64, error)
}

// Source is the read side of session lookup, satisfied by Store and by Cache.
type Source interface {
	GetSession(ctx context.Context, token string) (*Session, error)
}

// NewToken generates a 256-bit random session token.
func NewToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
