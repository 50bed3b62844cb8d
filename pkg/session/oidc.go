package session

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/collapp/panel/pkg/httputil"
	"github.com/collapp/panel/pkg/observability"
)

const stateCookieName = "collapp_oauth_state"

// OIDCConfig configures the sign-in provider.
type OIDCConfig struct {
	IssuerURL    string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
}

// Authenticator implements the OIDC sign-in flow: a login redirect, the
// callback that verifies the ID token and creates a session, and logout.
type Authenticator struct {
	verifier     *oidc.IDTokenVerifier
	oauth2Config *oauth2.Config
	sessions     Store
	logger       *observability.Logger
	ttl          time.Duration
	secureCookie bool
}

// NewAuthenticator discovers the OIDC provider and creates the authenticator.
func NewAuthenticator(ctx context.Context, cfg OIDCConfig, sessions Store, ttl time.Duration, secureCookie bool, logger *observability.Logger) (*Authenticator, error) {
	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("discovering OIDC provider: %w", err)
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}

	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &Authenticator{
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		oauth2Config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
		},
		sessions:     sessions,
		logger:       logger,
		ttl:          ttl,
		secureCookie: secureCookie,
	}, nil
}

// LoginHandler redirects to the provider's authorization endpoint.
func (a *Authenticator) LoginHandler(w http.ResponseWriter, r *http.Request) {
	state, err := NewToken()
	if err != nil {
		httputil.WriteInternalError(w, fmt.Errorf("generating state: %w", err))
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    state,
		Path:     "/",
		MaxAge:   int((10 * time.Minute).Seconds()),
		HttpOnly: true,
		Secure:   a.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, a.oauth2Config.AuthCodeURL(state), http.StatusFound)
}

// CallbackHandler exchanges the authorization code, verifies the ID token,
// creates a session, and sets the session cookie.
func (a *Authenticator) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	stateCookie, err := r.Cookie(stateCookieName)
	if err != nil || stateCookie.Value == "" || stateCookie.Value != r.URL.Query().Get("state") {
		httputil.WriteBadRequest(w, "invalid oauth state")
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		httputil.WriteBadRequest(w, "missing authorization code")
		return
	}

	ctx := r.Context()
	oauth2Token, err := a.oauth2Config.Exchange(ctx, code)
	if err != nil {
		a.logger.WithError(err).Error("oauth code exchange failed")
		httputil.WriteUnauthorized(w, "sign-in failed")
		return
	}

	rawIDToken, ok := oauth2Token.Extra("id_token").(string)
	if !ok {
		httputil.WriteUnauthorized(w, "missing id_token in provider response")
		return
	}

	idToken, err := a.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		a.logger.WithError(err).Error("ID token verification failed")
		httputil.WriteUnauthorized(w, "sign-in failed")
		return
	}

	var claims struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := idToken.Claims(&claims); err != nil || claims.Email == "" {
		httputil.WriteUnauthorized(w, "provider did not supply an email claim")
		return
	}

	token, err := NewToken()
	if err != nil {
		httputil.WriteInternalError(w, fmt.Errorf("generating session token: %w", err))
		return
	}

	now := time.Now()
	sess := &Session{
		Token:     token,
		Email:     claims.Email,
		Name:      claims.Name,
		ExpiresAt: now.Add(a.ttl),
		CreatedAt: now,
	}
	if err := a.sessions.CreateSession(ctx, sess); err != nil {
		a.logger.WithError(err).Error("session creation failed")
		httputil.WriteInternalError(w, fmt.Errorf("session creation failed"))
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		Secure:   a.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	// Clear the state cookie.
	http.SetCookie(w, &http.Cookie{Name: stateCookieName, Value: "", Path: "/", MaxAge: -1})

	a.logger.WithField("email", claims.Email).Info("user signed in")
	http.Redirect(w, r, "/", http.StatusFound)
}

// LogoutHandler deletes the session and clears the cookie.
func (a *Authenticator) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(CookieName)
	if err == nil && cookie.Value != "" {
		if err := a.sessions.DeleteSession(r.Context(), cookie.Value); err != nil {
			a.logger.WithError(err).Warn("session deletion failed")
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
}
