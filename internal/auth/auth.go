package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/coreos/go-oidc"
	"golang.org/x/oauth2"

	"ai-workflows/backend/internal/config"
)

// DevUser is the identity used when authentication is bypassed in DEV.
const DevUser = "dev@localhost"

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

const (
	stateCookie   = "oauthstate"
	nextCookie    = "oauthnext"
	idTokenCookie = "id_token"
)

type userKey struct{}

// WithUser returns a context carrying the caller's user id.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// UserFrom returns the user id injected by RequireAuth.
func UserFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userKey{}).(string)
	return id, ok && id != ""
}

// Auth contains configuration and helpers for performing OpenID Connect
// authentication with an Okta tenant.
type Auth struct {
	oauth2Config  *oauth2.Config
	verifier      *oidc.IDTokenVerifier
	apiVerifier   *oidc.IDTokenVerifier
	requiredScope string
	logger        Logger
	devMode       bool
	authBypass    bool
}

// New creates a new Auth object using values from the application
// configuration. It establishes a connection to the provider and prepares an
// ID token verifier.
func New(ctx context.Context, cfg *config.Config, logger Logger) (*Auth, error) {
	isDev := strings.ToUpper(cfg.Environment) == "DEV"
	shouldBypass := isDev && cfg.DevModeBypass

	var oauth2Config *oauth2.Config
	var verifier *oidc.IDTokenVerifier
	var apiVerifier *oidc.IDTokenVerifier

	if !shouldBypass {
		if cfg.Auth.OktaDomain == "" || cfg.Auth.ClientID == "" ||
			cfg.Auth.ClientSecret == "" || cfg.Auth.RedirectURL == "" {
			return nil, errors.New("auth configuration is incomplete")
		}

		provider, err := oidc.NewProvider(ctx, cfg.Auth.OktaDomain)
		if err != nil {
			return nil, err
		}

		oauth2Config = &oauth2.Config{
			ClientID:     cfg.Auth.ClientID,
			ClientSecret: cfg.Auth.ClientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  cfg.Auth.RedirectURL,
			Scopes:       LoginScopes,
		}

		verifier = provider.Verifier(&oidc.Config{ClientID: cfg.Auth.ClientID})

		// Access tokens carry an API audience, not the client id.
		apiVerifier = provider.Verifier(&oidc.Config{SkipClientIDCheck: true})
	}

	return &Auth{
		oauth2Config:  oauth2Config,
		verifier:      verifier,
		apiVerifier:   apiVerifier,
		requiredScope: cfg.Auth.RequiredScope,
		logger:        logger,
		devMode:       isDev,
		authBypass:    shouldBypass,
	}, nil
}

// LoginHandler initiates the OAuth2 authorization code flow by redirecting the
// user to the Okta authorization endpoint. A random state value is stored in a
// cookie to mitigate CSRF attacks, and the local path in ?next= is remembered
// for the callback.
func (a *Auth) LoginHandler(w http.ResponseWriter, r *http.Request) {
	if a.authBypass {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	state, err := generateState()
	if err != nil {
		http.Error(w, "failed to generate state", http.StatusInternalServerError)
		return
	}

	a.setCookie(w, stateCookie, state)
	a.setCookie(w, nextCookie, safeNext(r.URL.Query().Get("next")))

	http.Redirect(w, r, a.oauth2Config.AuthCodeURL(state), http.StatusTemporaryRedirect)
}

// CallbackHandler handles the redirect back from Okta, exchanges the code and
// stores the verified ID token in a session cookie.
func (a *Auth) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	if a.authBypass {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	cookie, err := r.Cookie(stateCookie)
	if err != nil || r.URL.Query().Get("state") != cookie.Value {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}

	token, err := a.oauth2Config.Exchange(r.Context(), r.URL.Query().Get("code"))
	if err != nil {
		http.Error(w, "token exchange failed", http.StatusInternalServerError)
		return
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		http.Error(w, "no id_token in token response", http.StatusInternalServerError)
		return
	}

	if _, err := a.verifier.Verify(r.Context(), rawIDToken); err != nil {
		http.Error(w, "failed to verify id token", http.StatusUnauthorized)
		return
	}

	next := "/"
	if c, err := r.Cookie(nextCookie); err == nil {
		next = safeNext(c.Value)
	}
	a.setCookie(w, idTokenCookie, rawIDToken)
	clearCookie(w, stateCookie)
	clearCookie(w, nextCookie)

	http.Redirect(w, r, next, http.StatusSeeOther)
}

type claims struct {
	Subject string   `json:"sub"`
	Email   string   `json:"email"`
	Scopes  []string `json:"scp"`
}

// RequireAuth is middleware that authenticates the caller by bearer token or
// session cookie and injects the caller's user id into the request context.
func (a *Auth) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.authBypass {
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), DevUser)))
			return
		}

		var token *oidc.IDToken
		var err error
		bearer := false
		if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
			bearer = true
			token, err = a.apiVerifier.Verify(r.Context(), strings.TrimPrefix(authHeader, "Bearer "))
		} else {
			cookie, cookieErr := r.Cookie(idTokenCookie)
			if cookieErr != nil {
				http.Redirect(w, r, "/login?next="+url.QueryEscape(r.URL.RequestURI()), http.StatusSeeOther)
				return
			}
			token, err = a.verifier.Verify(r.Context(), cookie.Value)
		}
		if err != nil {
			http.Error(w, "invalid token: "+err.Error(), http.StatusUnauthorized)
			return
		}

		var c claims
		if err := token.Claims(&c); err != nil {
			http.Error(w, "failed to parse token claims", http.StatusUnauthorized)
			return
		}
		if bearer && a.requiredScope != "" && !slices.Contains(c.Scopes, a.requiredScope) {
			http.Error(w, "token lacks scope "+a.requiredScope, http.StatusForbidden)
			return
		}

		userID := c.Email
		if userID == "" {
			userID = c.Subject
		}
		if userID == "" {
			http.Error(w, "token does not identify a user", http.StatusUnauthorized)
			return
		}
		if a.logger != nil {
			a.logger.Debug("request authenticated", "user", userID, "bearer", bearer)
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), userID)))
	})
}

// LogoutHandler clears the session cookie and redirects to the home page.
func (a *Auth) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	clearCookie(w, idTokenCookie)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (a *Auth) setCookie(w http.ResponseWriter, name, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		HttpOnly: true,
		Path:     "/",
		Secure:   !a.devMode,
		SameSite: http.SameSiteLaxMode,
	})
}

func clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{Name: name, Value: "", Path: "/", MaxAge: -1})
}

// safeNext accepts only local absolute paths so the callback cannot be used
// as an open redirect.
func safeNext(raw string) string {
	if raw == "" || !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") || strings.HasPrefix(raw, "/\\") {
		return "/"
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return "/"
	}
	return raw
}

func generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
