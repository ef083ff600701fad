package session

import (
	"context"
	"errors"
	"strings"
	"time"
)

const (
	DefaultCookieName = "pier39_session_id"
	DefaultURLParam   = "sessionId"
	DefaultExpiryDays = 30
)

// Config names where the session id lives
type Config struct {
	CookieName    string
	URLParam      string
	CookieOptions *CookieOptions // nil means 30 days, path "/", SameSite=Lax
}

// Resolver finds the current session id in a cookie or the page URL
type Resolver struct {
	store      Store
	pageURL    func() string
	cookieName string
	urlParam   string
	opts       *CookieOptions
}

// NewResolver creates a resolver. pageURL returns the current page location.
func NewResolver(store Store, pageURL func() string, cfg Config) *Resolver {
	r := &Resolver{
		store:      store,
		pageURL:    pageURL,
		cookieName: cfg.CookieName,
		urlParam:   cfg.URLParam,
		opts:       cfg.CookieOptions,
	}
	if r.cookieName == "" {
		r.cookieName = DefaultCookieName
	}
	if r.urlParam == "" {
		r.urlParam = DefaultURLParam
	}
	if r.pageURL == nil {
		r.pageURL = func() string { return "" }
	}
	return r
}

func (r *Resolver) cookieOptions() CookieOptions {
	if r.opts != nil {
		return *r.opts
	}
	return CookieOptions{
		Expires:  ExpiresInDays(DefaultExpiryDays),
		Path:     "/",
		SameSite: SameSiteLax,
	}
}

func (r *Resolver) fromCookie(ctx context.Context) (string, error) {
	v, err := r.store.Get(ctx, r.cookieName)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return v, err
}

// SessionID returns the cookie value, falling back to the URL parameter
func (r *Resolver) SessionID(ctx context.Context) (string, error) {
	v, err := r.fromCookie(ctx)
	if err != nil {
		return "", err
	}
	if v != "" {
		return v, nil
	}
	v, _ = QueryParam(r.pageURL(), r.urlParam)
	return v, nil
}

// Initialize runs at page load. A URL value wins and is persisted to the
// cookie; otherwise the existing cookie value is returned.
func (r *Resolver) Initialize(ctx context.Context) (string, error) {
	if v, ok := QueryParam(r.pageURL(), r.urlParam); ok {
		if err := r.Set(ctx, v); err != nil {
			return v, err
		}
		return v, nil
	}
	return r.fromCookie(ctx)
}

// Set writes the session id cookie
func (r *Resolver) Set(ctx context.Context, sessionID string) error {
	return r.store.Set(ctx, r.cookieName, sessionID, r.cookieOptions())
}

// Clear expires the session cookie
func (r *Resolver) Clear(ctx context.Context) error {
	return r.store.Set(ctx, r.cookieName, "", CookieOptions{Expires: time.Unix(0, 0)})
}

// HasValid reports whether a non-blank session id resolves
func (r *Resolver) HasValid(ctx context.Context) bool {
	v, err := r.SessionID(ctx)
	return err == nil && strings.TrimSpace(v) != ""
}
