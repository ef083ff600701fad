package session

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned when a cookie is absent or expired
var ErrNotFound = errors.New("cookie not found")

// SameSite values rendered in the cookie attribute string
const (
	SameSiteStrict = "strict"
	SameSiteLax    = "lax"
	SameSiteNone   = "none"
)

// CookieOptions mirrors the attributes a page can set on a cookie
type CookieOptions struct {
	Expires  time.Time // zero means a session cookie
	Path     string
	Domain   string
	Secure   bool
	SameSite string
}

// ExpiresInDays returns a time days from now
func ExpiresInDays(days int) time.Time {
	return time.Now().Add(time.Duration(days) * 24 * time.Hour)
}

// Store reads and writes named cookies
type Store interface {
	Get(ctx context.Context, name string) (string, error)
	Set(ctx context.Context, name, value string, opts CookieOptions) error
	Delete(ctx context.Context, name string) error
}

// SetCookieString renders the string a page assigns to document.cookie
func SetCookieString(name, value string, opts CookieOptions) string {
	var b strings.Builder
	b.WriteString(encodeComponent(name))
	b.WriteByte('=')
	b.WriteString(encodeComponent(value))
	if !opts.Expires.IsZero() {
		b.WriteString("; expires=")
		b.WriteString(opts.Expires.UTC().Format(http.TimeFormat))
	}
	if opts.Path != "" {
		b.WriteString("; path=" + opts.Path)
	}
	if opts.Domain != "" {
		b.WriteString("; domain=" + opts.Domain)
	}
	if opts.Secure {
		b.WriteString("; secure")
	}
	if opts.SameSite != "" {
		b.WriteString("; samesite=" + opts.SameSite)
	}
	return b.String()
}

// encodeComponent escapes like encodeURIComponent (spaces become %20)
func encodeComponent(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

func decodeComponent(s string) string {
	if v, err := url.PathUnescape(s); err == nil {
		return v
	}
	return s
}

type jarEntry struct {
	value   string
	opts    CookieOptions
	raw     string
	expires time.Time
}

// Jar is an in-memory cookie store for a single page
type Jar struct {
	mu      sync.Mutex
	entries map[string]jarEntry
	now     func() time.Time
}

func NewJar() *Jar {
	return &Jar{entries: make(map[string]jarEntry), now: time.Now}
}

func (j *Jar) Get(_ context.Context, name string) (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	e, ok := j.entries[name]
	if !ok {
		return "", ErrNotFound
	}
	if !e.expires.IsZero() && !e.expires.After(j.now()) {
		delete(j.entries, name)
		return "", ErrNotFound
	}
	return e.value, nil
}

// Set stores the cookie. An expiry in the past removes it.
func (j *Jar) Set(_ context.Context, name, value string, opts CookieOptions) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !opts.Expires.IsZero() && !opts.Expires.After(j.now()) {
		delete(j.entries, name)
		return nil
	}
	j.entries[name] = jarEntry{
		value:   value,
		opts:    opts,
		raw:     SetCookieString(name, value, opts),
		expires: opts.Expires,
	}
	return nil
}

func (j *Jar) Delete(ctx context.Context, name string) error {
	return j.Set(ctx, name, "", CookieOptions{Expires: time.Unix(0, 0)})
}

// Options returns the attributes the named cookie was last set with
func (j *Jar) Options(name string) (CookieOptions, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	e, ok := j.entries[name]
	return e.opts, ok
}

// SetCookieString returns the attribute string last written for name
func (j *Jar) SetCookieString(name string) string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.entries[name].raw
}

// String renders live cookies the way document.cookie reads: "a=1; b=2"
func (j *Jar) String() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	now := j.now()
	names := make([]string, 0, len(j.entries))
	for n, e := range j.entries {
		if e.expires.IsZero() || e.expires.After(now) {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, n := range names {
		parts = append(parts, encodeComponent(n)+"="+encodeComponent(j.entries[n].value))
	}
	return strings.Join(parts, "; ")
}

// ParseCookieHeader reads one value out of a "a=1; b=2" cookie string
func ParseCookieHeader(header, name string) (string, bool) {
	prefix := encodeComponent(name) + "="
	for _, c := range strings.Split(header, ";") {
		c = strings.TrimSpace(c)
		if strings.HasPrefix(c, prefix) {
			return decodeComponent(c[len(prefix):]), true
		}
	}
	return "", false
}
