package cachekey

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

var ErrMalformedKey = errors.New("malformed cache key")

const methodSeparator = " "

// CacheKeyer derives store keys for the requests of one page origin.
// A key is the request method and the absolute request URL without fragment.
type CacheKeyer struct {
	// Scope is the URL relative asset paths are resolved against,
	// usually the page origin with a trailing slash.
	Scope *url.URL
}

func NewCacheKeyer(scope *url.URL) CacheKeyer {
	s := *scope
	if s.Path == "" {
		s.Path = "/"
	}
	s.RawQuery = ""
	s.Fragment = ""
	return CacheKeyer{Scope: &s}
}

// Resolve resolves a possibly relative path (e.g. "./manifest.json") against the scope.
func (c CacheKeyer) Resolve(path string) (*url.URL, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, err
	}
	return c.Scope.ResolveReference(ref), nil
}

// Key returns the store key for a request.
// Origin-relative request URLs are resolved against the scope.
func (c CacheKeyer) Key(r *http.Request) string {
	return c.URLKey(r.Method, r.URL)
}

// URLKey returns the store key for the given method and URL.
func (c CacheKeyer) URLKey(method string, u *url.URL) string {
	abs := u
	if !u.IsAbs() {
		abs = c.Scope.ResolveReference(u)
	}
	normalized := *abs
	normalized.Fragment = ""
	normalized.RawFragment = ""
	normalized.Scheme = strings.ToLower(normalized.Scheme)
	normalized.Host = strings.ToLower(normalized.Host)
	if normalized.Path == "" {
		normalized.Path = "/"
	}
	return strings.ToUpper(method) + methodSeparator + normalized.String()
}

// PathKey returns the GET key of a manifest path.
func (c CacheKeyer) PathKey(path string) (string, error) {
	u, err := c.Resolve(path)
	if err != nil {
		return "", err
	}
	return c.URLKey(http.MethodGet, u), nil
}

// SameOrigin reports whether u has the scheme and host of the scope.
func (c CacheKeyer) SameOrigin(u *url.URL) bool {
	if !u.IsAbs() {
		return true
	}
	return strings.EqualFold(u.Scheme, c.Scope.Scheme) && strings.EqualFold(u.Host, c.Scope.Host)
}

// RequestFromKey creates a request equal (caching-wise) to the one that resulted in the key.
func (c CacheKeyer) RequestFromKey(key string) (*http.Request, error) {
	method, uri, found := strings.Cut(key, methodSeparator)
	if !found || method == "" || uri == "" {
		return nil, fmt.Errorf("%w: %q", ErrMalformedKey, key)
	}
	u, err := url.Parse(uri)
	if err != nil || !u.IsAbs() {
		return nil, fmt.Errorf("%w: %q", ErrMalformedKey, key)
	}
	return http.NewRequest(method, u.String(), nil)
}
