package relay

import (
	"net/url"
)

// Rewriter turns an upstream URL into the address a player should request.
type Rewriter func(target string) string

// RewriteURL addresses target through the relay endpoint. A URL that already
// points at the endpoint is returned unchanged, so applying it twice never
// wraps a URL twice.
func RewriteURL(endpoint, target string) string {
	if IsRelayed(endpoint, target) {
		return target
	}
	return endpoint + "?url=" + url.QueryEscape(target)
}

// NewRewriter binds RewriteURL to endpoint.
func NewRewriter(endpoint string) Rewriter {
	return func(target string) string {
		return RewriteURL(endpoint, target)
	}
}

// IsRelayed reports whether target is already addressed to endpoint. Relative
// targets match on path alone.
func IsRelayed(endpoint, target string) bool {
	ep, err := url.Parse(endpoint)
	if err != nil {
		return false
	}
	t, err := url.Parse(target)
	if err != nil {
		return false
	}
	if t.Path != ep.Path || !t.Query().Has("url") {
		return false
	}
	if t.Host == "" {
		return true
	}
	return t.Host == ep.Host
}

// Unwrap returns the upstream URL carried by a relayed address, or target itself.
func Unwrap(endpoint, target string) string {
	if !IsRelayed(endpoint, target) {
		return target
	}
	t, _ := url.Parse(target)
	return t.Query().Get("url")
}
