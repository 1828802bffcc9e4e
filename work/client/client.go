package client

import (
	"net"
	"net/http"
	"net/url"
	"time"

	"ultrastream/work/config"
)

// BrowserClient wraps http.Client and stamps a desktop browser fingerprint on
// every request. Many IPTV origins refuse requests without one, or refuse
// requests whose Origin is not their own.
type BrowserClient struct {
	Client    *http.Client
	userAgent string
}

// NewBrowserClient builds the upstream client. There is no client-level
// timeout, callers bound each fetch with a context.
func NewBrowserClient(cfg *config.Config) *BrowserClient {
	client := &http.Client{
		Timeout: 0,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			DisableKeepAlives:     false,
		},
	}

	userAgent := config.DefaultUserAgent
	if cfg != nil && cfg.RelayUserAgent != "" {
		userAgent = cfg.RelayUserAgent
	}

	return &BrowserClient{
		Client:    client,
		userAgent: userAgent,
	}
}

// Do sends req after applying the browser headers.
func (bc *BrowserClient) Do(req *http.Request) (*http.Response, error) {
	SetBrowserHeaders(req, bc.userAgent)
	return bc.Client.Do(req)
}

// SetBrowserHeaders applies the fingerprint. Referer and Origin are both the
// target's own origin.
func SetBrowserHeaders(req *http.Request, userAgent string) {
	origin := Origin(req.URL)

	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Referer", origin)
	req.Header.Set("Origin", origin)
	req.Header.Set("DNT", "1")
	req.Header.Set("Sec-Fetch-Dest", "empty")
	req.Header.Set("Sec-Fetch-Mode", "cors")
	req.Header.Set("Sec-Fetch-Site", "cross-site")
}

// Origin renders scheme://host[:port] of u.
func Origin(u *url.URL) string {
	if u == nil {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
