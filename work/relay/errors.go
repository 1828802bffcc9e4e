package relay

import (
	"fmt"
	"net/http"
)

// InputError rejects a target before any network call is made.
type InputError struct {
	URL    string
	Reason string
}

func (e *InputError) Error() string {
	return e.Reason
}

// UpstreamError is a non-2xx answer from the origin, passed through as is.
type UpstreamError struct {
	URL        string
	StatusCode int
	StatusText string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("Failed to fetch: %s", e.StatusText)
}

// Details describes the upstream answer for diagnostics.
func (e *UpstreamError) Details() string {
	return fmt.Sprintf("upstream responded %d %s", e.StatusCode, e.StatusText)
}

// NetworkError is a connection level failure. Timeout marks the fetch deadline
// expiring, which clients treat differently from a refused connection.
type NetworkError struct {
	URL     string
	Timeout bool
	Cause   error
}

func (e *NetworkError) Error() string {
	if e.Timeout {
		return "Request timeout - stream took too long to respond"
	}
	if e.Cause != nil {
		return "Failed to proxy request: " + e.Cause.Error()
	}
	return "Failed to proxy request"
}

// Details is the underlying cause, when one is known.
func (e *NetworkError) Details() string {
	if e.Cause == nil {
		return "Unknown error"
	}
	return e.Cause.Error()
}

func (e *NetworkError) Unwrap() error {
	return e.Cause
}

// statusText extracts the reason phrase of an upstream status line, falling
// back to the canonical text when the origin sent none.
func statusText(resp *http.Response) string {
	prefix := fmt.Sprintf("%d ", resp.StatusCode)
	if len(resp.Status) > len(prefix) && resp.Status[:len(prefix)] == prefix {
		return resp.Status[len(prefix):]
	}
	if text := http.StatusText(resp.StatusCode); text != "" {
		return text
	}
	return "Unknown status"
}
