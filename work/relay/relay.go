package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/ratelimit"

	"ultrastream/work/client"
	"ultrastream/work/config"
	"ultrastream/work/logger"
	"ultrastream/work/metrics"
	"ultrastream/work/utils"
)

// Relay fetches one upstream resource per call on behalf of a browser-hosted
// player. It keeps no per-request state, concurrent calls are independent.
// Retrying is left to the caller.
type Relay struct {
	Config     *config.Config
	HttpClient *client.BrowserClient
	Policy     CachePolicy

	limiters *xsync.MapOf[string, ratelimit.Limiter] // per upstream host, only when pacing is enabled
}

// Response is a successful upstream answer whose body has not been read yet.
// Closing Body releases the connection and the fetch deadline.
type Response struct {
	URL             string
	Status          int
	Body            io.ReadCloser
	ContentType     string
	ContentLength   int64 // -1 when the upstream did not send one
	ContentEncoding string
	CacheClass      CacheClass
	CacheControl    string
}

// New builds a relay from the configuration.
func New(cfg *config.Config, httpClient *client.BrowserClient) *Relay {
	return &Relay{
		Config:     cfg,
		HttpClient: httpClient,
		Policy: CachePolicy{
			Playlist: cfg.PlaylistMaxAge,
			Segment:  cfg.SegmentMaxAge,
			Other:    cfg.DefaultMaxAge,
		},
		limiters: xsync.NewMapOf[string, ratelimit.Limiter](),
	}
}

// ValidateTarget parses raw and rejects anything that is not an absolute http(s) URL.
func ValidateTarget(raw string) (*url.URL, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, &InputError{URL: raw, Reason: "URL parameter is required"}
	}

	target, err := url.Parse(raw)
	if err != nil || !target.IsAbs() || target.Host == "" {
		return nil, &InputError{URL: raw, Reason: "URL parameter must be an absolute URL"}
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, &InputError{URL: raw, Reason: "URL parameter must use http or https"}
	}

	return target, nil
}

// Fetch performs exactly one upstream attempt for raw. The whole fetch,
// including reading the body, is bounded by the configured relay timeout.
// Failures are *InputError, *UpstreamError or *NetworkError.
func (rl *Relay) Fetch(ctx context.Context, raw string) (*Response, error) {
	target, err := ValidateTarget(raw)
	if err != nil {
		metrics.RelayRequests.WithLabelValues("input_error").Inc()
		return nil, err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, rl.Config.RelayTimeout)

	if err := rl.pace(fetchCtx, target.Host); err != nil {
		cancel()
		metrics.RelayRequests.WithLabelValues("timeout").Inc()
		logger.Debug("{relay/relay - Fetch} Gave up waiting for a rate limit slot for %s: %v", utils.LogURL(rl.Config, raw), err)
		return nil, classifyNetworkError(fetchCtx, raw, err)
	}

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, target.String(), nil)
	if err != nil {
		cancel()
		metrics.RelayRequests.WithLabelValues("input_error").Inc()
		return nil, &InputError{URL: raw, Reason: "URL parameter must be an absolute URL"}
	}

	started := time.Now()
	resp, err := rl.HttpClient.Do(req)
	if err != nil {
		cancel()
		netErr := classifyNetworkError(fetchCtx, raw, err)
		if netErr.Timeout {
			metrics.RelayRequests.WithLabelValues("timeout").Inc()
		} else {
			metrics.RelayRequests.WithLabelValues("network_error").Inc()
		}
		logger.Error("{relay/relay - Fetch} Upstream fetch failed for %s: %v", utils.LogURL(rl.Config, raw), err)
		return nil, netErr
	}
	metrics.RelayUpstreamLatency.Observe(time.Since(started).Seconds())

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		cancel()
		upErr := &UpstreamError{URL: raw, StatusCode: resp.StatusCode, StatusText: statusText(resp)}
		metrics.RelayRequests.WithLabelValues("upstream_error").Inc()
		logger.Error("{relay/relay - Fetch} Proxy fetch failed: %d %s for %s", upErr.StatusCode, upErr.StatusText, utils.LogURL(rl.Config, raw))
		return nil, upErr
	}

	contentType := ResolveContentType(resp.Header.Get("Content-Type"), target)
	class := Classify(contentType)

	logger.Debug("{relay/relay - Fetch} Relaying %s as %s (%s)", utils.LogURL(rl.Config, raw), contentType, class)

	return &Response{
		URL:             raw,
		Status:          resp.StatusCode,
		Body:            &cancelBody{ReadCloser: resp.Body, cancel: cancel},
		ContentType:     contentType,
		ContentLength:   resp.ContentLength,
		ContentEncoding: resp.Header.Get("Content-Encoding"),
		CacheClass:      class,
		CacheControl:    rl.Policy.Header(class),
	}, nil
}

// pace blocks on the per-host limiter when relayRateLimit is set.
func (rl *Relay) pace(ctx context.Context, host string) error {
	if rl.Config.RelayRateLimit <= 0 {
		return ctx.Err()
	}
	limiter, _ := rl.limiters.LoadOrCompute(host, func() ratelimit.Limiter {
		logger.Debug("{relay/relay - pace} Created rate limiter for %s: %d req/sec", host, rl.Config.RelayRateLimit)
		return ratelimit.New(rl.Config.RelayRateLimit)
	})
	return Pace(ctx, limiter)
}

// Pace takes a slot from limiter unless ctx ends first. A slot that becomes
// free after the caller left is spent anyway.
func Pace(ctx context.Context, limiter ratelimit.Limiter) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if limiter == nil {
		return nil
	}

	taken := make(chan struct{})
	go func() {
		limiter.Take()
		close(taken)
	}()

	select {
	case <-taken:
		return ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// classifyNetworkError separates deadline expiry from other transport failures.
func classifyNetworkError(ctx context.Context, raw string, err error) *NetworkError {
	timeout := errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded)

	var ne net.Error
	if !timeout && errors.As(err, &ne) && ne.Timeout() {
		timeout = true
	}

	cause := err
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Err != nil {
		cause = urlErr.Err
	}

	return &NetworkError{URL: raw, Timeout: timeout, Cause: cause}
}

// cancelBody releases the fetch context together with the body.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// Decoded returns the body with any gzip, deflate or brotli content coding
// removed, for consumers inside the process. Relayed bytes sent to browsers
// keep their coding and the header that announces it.
func (r *Response) Decoded() (io.ReadCloser, error) {
	return DecodeBody(r.ContentEncoding, r.Body)
}

// DecodeBody wraps body in a decoder for encoding. body is closed on error.
func DecodeBody(encoding string, body io.ReadCloser) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return body, nil

	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(body)
		if err != nil {
			body.Close()
			return nil, err
		}
		return &decodedBody{Reader: zr, closers: []io.Closer{zr, body}}, nil

	case "deflate":
		zr, err := zlib.NewReader(body)
		if err != nil {
			body.Close()
			return nil, err
		}
		return &decodedBody{Reader: zr, closers: []io.Closer{zr, body}}, nil

	case "br":
		return &decodedBody{Reader: brotli.NewReader(body), closers: []io.Closer{body}}, nil

	default:
		body.Close()
		return nil, errors.New("unsupported content encoding: " + encoding)
	}
}

type decodedBody struct {
	io.Reader
	closers []io.Closer
}

func (d *decodedBody) Close() error {
	var first error
	for _, c := range d.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
