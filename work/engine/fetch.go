package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/grafov/m3u8"

	"ultrastream/work/relay"
)

// maxManifestSize caps manifest bodies, segments are not capped.
const maxManifestSize = 8 << 20

// errNotPlaylist marks a body that is not an HLS manifest at all.
var errNotPlaylist = errors.New("response is not an HLS playlist")

type statusError struct {
	code int
	url  string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP %d for %s", e.code, e.url)
}

type fetched struct {
	body        []byte
	contentType string
}

// get fetches raw through the rewrite function and returns the decoded body.
func (e *HLS) get(ctx context.Context, raw string, limit int64) (*fetched, error) {
	if err := relay.Pace(ctx, e.limiter); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.rewrite(raw), nil)
	if err != nil {
		return nil, err
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &statusError{code: resp.StatusCode, url: raw}
	}

	body, err := relay.DecodeBody(resp.Header.Get("Content-Encoding"), resp.Body)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var r io.Reader = body
	if limit > 0 {
		r = io.LimitReader(body, limit)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	return &fetched{body: data, contentType: resp.Header.Get("Content-Type")}, nil
}

// decodePlaylist parses an HLS manifest.
func decodePlaylist(data []byte) (m3u8.Playlist, m3u8.ListType, error) {
	trimmed := bytes.TrimLeft(data, "\uFEFF \t\r\n")
	if !bytes.HasPrefix(trimmed, []byte("#EXTM3U")) {
		return nil, 0, errNotPlaylist
	}

	pl, listType, err := m3u8.DecodeFrom(bytes.NewReader(trimmed), false)
	if err != nil {
		return nil, 0, err
	}
	if pl == nil {
		return nil, 0, errNotPlaylist
	}
	return pl, listType, nil
}

// bestVariant picks the highest bandwidth variant of a master playlist.
func bestVariant(master *m3u8.MasterPlaylist) *m3u8.Variant {
	var best *m3u8.Variant
	for _, v := range master.Variants {
		if v == nil || v.URI == "" {
			continue
		}
		if best == nil || v.Bandwidth > best.Bandwidth {
			best = v
		}
	}
	return best
}

// resolve makes ref absolute against base.
func resolve(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	r, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", err
	}
	return b.ResolveReference(r).String(), nil
}

// isTransportStream reports whether a segment should start with the TS sync byte.
func isTransportStream(uri, contentType string) bool {
	if strings.Contains(strings.ToLower(contentType), "mp2t") {
		return true
	}
	u, err := url.Parse(uri)
	if err != nil {
		return false
	}
	return relay.ContentTypeForPath(u.Path) == relay.MimeSegment
}
