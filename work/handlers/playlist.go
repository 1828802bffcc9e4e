package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ultrastream/work/cache"
	"ultrastream/work/logger"
	"ultrastream/work/parser"
	"ultrastream/work/relay"
	"ultrastream/work/types"
	"ultrastream/work/utils"
)

// maxPlaylistSize bounds a playlist read into memory for parsing.
const maxPlaylistSize = 32 * 1024 * 1024

type playlistResponse struct {
	URL         string              `json:"url"`
	Fingerprint string              `json:"fingerprint"`
	Count       int                 `json:"count"`
	Groups      *types.GroupMapping `json:"groups"`
}

// handleGetPlaylist serves GET /api/playlist?url=<source>&q=<search>.
// The source is fetched through the relay, parsed and grouped, and the
// result cached for the playlist lifetime; refresh=1 drops the cached copy
// first. The ETag is the content fingerprint, narrowed by the search query
// when one is given.
func (s *Server) handleGetPlaylist(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	query := strings.TrimSpace(r.URL.Query().Get("q"))

	if _, err := relay.ValidateTarget(target); err != nil {
		relay.WriteError(w, err)
		return
	}

	if refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh")); refresh {
		logger.Debug("{handlers/playlist - handleGetPlaylist} Refreshing %s", utils.LogURL(s.Config, target))
		s.Playlists.Invalidate(target)
	}

	pl, err := s.Playlists.Get(r.Context(), target, s.loadPlaylist)
	if err != nil {
		logger.Warn("{handlers/playlist - handleGetPlaylist} Failed to load playlist %s: %v", utils.LogURL(s.Config, target), err)
		relay.WriteError(w, err)
		return
	}

	etag := playlistETag(pl.Fingerprint, query)
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "no-cache")
	if etagMatches(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	groups := parser.Search(pl.Groups, query)
	writeJSON(w, http.StatusOK, playlistResponse{
		URL:         pl.URL,
		Fingerprint: pl.Fingerprint,
		Count:       groups.Count(),
		Groups:      groups,
	})
}

// loadPlaylist fetches and parses target on a cache miss.
func (s *Server) loadPlaylist(ctx context.Context, target string) (*cache.Playlist, error) {
	raw, err := FetchPlaylist(ctx, s.Relay, target)
	if err != nil {
		return nil, err
	}

	channels := parser.Parse(string(raw))
	logger.Debug("{handlers/playlist - loadPlaylist} Parsed %d channels from %s", len(channels), utils.LogURL(s.Config, target))

	return &cache.Playlist{
		URL:         target,
		Fingerprint: parser.Fingerprint(raw),
		Groups:      parser.GroupChannels(channels),
		Fetched:     time.Now(),
	}, nil
}

// FetchPlaylist reads a whole playlist through rl with its content coding
// removed. Read failures come back as relay errors so callers answer them
// like any other relay failure.
func FetchPlaylist(ctx context.Context, rl *relay.Relay, target string) ([]byte, error) {
	resp, err := rl.Fetch(ctx, target)
	if err != nil {
		return nil, err
	}

	body, err := resp.Decoded()
	if err != nil {
		return nil, &relay.NetworkError{URL: target, Cause: err}
	}
	defer body.Close()

	raw, err := io.ReadAll(io.LimitReader(body, maxPlaylistSize+1))
	if err != nil {
		return nil, &relay.NetworkError{
			URL:     target,
			Timeout: errors.Is(err, context.DeadlineExceeded),
			Cause:   err,
		}
	}
	if len(raw) > maxPlaylistSize {
		return nil, &relay.NetworkError{URL: target, Cause: fmt.Errorf("playlist larger than %s", utils.FormatBytes(maxPlaylistSize))}
	}
	return raw, nil
}

func playlistETag(fingerprint, query string) string {
	if query == "" {
		return `"` + fingerprint + `"`
	}
	return `"` + fingerprint + "-" + parser.Fingerprint([]byte(strings.ToLower(query)))[:16] + `"`
}

// etagMatches implements the If-None-Match comparison, weak tags included.
func etagMatches(header, etag string) bool {
	if header == "" {
		return false
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimPrefix(strings.TrimSpace(candidate), "W/")
		if candidate == "*" || candidate == etag {
			return true
		}
	}
	return false
}
