package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ultrastream/work/client"
	"ultrastream/work/config"
	"ultrastream/work/database"
	"ultrastream/work/engine"
	"ultrastream/work/logger"
	"ultrastream/work/player"
	"ultrastream/work/relay"
	"ultrastream/work/stream"
	"ultrastream/work/types"
)

const tvPlaylist = `#EXTM3U
#EXTINF:-1 tvg-logo="http://logos.example/world.png" group-title="News",World News
http://cdn.example/world.m3u8
#EXTINF:-1 group-title="Sports",Match Day
http://cdn.example/match.m3u8
#EXTINF:-1 group-title="News",Local News
http://cdn.example/local.m3u8
`

type harness struct {
	srv          *Server
	router       *mux.Router
	front        *httptest.Server
	upstream     *httptest.Server
	db           *database.DB
	playlistHits atomic.Int32
}

func segment(i int) []byte {
	b := bytes.Repeat([]byte{byte(i)}, 188)
	b[0] = 0x47
	return b
}

func upstreamMux(h *harness) *http.ServeMux {
	m := http.NewServeMux()
	m.HandleFunc("/lists/tv.m3u", func(w http.ResponseWriter, r *http.Request) {
		h.playlistHits.Add(1)
		w.Header().Set("Content-Type", "audio/x-mpegurl")
		io.WriteString(w, tvPlaylist)
	})
	m.HandleFunc("/vod/index.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", relay.MimePlaylist)
		var b strings.Builder
		b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:2\n#EXT-X-MEDIA-SEQUENCE:0\n")
		for i := 0; i < 3; i++ {
			fmt.Fprintf(&b, "#EXTINF:2.000,\nseg%d.ts\n", i)
		}
		b.WriteString("#EXT-X-ENDLIST\n")
		io.WriteString(w, b.String())
	})
	for i := 0; i < 3; i++ {
		body := segment(i)
		m.HandleFunc(fmt.Sprintf("/vod/seg%d.ts", i), func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", relay.MimeSegment)
			w.Write(body)
		})
	}
	return m
}

// newHarness runs the whole surface against a fake origin. Engines address
// the relay of the front server, so every fetch goes through /proxy.
func newHarness(t *testing.T, withDB bool) *harness {
	t.Helper()

	cfg := config.Default()
	cfg.ManifestMaxRetry = 1
	cfg.FragRetryDelay = 5 * time.Millisecond
	cfg.RetryBaseDelay = 10 * time.Millisecond
	cfg.SinkBufferSize = 1

	h := &harness{}
	h.upstream = httptest.NewServer(upstreamMux(h))
	t.Cleanup(h.upstream.Close)

	if withDB {
		db, err := database.Open(filepath.Join(t.TempDir(), "ultrastream.db"))
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		h.db = db
	}

	bc := client.NewBrowserClient(cfg)
	rl := relay.New(cfg, bc)

	var endpoint atomic.Value
	deps := player.Deps{
		Config:  cfg,
		Factory: engine.NewFactory(cfg, bc),
		Rewrite: func(target string) string { return relay.RewriteURL(endpoint.Load().(string), target) },
	}
	if h.db != nil {
		deps.Recorder = h.db
	}
	players, err := player.NewRegistry(deps)
	require.NoError(t, err)
	t.Cleanup(players.Close)

	h.srv, err = New(cfg, rl, players, h.db)
	require.NoError(t, err)
	h.router = h.srv.Router()

	h.front = httptest.NewServer(h.router)
	t.Cleanup(h.front.Close)
	endpoint.Store(h.front.URL + "/proxy")
	return h
}

func (h *harness) do(t *testing.T, method, target string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func (h *harness) playlistURL(q string) string {
	target := "/api/playlist?url=" + url.QueryEscape(h.upstream.URL+"/lists/tv.m3u")
	if q != "" {
		target += "&q=" + url.QueryEscape(q)
	}
	return target
}

type decodedPlaylist struct {
	Fingerprint string `json:"fingerprint"`
	Count       int    `json:"count"`
	Groups      []struct {
		Group    string          `json:"group"`
		Channels []types.Channel `json:"channels"`
	} `json:"groups"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestPlaylistGroupsAndCaches(t *testing.T) {
	h := newHarness(t, false)

	rec := h.do(t, http.MethodGet, h.playlistURL(""), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var pl decodedPlaylist
	decode(t, rec, &pl)
	assert.Equal(t, 3, pl.Count)
	require.Len(t, pl.Groups, 2)
	assert.Equal(t, "News", pl.Groups[0].Group)
	assert.Equal(t, "World News", pl.Groups[0].Channels[0].Name)
	assert.Equal(t, "Local News", pl.Groups[0].Channels[1].Name)
	assert.Equal(t, "Sports", pl.Groups[1].Group)
	assert.Equal(t, `"`+pl.Fingerprint+`"`, rec.Header().Get("ETag"))

	again := h.do(t, http.MethodGet, h.playlistURL(""), nil)
	require.Equal(t, http.StatusOK, again.Code)
	assert.Equal(t, int32(1), h.playlistHits.Load())
}

func TestPlaylistNotModified(t *testing.T) {
	h := newHarness(t, false)

	first := h.do(t, http.MethodGet, h.playlistURL(""), nil)
	require.Equal(t, http.StatusOK, first.Code)

	req := httptest.NewRequest(http.MethodGet, h.playlistURL(""), nil)
	req.Header.Set("If-None-Match", first.Header().Get("ETag"))
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotModified, rec.Code)
	assert.Zero(t, rec.Body.Len())
}

func TestPlaylistSearch(t *testing.T) {
	h := newHarness(t, false)

	all := h.do(t, http.MethodGet, h.playlistURL(""), nil)
	rec := h.do(t, http.MethodGet, h.playlistURL("LOCAL"), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var pl decodedPlaylist
	decode(t, rec, &pl)
	assert.Equal(t, 1, pl.Count)
	require.Len(t, pl.Groups, 1)
	assert.Equal(t, "Local News", pl.Groups[0].Channels[0].Name)
	assert.NotEqual(t, all.Header().Get("ETag"), rec.Header().Get("ETag"))
}

func TestPlaylistGzip(t *testing.T) {
	h := newHarness(t, false)

	req := httptest.NewRequest(http.MethodGet, h.playlistURL(""), nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))
	zr, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	var pl decodedPlaylist
	require.NoError(t, json.NewDecoder(zr).Decode(&pl))
	assert.Equal(t, 3, pl.Count)
}

func TestPlaylistFailures(t *testing.T) {
	h := newHarness(t, false)

	rec := h.do(t, http.MethodGet, "/api/playlist", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	missing := "/api/playlist?url=" + url.QueryEscape(h.upstream.URL+"/lists/gone.m3u")
	rec = h.do(t, http.MethodGet, missing, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	var body map[string]string
	decode(t, rec, &body)
	assert.Equal(t, h.upstream.URL+"/lists/gone.m3u", body["url"])
	assert.Contains(t, body["details"], "404")
}

func TestPlayerLifecycle(t *testing.T) {
	h := newHarness(t, false)

	rec := h.do(t, http.MethodPost, "/api/players", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created playerResponse
	decode(t, rec, &created)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, "idle", created.Session.Status)

	rec = h.do(t, http.MethodPost, "/api/players/"+created.ID+"/select", map[string]string{"url": "ftp://nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/players/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodDelete, "/api/players/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/players/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = h.do(t, http.MethodDelete, "/api/players/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPlayerStreamsChannel(t *testing.T) {
	h := newHarness(t, false)

	rec := h.do(t, http.MethodPost, "/api/players", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created playerResponse
	decode(t, rec, &created)

	rec = h.do(t, http.MethodPost, "/api/players/"+created.ID+"/select", map[string]string{"url": h.upstream.URL + "/vod/index.m3u8"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	require.Eventually(t, func() bool {
		var status playerResponse
		rec := h.do(t, http.MethodGet, "/api/players/"+created.ID, nil)
		decode(t, rec, &status)
		return status.Session.Status == "playing"
	}, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.front.URL+"/api/players/"+created.ID+"/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "video/mp2t", resp.Header.Get("Content-Type"))
	want := append(append(segment(0), segment(1)...), segment(2)...)
	got := make([]byte, len(want))
	_, err = io.ReadFull(resp.Body, got)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestFailedSessionIsRecorded(t *testing.T) {
	h := newHarness(t, true)
	dead := h.upstream.URL + "/dead/index.m3u8"

	rec := h.do(t, http.MethodPost, "/api/players", map[string]string{"url": dead})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created playerResponse
	decode(t, rec, &created)

	require.Eventually(t, func() bool {
		failed, err := h.db.ListFailedStreams(context.Background())
		return err == nil && len(failed) == 1
	}, 10*time.Second, 20*time.Millisecond)

	rec = h.do(t, http.MethodGet, "/api/players/"+created.ID, nil)
	var status playerResponse
	decode(t, rec, &status)
	assert.Equal(t, "error", status.Session.Status)
	assert.Equal(t, stream.MsgNetworkExhausted, status.Session.Message)

	rec = h.do(t, http.MethodGet, "/api/failed-streams", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var failed []database.FailedStreamRow
	decode(t, rec, &failed)
	require.Len(t, failed, 1)
	assert.Equal(t, dead, failed[0].URL)

	rec = h.do(t, http.MethodDelete, "/api/failed-streams?url="+url.QueryEscape(dead), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = h.do(t, http.MethodDelete, "/api/failed-streams?url="+url.QueryEscape(dead), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = h.do(t, http.MethodDelete, "/api/failed-streams", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSelectFlagsPreviouslyFailed(t *testing.T) {
	h := newHarness(t, true)
	dead := h.upstream.URL + "/dead/index.m3u8"
	require.NoError(t, h.db.MarkStreamFailed(context.Background(), dead, stream.MsgNetworkExhausted))

	rec := h.do(t, http.MethodPost, "/api/players", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created playerResponse
	decode(t, rec, &created)
	defer h.do(t, http.MethodDelete, "/api/players/"+created.ID, nil)

	// a url already addressed to the relay is played as its upstream url
	rec = h.do(t, http.MethodPost, "/api/players/"+created.ID+"/select", map[string]string{"url": "/proxy?url=" + url.QueryEscape(dead)})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var selected playerResponse
	decode(t, rec, &selected)
	assert.True(t, selected.PreviouslyFailed)

	require.Eventually(t, func() bool {
		var status playerResponse
		decode(t, h.do(t, http.MethodGet, "/api/players/"+created.ID, nil), &status)
		return status.Session.URL == dead
	}, 2*time.Second, 5*time.Millisecond)

	rec = h.do(t, http.MethodPost, "/api/players/"+created.ID+"/select", map[string]string{"url": h.upstream.URL + "/vod/index.m3u8"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var healthy playerResponse
	decode(t, rec, &healthy)
	assert.False(t, healthy.PreviouslyFailed)
}

func TestPlaylistRefresh(t *testing.T) {
	h := newHarness(t, false)

	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, h.playlistURL(""), nil).Code)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, h.playlistURL(""), nil).Code)
	assert.Equal(t, int32(1), h.playlistHits.Load())

	rec := h.do(t, http.MethodGet, h.playlistURL("")+"&refresh=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int32(2), h.playlistHits.Load())
}

func TestStoreVacuum(t *testing.T) {
	h := newHarness(t, true)
	assert.Equal(t, http.StatusNoContent, h.do(t, http.MethodPost, "/api/store/vacuum", nil).Code)

	bare := newHarness(t, false)
	assert.Equal(t, http.StatusServiceUnavailable, bare.do(t, http.MethodPost, "/api/store/vacuum", nil).Code)
}

func TestSavedPlaylists(t *testing.T) {
	h := newHarness(t, true)

	rec := h.do(t, http.MethodPost, "/api/playlists", map[string]string{"name": "TV", "url": h.upstream.URL + "/lists/tv.m3u"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var saved database.PlaylistRow
	decode(t, rec, &saved)
	assert.Equal(t, "TV", saved.Name)

	rec = h.do(t, http.MethodPost, "/api/playlists", map[string]string{"name": "bad", "url": "lists/tv.m3u"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/playlists", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []database.PlaylistRow
	decode(t, rec, &list)
	require.Len(t, list, 1)

	rec = h.do(t, http.MethodDelete, fmt.Sprintf("/api/playlists/%d", saved.ID), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = h.do(t, http.MethodDelete, fmt.Sprintf("/api/playlists/%d", saved.ID), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = h.do(t, http.MethodDelete, "/api/playlists/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStoreRoutesWithoutDatabase(t *testing.T) {
	h := newHarness(t, false)

	rec := h.do(t, http.MethodGet, "/api/playlists", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestPreflightAndAuxiliaryRoutes(t *testing.T) {
	h := newHarness(t, true)

	rec := h.do(t, http.MethodOptions, "/api/players", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = h.do(t, http.MethodOptions, "/proxy", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "86400", rec.Header().Get("Access-Control-Max-Age"))

	h.do(t, http.MethodPost, "/api/players", nil)
	rec = h.do(t, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats statsResponse
	decode(t, rec, &stats)
	assert.Equal(t, 1, stats.Players)
	assert.NotNil(t, stats.Store)

	rec = h.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ultrastream_")
}

func TestLogsRoute(t *testing.T) {
	h := newHarness(t, false)
	h.do(t, http.MethodPost, "/api/players", nil)

	rec := h.do(t, http.MethodGet, "/api/logs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []logger.Entry
	decode(t, rec, &entries)
	assert.NotEmpty(t, entries)

	rec = h.do(t, http.MethodDelete, "/api/logs", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestETagMatching(t *testing.T) {
	assert.True(t, etagMatches(`"abc"`, `"abc"`))
	assert.True(t, etagMatches(`W/"abc", "def"`, `"abc"`))
	assert.True(t, etagMatches(`*`, `"abc"`))
	assert.False(t, etagMatches(``, `"abc"`))
	assert.False(t, etagMatches(`"abd"`, `"abc"`))
}
