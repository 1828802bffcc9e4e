package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"ultrastream/work/logger"
	"ultrastream/work/player"
	"ultrastream/work/relay"
	"ultrastream/work/stream"
	"ultrastream/work/utils"
)

type playerResponse struct {
	ID               string        `json:"id"`
	Created          time.Time     `json:"created"`
	LastSeen         time.Time     `json:"lastSeen"`
	Clients          int           `json:"clients"`
	BytesWritten     int64         `json:"bytesWritten"`
	Session          stream.Status `json:"session"`
	PreviouslyFailed bool          `json:"previouslyFailed,omitempty"`
}

type selectRequest struct {
	URL string `json:"url"`
}

func describePlayer(p *player.Player) playerResponse {
	return playerResponse{
		ID:           p.ID,
		Created:      p.Created,
		LastSeen:     p.LastSeen(),
		Clients:      p.Sink().Clients(),
		BytesWritten: p.Sink().GetWritePosition(),
		Session:      p.Status(),
	}
}

// channelTarget accepts an upstream url or one already addressed to the relay
// and returns the upstream url.
func (s *Server) channelTarget(raw string) (string, error) {
	target := relay.Unwrap(s.Config.RelayEndpoint(), strings.TrimSpace(raw))
	if _, err := relay.ValidateTarget(target); err != nil {
		return "", err
	}
	return target, nil
}

// previouslyFailed reports whether the store remembers target as failed.
func (s *Server) previouslyFailed(ctx context.Context, target string) bool {
	if s.DB == nil {
		return false
	}
	failed, err := s.DB.IsStreamFailed(ctx, target)
	if err != nil {
		logger.Warn("{handlers/players - previouslyFailed} Failed to look up %s: %v", utils.LogURL(s.Config, target), err)
		return false
	}
	return failed
}

// lookupPlayer resolves {id} or answers 404.
func (s *Server) lookupPlayer(w http.ResponseWriter, r *http.Request) (*player.Player, bool) {
	p, ok := s.Players.Get(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, "Player not found")
		return nil, false
	}
	return p, true
}

// handleCreatePlayer registers an idle player. A body with a url selects it right away.
func (s *Server) handleCreatePlayer(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if r.ContentLength > 0 {
		if err := readJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	var target string
	if req.URL != "" {
		var err error
		if target, err = s.channelTarget(req.URL); err != nil {
			relay.WriteError(w, err)
			return
		}
	}

	p := s.Players.Create()
	if target != "" {
		if err := p.Select(target); err != nil {
			writeError(w, http.StatusGone, err.Error())
			return
		}
	}

	logger.Info("{handlers/players - handleCreatePlayer} Player %s created", p.ID)
	resp := describePlayer(p)
	if target != "" {
		resp.PreviouslyFailed = s.previouslyFailed(r.Context(), target)
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleGetPlayer(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookupPlayer(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, describePlayer(p))
}

func (s *Server) handleDeletePlayer(w http.ResponseWriter, r *http.Request) {
	if !s.Players.Remove(mux.Vars(r)["id"]) {
		writeError(w, http.StatusNotFound, "Player not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSelectChannel switches a player to the channel url in the body.
func (s *Server) handleSelectChannel(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookupPlayer(w, r)
	if !ok {
		return
	}

	var req selectRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	target, err := s.channelTarget(req.URL)
	if err != nil {
		relay.WriteError(w, err)
		return
	}

	if err := p.Select(target); err != nil {
		if errors.Is(err, stream.ErrStopped) {
			writeError(w, http.StatusGone, "Player closed")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := describePlayer(p)
	resp.PreviouslyFailed = s.previouslyFailed(r.Context(), target)
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleStopPlayer(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookupPlayer(w, r)
	if !ok {
		return
	}
	p.Stop()
	writeJSON(w, http.StatusOK, describePlayer(p))
}

// handlePlayerStream copies the player's sink to the client as a transport
// stream until the client leaves or the player is closed. Each request is
// its own subscriber starting at the oldest buffered byte.
func (s *Server) handlePlayerStream(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookupPlayer(w, r)
	if !ok {
		return
	}

	clientID := uuid.NewString()
	reader := p.Sink().NewReader(r.Context(), clientID)
	defer reader.Close()

	h := w.Header()
	h.Set("Content-Type", "video/mp2t")
	h.Set("Cache-Control", "no-cache, no-store")
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)

	logger.Debug("{handlers/players - handlePlayerStream} Client %s attached to player %s", clientID, p.ID)

	written, err := io.Copy(flushWriter{w}, reader)
	p.Touch()
	if err != nil && !errors.Is(err, r.Context().Err()) {
		logger.Warn("{handlers/players - handlePlayerStream} Client %s of player %s dropped after %d bytes: %v", clientID, p.ID, written, err)
		return
	}
	logger.Debug("{handlers/players - handlePlayerStream} Client %s of player %s done after %d bytes", clientID, p.ID, written)
}

// flushWriter pushes every chunk to the client as soon as it is written.
type flushWriter struct {
	w http.ResponseWriter
}

func (f flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if flusher, ok := f.w.(http.Flusher); ok {
		flusher.Flush()
	}
	return n, err
}
