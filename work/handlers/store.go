package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"ultrastream/work/database"
	"ultrastream/work/logger"
	"ultrastream/work/relay"
)

type savePlaylistRequest struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

func (s *Server) handleListPlaylists(w http.ResponseWriter, r *http.Request) {
	if !s.storeReady(w) {
		return
	}

	playlists, err := s.DB.ListPlaylists(r.Context())
	if err != nil {
		logger.Error("{handlers/store - handleListPlaylists} %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to list playlists")
		return
	}
	writeJSON(w, http.StatusOK, playlists)
}

// handleSavePlaylist stores a playlist source. Saving a known url renames it.
func (s *Server) handleSavePlaylist(w http.ResponseWriter, r *http.Request) {
	if !s.storeReady(w) {
		return
	}

	var req savePlaylistRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.URL = strings.TrimSpace(req.URL)
	if _, err := relay.ValidateTarget(req.URL); err != nil {
		relay.WriteError(w, err)
		return
	}

	row, err := s.DB.SavePlaylist(r.Context(), strings.TrimSpace(req.Name), req.URL)
	if err != nil {
		logger.Error("{handlers/store - handleSavePlaylist} %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to save playlist")
		return
	}

	logger.Info("{handlers/store - handleSavePlaylist} Saved playlist %d (%s)", row.ID, row.Name)
	writeJSON(w, http.StatusCreated, row)
}

func (s *Server) handleDeletePlaylist(w http.ResponseWriter, r *http.Request) {
	if !s.storeReady(w) {
		return
	}

	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid playlist id")
		return
	}

	switch err := s.DB.DeletePlaylist(r.Context(), id); {
	case errors.Is(err, database.ErrNotFound):
		writeError(w, http.StatusNotFound, "Playlist not found")
	case err != nil:
		logger.Error("{handlers/store - handleDeletePlaylist} %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to delete playlist")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleListFailedStreams(w http.ResponseWriter, r *http.Request) {
	if !s.storeReady(w) {
		return
	}

	failed, err := s.DB.ListFailedStreams(r.Context())
	if err != nil {
		logger.Error("{handlers/store - handleListFailedStreams} %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to list failed streams")
		return
	}
	writeJSON(w, http.StatusOK, failed)
}

// handleClearFailedStream forgets the failure record of ?url=.
func (s *Server) handleClearFailedStream(w http.ResponseWriter, r *http.Request) {
	if !s.storeReady(w) {
		return
	}

	target := r.URL.Query().Get("url")
	if target == "" {
		writeError(w, http.StatusBadRequest, "URL parameter is required")
		return
	}

	switch err := s.DB.ClearFailedStream(r.Context(), target); {
	case errors.Is(err, database.ErrNotFound):
		writeError(w, http.StatusNotFound, "Stream is not marked failed")
	case err != nil:
		logger.Error("{handlers/store - handleClearFailedStream} %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to clear failed stream")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleVacuum compacts the store file.
func (s *Server) handleVacuum(w http.ResponseWriter, r *http.Request) {
	if !s.storeReady(w) {
		return
	}

	if err := s.DB.Vacuum(r.Context()); err != nil {
		logger.Error("{handlers/store - handleVacuum} %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to vacuum store")
		return
	}
	logger.Info("{handlers/store - handleVacuum} Store vacuumed")
	w.WriteHeader(http.StatusNoContent)
}
