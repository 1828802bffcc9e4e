package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ultrastream/work/cache"
	"ultrastream/work/config"
	"ultrastream/work/database"
	"ultrastream/work/logger"
	"ultrastream/work/middleware"
	"ultrastream/work/player"
	"ultrastream/work/relay"
)

// Server is the HTTP surface: the relay, the playlist API, players and the store.
type Server struct {
	Config    *config.Config
	Relay     *relay.Relay
	Players   *player.Registry
	DB        *database.DB // nil disables the store routes
	Playlists *cache.Cache

	started time.Time
}

type errorBody struct {
	Error string `json:"error"`
}

// New assembles a server. The playlist cache is sized from the player cap.
func New(cfg *config.Config, rl *relay.Relay, players *player.Registry, db *database.DB) (*Server, error) {
	playlists, err := cache.New(cfg.PlaylistMaxAge, cfg.MaxPlayers, cfg.RelayTimeout)
	if err != nil {
		return nil, err
	}
	return &Server{
		Config:    cfg,
		Relay:     rl,
		Players:   players,
		DB:        db,
		Playlists: playlists,
		started:   time.Now(),
	}, nil
}

// Router registers every route on a fresh gorilla router.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()

	router.Handle("/proxy", s.Relay).Methods("GET", "HEAD", "OPTIONS")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	router.HandleFunc("/api/playlist", middleware.CORS(middleware.GzipMiddleware(s.handleGetPlaylist))).Methods("GET", "OPTIONS")

	router.HandleFunc("/api/players", middleware.CORS(s.handleCreatePlayer)).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/players/{id}", middleware.CORS(middleware.GzipMiddleware(s.handleGetPlayer))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/players/{id}", middleware.CORS(s.handleDeletePlayer)).Methods("DELETE")
	router.HandleFunc("/api/players/{id}/select", middleware.CORS(s.handleSelectChannel)).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/players/{id}/stop", middleware.CORS(s.handleStopPlayer)).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/players/{id}/stream", middleware.CORS(s.handlePlayerStream)).Methods("GET", "OPTIONS")

	router.HandleFunc("/api/playlists", middleware.CORS(middleware.GzipMiddleware(s.handleListPlaylists))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/playlists", middleware.CORS(s.handleSavePlaylist)).Methods("POST")
	router.HandleFunc("/api/playlists/{id}", middleware.CORS(s.handleDeletePlaylist)).Methods("DELETE", "OPTIONS")

	router.HandleFunc("/api/failed-streams", middleware.CORS(middleware.GzipMiddleware(s.handleListFailedStreams))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/failed-streams", middleware.CORS(s.handleClearFailedStream)).Methods("DELETE")
	router.HandleFunc("/api/store/vacuum", middleware.CORS(s.handleVacuum)).Methods("POST", "OPTIONS")

	router.HandleFunc("/api/stats", middleware.CORS(middleware.GzipMiddleware(s.handleGetStats))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/logs", middleware.CORS(middleware.GzipMiddleware(handleGetLogs))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/logs", middleware.CORS(handleClearLogs)).Methods("DELETE")

	return router
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("{handlers/handlers - writeJSON} Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// readJSON decodes a small request body into v.
func readJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024))
	if err := dec.Decode(v); err != nil {
		return errors.New("Invalid JSON body")
	}
	return nil
}

// storeReady answers 503 when the server runs without a database.
func (s *Server) storeReady(w http.ResponseWriter) bool {
	if s.DB == nil {
		writeError(w, http.StatusServiceUnavailable, "Store unavailable")
		return false
	}
	return true
}
