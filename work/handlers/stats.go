package handlers

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"ultrastream/work/logger"
	"ultrastream/work/utils"
)

type statsResponse struct {
	Uptime          string                 `json:"uptime"`
	MemoryUsage     string                 `json:"memoryUsage"`
	Goroutines      int                    `json:"goroutines"`
	Players         int                    `json:"players"`
	CachedPlaylists int                    `json:"cachedPlaylists"`
	LogLevel        string                 `json:"logLevel"`
	Store           map[string]interface{} `json:"store,omitempty"`
}

// handleGetStats reports process and registry figures for operators.
func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	stats := statsResponse{
		Uptime:          formatDuration(time.Since(s.started)),
		MemoryUsage:     utils.FormatBytes(int64(m.Alloc)),
		Goroutines:      runtime.NumGoroutine(),
		Players:         s.Players.Len(),
		CachedPlaylists: s.Playlists.Len(),
		LogLevel:        logger.GetLogLevel(),
	}

	if s.DB != nil {
		store, err := s.DB.GetStats(r.Context())
		if err != nil {
			logger.Warn("{handlers/stats - handleGetStats} Failed to read store stats: %v", err)
		} else {
			stats.Store = store
		}
	}

	writeJSON(w, http.StatusOK, stats)
}

// handleGetLogs returns the retained log lines, oldest first.
func handleGetLogs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, logger.Recent())
}

func handleClearLogs(w http.ResponseWriter, r *http.Request) {
	logger.ClearRecent()
	logger.Info("{handlers/stats - handleClearLogs} Logs cleared")
	w.WriteHeader(http.StatusNoContent)
}

// formatDuration renders uptime at the two coarsest useful units.
func formatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	default:
		return fmt.Sprintf("%dd %dh", int(d.Hours())/24, int(d.Hours())%24)
	}
}
