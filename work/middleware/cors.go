package middleware

import (
	"net/http"

	"ultrastream/work/logger"
)

// CORS opens the JSON API to browser clients on any origin and answers
// preflight requests itself.
func CORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, If-None-Match")
		h.Set("Access-Control-Expose-Headers", "ETag")

		if r.Method == http.MethodOptions {
			logger.Debug("{middleware/cors - CORS} OPTIONS request for: %s", r.URL.Path)
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}
