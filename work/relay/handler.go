package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"

	"ultrastream/work/logger"
	"ultrastream/work/metrics"
	"ultrastream/work/utils"
)

const chunkSize = 32 * 1024

// chunkPool recycles the copy buffers used while streaming relayed bodies.
var chunkPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, chunkSize)
		return &b
	},
}

// failureBody is the JSON shape of every relay error answer.
type failureBody struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	URL     string `json:"url,omitempty"`
}

// ServeHTTP answers GET /proxy?url=<target> and the OPTIONS preflight.
func (rl *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodOptions:
		rl.writePreflight(w)
	case http.MethodGet, http.MethodHead:
		rl.serveRelay(w, r)
	default:
		setCORS(w.Header())
		writeJSON(w, http.StatusMethodNotAllowed, failureBody{Error: "Method not allowed"})
	}
}

func (rl *Relay) serveRelay(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")

	resp, err := rl.Fetch(r.Context(), target)
	if err != nil {
		WriteError(w, err)
		return
	}
	defer resp.Body.Close()

	h := w.Header()
	setCORS(h)
	h.Set("Content-Type", resp.ContentType)
	h.Set("Cache-Control", resp.CacheControl)
	h.Set("X-Proxy-Status", "success")
	if resp.ContentEncoding != "" {
		h.Set("Content-Encoding", resp.ContentEncoding)
	}
	if resp.ContentLength >= 0 {
		h.Set("Content-Length", strconv.FormatInt(resp.ContentLength, 10))
	}
	w.WriteHeader(http.StatusOK)

	metrics.RelayRequests.WithLabelValues("ok").Inc()

	if r.Method == http.MethodHead {
		return
	}

	written, err := streamBody(w, resp.Body)
	metrics.RelayBytes.WithLabelValues(string(resp.CacheClass)).Add(float64(written))
	if err != nil {
		// Headers are gone already, the client sees a truncated body.
		logger.Warn("{relay/handler - serveRelay} Stream interrupted after %s for %s: %v",
			utils.FormatBytes(written), utils.LogURL(rl.Config, target), err)
		return
	}

	logger.Debug("{relay/handler - serveRelay} Relayed %s for %s", utils.FormatBytes(written), utils.LogURL(rl.Config, target))
}

// streamBody copies src to w chunk by chunk, flushing after each write so
// bytes reach the client as they arrive.
func streamBody(w http.ResponseWriter, src io.Reader) (int64, error) {
	bufPtr := chunkPool.Get().(*[]byte)
	defer chunkPool.Put(bufPtr)
	buf := *bufPtr

	flusher, _ := w.(http.Flusher)
	var written int64

	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			m, writeErr := w.Write(buf[:n])
			written += int64(m)
			if writeErr != nil {
				return written, writeErr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}

// WriteError maps relay errors onto status codes and the JSON error shape.
// Other handlers that fetch through the relay answer failures the same way.
func WriteError(w http.ResponseWriter, err error) {
	setCORS(w.Header())

	var (
		inputErr    *InputError
		upstreamErr *UpstreamError
		networkErr  *NetworkError
	)

	switch {
	case errors.As(err, &inputErr):
		writeJSON(w, http.StatusBadRequest, failureBody{Error: inputErr.Reason})

	case errors.As(err, &upstreamErr):
		writeJSON(w, upstreamErr.StatusCode, failureBody{
			Error:   upstreamErr.Error(),
			Details: upstreamErr.Details(),
			URL:     upstreamErr.URL,
		})

	case errors.As(err, &networkErr):
		writeJSON(w, http.StatusInternalServerError, failureBody{
			Error:   networkErr.Error(),
			Details: networkErr.Details(),
			URL:     networkErr.URL,
		})

	default:
		writeJSON(w, http.StatusInternalServerError, failureBody{Error: err.Error(), Details: "Unknown error"})
	}
}

// writePreflight answers OPTIONS without touching the upstream.
func (rl *Relay) writePreflight(w http.ResponseWriter) {
	h := w.Header()
	setCORS(h)
	h.Set("Access-Control-Max-Age", fmt.Sprintf("%d", int(rl.Config.PreflightMaxAge.Seconds())))
	w.WriteHeader(http.StatusOK)
}

// setCORS makes relayed bytes readable by a player hosted on any origin.
func setCORS(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Range")
	h.Set("Access-Control-Expose-Headers", "Content-Length, Content-Range")
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("{relay/handler - writeJSON} Failed to encode response: %v", err)
	}
}
