package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RelayRequests counts relay requests by outcome.
// The "result" label is one of: ok, input_error, upstream_error, timeout, network_error.
var RelayRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ultrastream_relay_requests_total",
	Help: "Relay requests by outcome",
}, []string{"result"})

// RelayBytes tracks bytes streamed back to clients, labeled by cache class
// (playlist, segment, other).
var RelayBytes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ultrastream_relay_bytes_total",
	Help: "Bytes relayed to clients",
}, []string{"class"})

// RelayUpstreamLatency observes time to upstream response headers.
var RelayUpstreamLatency = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "ultrastream_relay_upstream_latency_seconds",
	Help:    "Time until upstream response headers arrive",
	Buckets: prometheus.DefBuckets,
})

// SessionTransitions counts stream session state entries, labeled by the state entered.
var SessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ultrastream_session_transitions_total",
	Help: "Stream session state transitions by target state",
}, []string{"state"})

// SessionRetries counts scheduled network reload attempts.
var SessionRetries = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ultrastream_session_retries_total",
	Help: "Network reload attempts scheduled by stream sessions",
})

// EngineErrors counts engine error events by class and fatality.
var EngineErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ultrastream_engine_errors_total",
	Help: "Streaming engine error events",
}, []string{"class", "fatal"})

// ActivePlayers is the number of registered players.
var ActivePlayers = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "ultrastream_active_players",
	Help: "Number of registered players",
})

// EngineSegments counts media segments fetched by streaming engines.
// The "result" label is one of: ok, retry, failed, corrupt.
var EngineSegments = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ultrastream_engine_segments_total",
	Help: "Media segments fetched by streaming engines",
}, []string{"result"})
