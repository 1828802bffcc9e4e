package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"ultrastream/work/logger"
)

// DefaultPath is where the settings file lives inside the container image.
const DefaultPath = "/settings/config.json"

// DefaultUserAgent is the desktop browser fingerprint presented to upstream origins.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"

// Config holds all application configuration values for the relay server.
// It covers the relay, the stream controller retry policy, the segment engine,
// the player registry and the store.
type Config struct {
	ListenAddr    string `json:"listenAddr"`    // Address the HTTP server binds to
	BaseURL       string `json:"baseURL"`       // Externally reachable base URL, used to address the relay
	LogLevel      string `json:"logLevel"`      // DEBUG, INFO, WARN or ERROR
	Debug         bool   `json:"debug"`         // Forces DEBUG logging
	ObfuscateUrls bool   `json:"obfuscateUrls"` // Obfuscate URLs in logs

	RelayTimeout    time.Duration `json:"relayTimeout"`    // Bound on one complete upstream fetch
	RelayUserAgent  string        `json:"relayUserAgent"`  // User-Agent presented upstream
	RelayRateLimit  int           `json:"relayRateLimit"`  // Requests per second per upstream host, 0 disables pacing
	PlaylistMaxAge  time.Duration `json:"playlistMaxAge"`  // Cache lifetime for playlists
	SegmentMaxAge   time.Duration `json:"segmentMaxAge"`   // Cache lifetime for media segments
	DefaultMaxAge   time.Duration `json:"defaultMaxAge"`   // Cache lifetime for anything else
	PreflightMaxAge time.Duration `json:"preflightMaxAge"` // Access-Control-Max-Age on preflight answers

	MaxNetworkRetries int           `json:"maxNetworkRetries"` // Reload attempts before a session fails
	RetryBaseDelay    time.Duration `json:"retryBaseDelay"`    // Backoff unit, delay = attempt * base

	ManifestMaxRetry int           `json:"manifestMaxRetry"` // Engine-internal manifest attempts before a fatal error
	FragMaxRetry     int           `json:"fragMaxRetry"`     // Engine-internal segment attempts before a fatal error
	FragRetryDelay   time.Duration `json:"fragRetryDelay"`   // Pause between engine-internal attempts
	LiveRefreshFloor time.Duration `json:"liveRefreshFloor"` // Minimum live playlist refresh interval
	SegmentWorkers   int           `json:"segmentWorkers"`   // Concurrent segment fetches per engine

	PlayerIdleTimeout time.Duration `json:"playerIdleTimeout"` // Players untouched for this long are torn down
	MaxPlayers        int           `json:"maxPlayers"`        // Upper bound on registered players
	SinkBufferSize    int64         `json:"sinkBufferSize"`    // Playback sink ring buffer in MB

	DatabasePath string `json:"databasePath"` // SQLite file for saved playlists and failed streams
}

// ConfigFile represents the JSON file structure for marshaling/unmarshaling configuration.
// String duration fields (e.g., "30s") are parsed into time.Duration values.
type ConfigFile struct {
	ListenAddr        string `json:"listenAddr"`
	BaseURL           string `json:"baseURL"`
	LogLevel          string `json:"logLevel"`
	Debug             bool   `json:"debug"`
	ObfuscateUrls     bool   `json:"obfuscateUrls"`
	RelayTimeout      string `json:"relayTimeout"`
	RelayUserAgent    string `json:"relayUserAgent"`
	RelayRateLimit    int    `json:"relayRateLimit"`
	PlaylistMaxAge    string `json:"playlistMaxAge"`
	SegmentMaxAge     string `json:"segmentMaxAge"`
	DefaultMaxAge     string `json:"defaultMaxAge"`
	PreflightMaxAge   string `json:"preflightMaxAge"`
	MaxNetworkRetries int    `json:"maxNetworkRetries"`
	RetryBaseDelay    string `json:"retryBaseDelay"`
	ManifestMaxRetry  int    `json:"manifestMaxRetry"`
	FragMaxRetry      int    `json:"fragMaxRetry"`
	FragRetryDelay    string `json:"fragRetryDelay"`
	LiveRefreshFloor  string `json:"liveRefreshFloor"`
	SegmentWorkers    int    `json:"segmentWorkers"`
	PlayerIdleTimeout string `json:"playerIdleTimeout"`
	MaxPlayers        int    `json:"maxPlayers"`
	SinkBufferSize    int64  `json:"sinkBufferSize"`
	DatabasePath      string `json:"databasePath"`
}

var (
	configCache *Config      // Cached configuration instance (singleton)
	configMutex sync.RWMutex // Mutex for safe concurrent access to configCache
)

// LoadConfig loads the configuration from path or returns the cached instance.
//
// Process:
//   - Uses double-checked locking to avoid redundant reloads.
//   - Falls back to default config if file is missing or invalid.
//   - Runs validation to ensure safe defaults.
func LoadConfig(path string) *Config {
	configMutex.RLock()
	if configCache != nil {
		defer configMutex.RUnlock()
		return configCache
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	// Double-check under write lock
	if configCache != nil {
		return configCache
	}

	config, err := LoadFile(path)
	if err != nil {
		logger.Warn("{config/config - LoadConfig} Failed to load config from %s: %v", path, err)
		logger.Warn("{config/config - LoadConfig} Falling back to default configuration")
		config = Default()
	}

	configCache = config
	return config
}

// LoadFile reads, parses and validates the configuration file at path without touching the cache.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var configFile ConfigFile
	if err := json.Unmarshal(data, &configFile); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	config, err := convertFromFile(&configFile)
	if err != nil {
		return nil, err
	}

	validateAndSetDefaults(config)
	return config, nil
}

// convertFromFile converts a ConfigFile to Config,
// parsing duration strings into time.Duration. Empty strings stay zero
// and are filled by validateAndSetDefaults.
func convertFromFile(cf *ConfigFile) (*Config, error) {
	config := &Config{
		ListenAddr:        cf.ListenAddr,
		BaseURL:           cf.BaseURL,
		LogLevel:          cf.LogLevel,
		Debug:             cf.Debug,
		ObfuscateUrls:     cf.ObfuscateUrls,
		RelayUserAgent:    cf.RelayUserAgent,
		RelayRateLimit:    cf.RelayRateLimit,
		MaxNetworkRetries: cf.MaxNetworkRetries,
		ManifestMaxRetry:  cf.ManifestMaxRetry,
		FragMaxRetry:      cf.FragMaxRetry,
		SegmentWorkers:    cf.SegmentWorkers,
		MaxPlayers:        cf.MaxPlayers,
		SinkBufferSize:    cf.SinkBufferSize,
		DatabasePath:      cf.DatabasePath,
	}

	durations := []struct {
		name   string
		raw    string
		target *time.Duration
	}{
		{"relayTimeout", cf.RelayTimeout, &config.RelayTimeout},
		{"playlistMaxAge", cf.PlaylistMaxAge, &config.PlaylistMaxAge},
		{"segmentMaxAge", cf.SegmentMaxAge, &config.SegmentMaxAge},
		{"defaultMaxAge", cf.DefaultMaxAge, &config.DefaultMaxAge},
		{"preflightMaxAge", cf.PreflightMaxAge, &config.PreflightMaxAge},
		{"retryBaseDelay", cf.RetryBaseDelay, &config.RetryBaseDelay},
		{"fragRetryDelay", cf.FragRetryDelay, &config.FragRetryDelay},
		{"liveRefreshFloor", cf.LiveRefreshFloor, &config.LiveRefreshFloor},
		{"playerIdleTimeout", cf.PlayerIdleTimeout, &config.PlayerIdleTimeout},
	}

	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.target = parsed
	}

	return config, nil
}

// Default returns a baseline configuration with sensible defaults when no file is present.
func Default() *Config {
	config := &Config{}
	validateAndSetDefaults(config)
	return config
}

// validateAndSetDefaults ensures all config values are valid,
// filling in defaults for missing/invalid ones.
func validateAndSetDefaults(config *Config) {
	if config.ListenAddr == "" {
		config.ListenAddr = ":8080"
	}
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:8080"
	}
	if config.LogLevel == "" {
		config.LogLevel = "INFO"
	}
	if config.Debug {
		config.LogLevel = "DEBUG"
	}
	if config.RelayTimeout <= 0 {
		config.RelayTimeout = 30 * time.Second
	}
	if config.RelayUserAgent == "" {
		config.RelayUserAgent = DefaultUserAgent
	}
	if config.RelayRateLimit < 0 {
		config.RelayRateLimit = 0
	}
	if config.PlaylistMaxAge <= 0 {
		config.PlaylistMaxAge = 10 * time.Second
	}
	if config.SegmentMaxAge <= 0 {
		config.SegmentMaxAge = 2 * time.Second
	}
	if config.DefaultMaxAge <= 0 {
		config.DefaultMaxAge = time.Hour
	}
	if config.PreflightMaxAge <= 0 {
		config.PreflightMaxAge = 24 * time.Hour
	}
	if config.MaxNetworkRetries <= 0 {
		config.MaxNetworkRetries = 5
	}
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = time.Second
	}
	if config.ManifestMaxRetry <= 0 {
		config.ManifestMaxRetry = 3
	}
	if config.FragMaxRetry <= 0 {
		config.FragMaxRetry = 6
	}
	if config.FragRetryDelay <= 0 {
		config.FragRetryDelay = time.Second
	}
	if config.LiveRefreshFloor <= 0 {
		config.LiveRefreshFloor = time.Second
	}
	if config.SegmentWorkers <= 0 {
		config.SegmentWorkers = 4
	}
	if config.PlayerIdleTimeout <= 0 {
		config.PlayerIdleTimeout = 10 * time.Minute
	}
	if config.MaxPlayers <= 0 {
		config.MaxPlayers = 64
	}
	if config.SinkBufferSize <= 0 {
		config.SinkBufferSize = 4
	}
	if config.DatabasePath == "" {
		config.DatabasePath = "/settings/ultrastream.db"
	}
}

// RelayEndpoint is the absolute address of the relay route derived from BaseURL.
func (c *Config) RelayEndpoint() string {
	return strings.TrimRight(c.BaseURL, "/") + "/proxy"
}

// CreateExampleConfig writes an example config file to path.
func CreateExampleConfig(path string) error {
	example := ConfigFile{
		ListenAddr:        ":8080",
		BaseURL:           "http://localhost:8080",
		LogLevel:          "INFO",
		ObfuscateUrls:     true,
		RelayTimeout:      "30s",
		RelayUserAgent:    DefaultUserAgent,
		RelayRateLimit:    0,
		PlaylistMaxAge:    "10s",
		SegmentMaxAge:     "2s",
		DefaultMaxAge:     "1h",
		PreflightMaxAge:   "24h",
		MaxNetworkRetries: 5,
		RetryBaseDelay:    "1s",
		ManifestMaxRetry:  3,
		FragMaxRetry:      6,
		FragRetryDelay:    "1s",
		LiveRefreshFloor:  "1s",
		SegmentWorkers:    4,
		PlayerIdleTimeout: "10m",
		MaxPlayers:        64,
		SinkBufferSize:    4,
		DatabasePath:      "/settings/ultrastream.db",
	}

	data, err := json.MarshalIndent(example, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// ClearConfigCache resets the configCache to nil.
// Forces a reload on the next LoadConfig() call.
func ClearConfigCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}
