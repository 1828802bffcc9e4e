package stream

import "io"

// Engine is a segmented streaming engine driven by a Controller.
//
// Implementations report progress through EngineConfig.Events from their own
// goroutines, never from inside one of these calls. No event may be
// delivered and no request issued once Destroy has returned.
type Engine interface {
	// LoadSource starts fetching the manifest at url.
	LoadSource(url string)
	// StartLoad restarts loading from the current manifest after a network failure.
	StartLoad()
	// RecoverMediaError reinitialises the decode pipeline without refetching the manifest.
	RecoverMediaError()
	// Play starts delivering media to the sink.
	Play()
	// Destroy aborts in-flight work and releases everything the engine holds.
	Destroy()
}

// EngineConfig is what a Controller hands to a new engine.
type EngineConfig struct {
	// Rewrite maps every manifest and segment URL before it is requested.
	Rewrite func(string) string
	// Events receives engine events.
	Events func(Event)
	// Sink receives media bytes in playback order.
	Sink io.Writer
}

// EngineFactory builds one engine per session.
type EngineFactory func(EngineConfig) Engine
