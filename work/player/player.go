package player

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"ultrastream/work/buffer"
	"ultrastream/work/config"
	"ultrastream/work/logger"
	"ultrastream/work/stream"
	"ultrastream/work/utils"
)

// FailureRecorder persists streams whose session ended in the error state.
type FailureRecorder interface {
	MarkStreamFailed(ctx context.Context, url, reason string) error
}

// Deps are shared by every player of a registry.
type Deps struct {
	Config   *config.Config
	Factory  stream.EngineFactory
	Rewrite  func(string) string
	Recorder FailureRecorder // optional
}

// Player owns one playback sink and at most one stream controller.
type Player struct {
	ID      string
	Created time.Time

	deps     Deps
	sink     *buffer.RingBuffer
	lastSeen atomic.Int64

	mu     sync.Mutex
	ctrl   *stream.Controller
	closed bool
}

// New creates an idle player.
func New(id string, deps Deps) *Player {
	size := deps.Config.SinkBufferSize * 1024 * 1024
	p := &Player{
		ID:      id,
		Created: time.Now(),
		deps:    deps,
		sink:    buffer.NewRingBuffer(size),
	}
	p.Touch()
	return p
}

// Select switches the player to url. The previous controller, and with it
// the previous engine, is gone before the new one is built.
func (p *Player) Select(url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return stream.ErrStopped
	}

	if p.ctrl != nil {
		p.ctrl.Stop()
		p.ctrl = nil
	}
	p.sink.Reset()

	p.ctrl = stream.NewController(stream.Options{
		Factory:  p.deps.Factory,
		Policy:   stream.PolicyFromConfig(p.deps.Config),
		Rewrite:  p.deps.Rewrite,
		Sink:     p.sink,
		OnChange: p.onChange,
	})

	logger.Info("{player/player - Select} Player %s selecting %s", p.ID, utils.LogURL(p.deps.Config, url))
	p.Touch()
	return p.ctrl.Start(url)
}

// Stop ends the current session, if any, and leaves the player idle.
func (p *Player) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctrl != nil {
		p.ctrl.Stop()
		p.ctrl = nil
	}
}

// Close stops the player for good and releases its sink.
func (p *Player) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true

	if p.ctrl != nil {
		p.ctrl.Stop()
		p.ctrl = nil
	}
	p.sink.Destroy()
	logger.Debug("{player/player - Close} Player %s closed", p.ID)
}

// Status reports the current session, or idle when none is attached.
func (p *Player) Status() stream.Status {
	p.mu.Lock()
	ctrl := p.ctrl
	p.mu.Unlock()

	if ctrl == nil {
		return stream.Status{State: stream.Idle.String(), Status: stream.Idle.Status()}
	}
	return ctrl.Status()
}

// Sink is the buffer stream clients read from.
func (p *Player) Sink() *buffer.RingBuffer {
	return p.sink
}

// Touch marks the player as in use.
func (p *Player) Touch() {
	p.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen is when the player was last touched.
func (p *Player) LastSeen() time.Time {
	return time.Unix(0, p.lastSeen.Load())
}

// Idle reports whether nobody is reading the sink and nobody touched the
// player for timeout.
func (p *Player) Idle(now time.Time, timeout time.Duration) bool {
	return p.sink.Clients() == 0 && now.Sub(p.LastSeen()) >= timeout
}

func (p *Player) onChange(s stream.Session) {
	if s.State != stream.Failed || p.deps.Recorder == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.deps.Recorder.MarkStreamFailed(ctx, s.URL, s.Message); err != nil {
		logger.Error("{player/player - onChange} Failed to record failed stream %s: %v", utils.LogURL(p.deps.Config, s.URL), err)
	}
}
