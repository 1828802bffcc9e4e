package stream

import (
	"errors"
	"io"
	"sync"

	"github.com/benbjohnson/clock"

	"ultrastream/work/logger"
	"ultrastream/work/metrics"
)

// ErrStopped is returned by Start once the controller has been stopped.
var ErrStopped = errors.New("stream controller stopped")

// Status is a snapshot of a controller for callers outside the event loop.
type Status struct {
	State   string `json:"state"`
	Status  string `json:"status"`
	URL     string `json:"url,omitempty"`
	Message string `json:"message,omitempty"`
	Hint    string `json:"hint,omitempty"`
	Retries int    `json:"retries"`
}

// Options configure a Controller. Factory is required, the rest have defaults.
type Options struct {
	Factory  EngineFactory
	Policy   Policy
	Rewrite  func(string) string
	Sink     io.Writer
	Clock    clock.Clock
	OnChange func(Session) // runs on the event loop after every state change, must not call Stop
}

type origin int

const (
	fromCaller origin = iota
	fromEngine
	fromTimer
)

type envelope struct {
	ev     Event
	origin origin
	gen    uint64
}

// Controller owns one engine and applies Transition to everything the
// engine, the retry timer and the caller report. All of that is serialised
// through a single event loop goroutine.
type Controller struct {
	opts Options

	events chan envelope
	stopCh chan chan struct{}
	exited chan struct{}
	once   sync.Once

	mu      sync.RWMutex
	session Session
	hint    string

	// owned by the event loop
	engine     Engine
	engineGen  uint64
	engineQuit chan struct{}
	timer      *clock.Timer
	timerGen   uint64
}

// NewController starts the event loop. The controller is Idle until Start.
func NewController(opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Rewrite == nil {
		opts.Rewrite = func(u string) string { return u }
	}
	if opts.Sink == nil {
		opts.Sink = io.Discard
	}
	if opts.Policy == (Policy{}) {
		opts.Policy = DefaultPolicy
	}

	c := &Controller{
		opts:   opts,
		events: make(chan envelope),
		stopCh: make(chan chan struct{}),
		exited: make(chan struct{}),
	}
	go c.run()
	return c
}

// Start selects url, tearing down whatever the controller was playing.
func (c *Controller) Start(url string) error {
	select {
	case c.events <- envelope{ev: Select{URL: url}, origin: fromCaller}:
		return nil
	case <-c.exited:
		return ErrStopped
	}
}

// Stop tears the session down and ends the event loop. It returns once the
// engine is destroyed and the retry timer cancelled. Safe to call repeatedly.
func (c *Controller) Stop() {
	c.once.Do(func() {
		ack := make(chan struct{})
		c.stopCh <- ack
		<-ack
	})
	<-c.exited
}

// Session returns the current session.
func (c *Controller) Session() Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// Status renders the current session for the UI.
func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Status{
		State:   c.session.State.String(),
		Status:  c.session.State.Status(),
		URL:     c.session.URL,
		Message: c.session.Message,
		Hint:    c.hint,
		Retries: c.session.Retries,
	}
}

func (c *Controller) run() {
	defer close(c.exited)
	for {
		select {
		case env := <-c.events:
			c.handle(env)
		case ack := <-c.stopCh:
			c.handle(envelope{ev: Teardown{}, origin: fromCaller})
			close(ack)
			return
		}
	}
}

func (c *Controller) handle(env envelope) {
	switch env.origin {
	case fromEngine:
		if env.gen != c.engineGen || c.engine == nil {
			return
		}
	case fromTimer:
		if env.gen != c.timerGen {
			return
		}
	}

	prev := c.Session()
	next, cmds := Transition(prev, env.ev, c.opts.Policy)

	hint := ""
	for _, cmd := range cmds {
		if s, ok := cmd.(Surface); ok && s.Transient {
			hint = s.Message
		}
		c.execute(next, cmd)
	}

	// published after the commands ran so observers never see a state whose
	// side effects are still pending
	c.mu.Lock()
	c.session = next
	if hint != "" || next.State != prev.State {
		c.hint = hint
	}
	c.mu.Unlock()

	if errEv, ok := env.ev.(Error); ok {
		fatal := "false"
		if errEv.Fatal {
			fatal = "true"
		}
		metrics.EngineErrors.WithLabelValues(string(errEv.Class), fatal).Inc()
	}

	if next.State != prev.State {
		metrics.SessionTransitions.WithLabelValues(next.State.Status()).Inc()
		logger.Debug("{stream/controller - handle} %s -> %s (%T)", prev.State, next.State, env.ev)
		if c.opts.OnChange != nil {
			c.opts.OnChange(next)
		}
	}
}

func (c *Controller) execute(s Session, cmd Command) {
	switch cmd := cmd.(type) {
	case StartEngine:
		c.destroyEngine()
		c.engineGen++
		gen := c.engineGen
		quit := make(chan struct{})
		c.engineQuit = quit
		c.engine = c.opts.Factory(EngineConfig{
			Rewrite: c.opts.Rewrite,
			Sink:    c.opts.Sink,
			Events: func(ev Event) {
				c.post(envelope{ev: ev, origin: fromEngine, gen: gen}, quit)
			},
		})
		c.engine.LoadSource(cmd.URL)

	case StartPlayback:
		if c.engine != nil {
			c.engine.Play()
		}

	case ScheduleRetry:
		c.cancelTimer()
		gen := c.timerGen
		attempt := cmd.Attempt
		c.timer = c.opts.Clock.AfterFunc(cmd.Delay, func() {
			c.post(envelope{ev: RetryDue{Attempt: attempt}, origin: fromTimer, gen: gen}, nil)
		})
		metrics.SessionRetries.Inc()
		logger.Info("{stream/controller - execute} Reload attempt %d/%d in %v", attempt, c.opts.Policy.MaxRetries, cmd.Delay)

	case Reload:
		if c.engine != nil {
			c.engine.StartLoad()
		}

	case RecoverMedia:
		if c.engine != nil {
			c.engine.RecoverMediaError()
		}

	case DestroyEngine:
		c.destroyEngine()

	case CancelTimer:
		c.cancelTimer()

	case Surface:
		if cmd.Transient {
			logger.Debug("{stream/controller - execute} %s", cmd.Message)
		} else if s.State == Failed {
			logger.Error("{stream/controller - execute} %s", cmd.Message)
		} else {
			logger.Warn("{stream/controller - execute} %s", cmd.Message)
		}
	}
}

// post hands an event to the loop. It gives up when quit closes, which is
// how engine goroutines get unblocked while their engine is being destroyed.
func (c *Controller) post(env envelope, quit <-chan struct{}) {
	select {
	case c.events <- env:
	case <-quit:
	case <-c.exited:
	}
}

func (c *Controller) destroyEngine() {
	if c.engine == nil {
		return
	}
	close(c.engineQuit)
	c.engine.Destroy()
	c.engine = nil
	c.engineQuit = nil
	c.engineGen++
}

// cancelTimer stops the pending retry and invalidates its callback in case
// the timer already fired.
func (c *Controller) cancelTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerGen++
}
