package stream

import (
	"time"

	"ultrastream/work/config"
)

// State is the lifecycle position of a stream session.
type State int

const (
	Idle State = iota
	Loading
	Playing
	Recovering
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Loading:
		return "Loading"
	case Playing:
		return "Playing"
	case Recovering:
		return "Recovering"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Status is the short value shown to the UI.
func (s State) Status() string {
	switch s {
	case Loading:
		return "loading"
	case Playing:
		return "playing"
	case Recovering:
		return "recovering"
	case Failed:
		return "error"
	default:
		return "idle"
	}
}

// ErrorClass is the engine's coarse error category.
type ErrorClass string

const (
	NetworkError ErrorClass = "networkError"
	MediaError   ErrorClass = "mediaError"
	OtherError   ErrorClass = "otherError"
)

// User-facing messages.
const (
	MsgLoadingIssue      = "Loading issue - retrying..."
	MsgNetworkRecovering = "Network error - trying to recover"
	MsgNetworkExhausted  = "Network error - max retries exceeded"
	MsgMediaRecovering   = "Media error - trying to recover"
	MsgFatal             = "Fatal error - cannot play stream"
)

// Session is everything the controller knows about one channel selection.
// The retry counter lives here so a new selection always starts from zero.
type Session struct {
	State   State
	URL     string
	Retries int
	Message string
}

// Policy bounds network recovery.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// DefaultPolicy allows five reloads spaced one second apart per attempt.
var DefaultPolicy = Policy{MaxRetries: 5, BaseDelay: time.Second}

// PolicyFromConfig reads the retry settings.
func PolicyFromConfig(cfg *config.Config) Policy {
	p := Policy{MaxRetries: cfg.MaxNetworkRetries, BaseDelay: cfg.RetryBaseDelay}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultPolicy.BaseDelay
	}
	return p
}

// Delay is the backoff before reload attempt n (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	return time.Duration(attempt) * p.BaseDelay
}

// Event is something that happened to a session.
type Event interface{ event() }

// Select starts a session on URL.
type Select struct{ URL string }

// ManifestParsed reports a usable manifest with Levels quality levels.
type ManifestParsed struct{ Levels int }

// FragmentLoaded reports one media segment delivered.
type FragmentLoaded struct{ URI string }

// Error reports an engine error. Detail is the engine's own code, e.g. fragLoadError.
type Error struct {
	Class  ErrorClass
	Fatal  bool
	Detail string
}

// RetryDue fires when the backoff for Attempt has elapsed.
type RetryDue struct{ Attempt int }

// Teardown ends the session.
type Teardown struct{}

func (Select) event()         {}
func (ManifestParsed) event() {}
func (FragmentLoaded) event() {}
func (Error) event()          {}
func (RetryDue) event()       {}
func (Teardown) event()       {}

// Command is a side effect the controller must carry out.
type Command interface{ command() }

type (
	StartEngine   struct{ URL string }
	StartPlayback struct{}
	ScheduleRetry struct {
		Attempt int
		Delay   time.Duration
	}
	Reload        struct{}
	RecoverMedia  struct{}
	DestroyEngine struct{}
	CancelTimer   struct{}
	Surface       struct {
		Message   string
		Transient bool
	}
)

func (StartEngine) command()   {}
func (StartPlayback) command() {}
func (ScheduleRetry) command() {}
func (Reload) command()        {}
func (RecoverMedia) command()  {}
func (DestroyEngine) command() {}
func (CancelTimer) command()   {}
func (Surface) command()       {}

// Transition computes the next session and the commands that get it there.
// It does no I/O and never mutates its input.
func Transition(s Session, ev Event, p Policy) (Session, []Command) {
	switch ev := ev.(type) {
	case Select:
		next := Session{State: Loading, URL: ev.URL}
		if s.State == Idle {
			return next, []Command{StartEngine{URL: ev.URL}}
		}
		// a previous engine must be gone before the next one exists
		return next, []Command{CancelTimer{}, DestroyEngine{}, StartEngine{URL: ev.URL}}

	case Teardown:
		cmds := []Command{CancelTimer{}, DestroyEngine{}}
		if s.State == Failed {
			return s, cmds
		}
		return Session{State: Idle}, cmds
	}

	// engine and timer events only matter while an engine is attached
	if s.State == Idle || s.State == Failed {
		return s, nil
	}

	switch ev := ev.(type) {
	case ManifestParsed:
		if s.State == Playing {
			return s, nil
		}
		s.State = Playing
		s.Message = ""
		return s, []Command{StartPlayback{}}

	case FragmentLoaded:
		s.Retries = 0
		if s.State == Recovering {
			s.State = Playing
			s.Message = ""
		}
		return s, nil

	case RetryDue:
		if s.State != Recovering || ev.Attempt != s.Retries {
			return s, nil
		}
		return s, []Command{Reload{}}

	case Error:
		return onError(s, ev, p)
	}

	return s, nil
}

func onError(s Session, ev Error, p Policy) (Session, []Command) {
	if !ev.Fatal {
		return s, []Command{Surface{Message: MsgLoadingIssue, Transient: true}}
	}

	switch ev.Class {
	case NetworkError:
		if s.Retries >= p.MaxRetries {
			s.State = Failed
			s.Message = MsgNetworkExhausted
			return s, []Command{CancelTimer{}, DestroyEngine{}, Surface{Message: s.Message}}
		}
		s.Retries++
		s.State = Recovering
		s.Message = MsgNetworkRecovering
		return s, []Command{
			Surface{Message: s.Message},
			ScheduleRetry{Attempt: s.Retries, Delay: p.Delay(s.Retries)},
		}

	case MediaError:
		s.State = Recovering
		s.Message = MsgMediaRecovering
		return s, []Command{Surface{Message: s.Message}, RecoverMedia{}}

	default:
		s.State = Failed
		s.Message = MsgFatal
		return s, []Command{CancelTimer{}, DestroyEngine{}, Surface{Message: s.Message}}
	}
}
